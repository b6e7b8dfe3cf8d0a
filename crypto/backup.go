package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/scalarmult"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrBackupMAC     = errors.New("crypto: backup session data MAC mismatch")
	ErrBackupPadding = errors.New("crypto: backup session data padding invalid")
	ErrBackupKey     = errors.New("crypto: backup key must be 32 bytes")
)

const backupMACLen = 8

// EncryptedSessionData is the session_data object of a backed-up room key.
type EncryptedSessionData struct {
	Ephemeral  string `json:"ephemeral"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

type BackupPublicKey [32]byte

func BackupPublicKeyFromBase64(s string) (BackupPublicKey, error) {
	var pk BackupPublicKey
	b, err := DecodeBase64(s)
	if err != nil {
		return pk, fmt.Errorf("crypto: decoding backup public key: %w", err)
	}
	if len(b) != 32 {
		return pk, ErrBackupKey
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk BackupPublicKey) ToBase64() string {
	return EncodeBase64(pk[:])
}

// Encrypt seals plaintext for the holder of the matching decryption key using an ephemeral
// curve25519 key.
func (pk BackupPublicKey) Encrypt(plaintext []byte) (*EncryptedSessionData, error) {
	ephemeralPriv := nacl.NewKey()
	ephemeralPub := scalarmult.Base(ephemeralPriv)
	shared, err := curve25519.X25519(ephemeralPriv[:], pk[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: backup key agreement: %w", err)
	}
	aesKey, macKey, iv, err := backupKeys(shared)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return &EncryptedSessionData{
		Ephemeral:  EncodeBase64(ephemeralPub[:]),
		Ciphertext: EncodeBase64(ciphertext),
		MAC:        EncodeBase64(backupMAC(macKey)),
	}, nil
}

type BackupDecryptionKey struct {
	priv [32]byte
}

func NewBackupDecryptionKey() *BackupDecryptionKey {
	k := nacl.NewKey()
	return &BackupDecryptionKey{priv: *k}
}

func BackupDecryptionKeyFromBase64(s string) (*BackupDecryptionKey, error) {
	b, err := DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding backup decryption key: %w", err)
	}
	if len(b) != 32 {
		return nil, ErrBackupKey
	}
	k := &BackupDecryptionKey{}
	copy(k.priv[:], b)
	return k, nil
}

func (k *BackupDecryptionKey) ToBase64() string {
	return EncodeBase64(k.priv[:])
}

func (k *BackupDecryptionKey) PublicKey() BackupPublicKey {
	priv := k.priv
	return BackupPublicKey(*scalarmult.Base(&priv))
}

func (k *BackupDecryptionKey) Decrypt(data *EncryptedSessionData) ([]byte, error) {
	ephemeral, err := DecodeBase64(data.Ephemeral)
	if err != nil || len(ephemeral) != 32 {
		return nil, fmt.Errorf("crypto: bad ephemeral key")
	}
	ciphertext, err := DecodeBase64(data.Ciphertext)
	if err != nil || len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: bad backup ciphertext")
	}
	mac, err := DecodeBase64(data.MAC)
	if err != nil {
		return nil, ErrBackupMAC
	}
	shared, err := curve25519.X25519(k.priv[:], ephemeral)
	if err != nil {
		return nil, fmt.Errorf("crypto: backup key agreement: %w", err)
	}
	aesKey, macKey, iv, err := backupKeys(shared)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, backupMAC(macKey)) {
		return nil, ErrBackupMAC
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func backupKeys(shared []byte) ([]byte, []byte, []byte, error) {
	out := make([]byte, 80)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), out); err != nil {
		return nil, nil, nil, err
	}
	return out[:32], out[32:64], out[64:], nil
}

// the MAC covers an empty message, matching deployed backups
func backupMAC(macKey []byte) []byte {
	h := hmac.New(sha256.New, macKey)
	return h.Sum(nil)[:backupMACLen]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrBackupPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrBackupPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrBackupPadding
		}
	}
	return b[:len(b)-n], nil
}
