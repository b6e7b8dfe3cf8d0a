package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrAttachmentHash    = errors.New("crypto: attachment hash mismatch")
	ErrAttachmentKey     = errors.New("crypto: unsupported attachment key")
	ErrAttachmentVersion = errors.New("crypto: unsupported attachment version")
)

// JWK is the JSON web key describing an attachment's AES-CTR key.
type JWK struct {
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops"`
	Alg    string   `json:"alg"`
	K      string   `json:"k"`
	Ext    bool     `json:"ext"`
}

// MediaEncryptionInfo carries everything needed to decrypt an attachment once fetched.
type MediaEncryptionInfo struct {
	Key     JWK               `json:"key"`
	IV      string            `json:"iv"`
	Hashes  map[string]string `json:"hashes"`
	Version string            `json:"v"`
}

func EncryptAttachment(plaintext []byte) ([]byte, *MediaEncryptionInfo, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, nil, err
	}
	// the low 8 bytes are the block counter and start at zero
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(crypto_rand.Reader, iv[:8]); err != nil {
		return nil, nil, err
	}
	ciphertext, err := aesCTR(key, iv, plaintext)
	if err != nil {
		return nil, nil, err
	}
	hash := sha256.Sum256(ciphertext)
	return ciphertext, &MediaEncryptionInfo{
		Key: JWK{
			Kty:    "oct",
			KeyOps: []string{"encrypt", "decrypt"},
			Alg:    "A256CTR",
			K:      base64.RawURLEncoding.EncodeToString(key),
			Ext:    true,
		},
		IV:      EncodeBase64(iv),
		Hashes:  map[string]string{"sha256": EncodeBase64(hash[:])},
		Version: "v2",
	}, nil
}

// DecryptAttachment checks the ciphertext hash before decrypting.
func DecryptAttachment(ciphertext []byte, info *MediaEncryptionInfo) ([]byte, error) {
	if info.Version != "v2" {
		return nil, ErrAttachmentVersion
	}
	if info.Key.Alg != "A256CTR" || info.Key.Kty != "oct" {
		return nil, ErrAttachmentKey
	}
	expected, err := DecodeBase64(info.Hashes["sha256"])
	if err != nil || len(expected) != sha256.Size {
		return nil, ErrAttachmentHash
	}
	hash := sha256.Sum256(ciphertext)
	if subtle.ConstantTimeCompare(hash[:], expected) != 1 {
		return nil, ErrAttachmentHash
	}
	key, err := base64.RawURLEncoding.DecodeString(info.Key.K)
	if err != nil || len(key) != 32 {
		return nil, ErrAttachmentKey
	}
	iv, err := DecodeBase64(info.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: bad attachment iv")
	}
	return aesCTR(key, iv, ciphertext)
}

func aesCTR(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}
