package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	exportHeader  = "-----BEGIN MEGOLM SESSION DATA-----"
	exportFooter  = "-----END MEGOLM SESSION DATA-----"
	exportVersion = 1
	exportLineLen = 96
	// version, salt, iv, rounds
	exportPrefixLen = 1 + 16 + 16 + 4
	// MaxExportRounds bounds the PBKDF2 work an export file can demand before its MAC is checked.
	MaxExportRounds = 10_000_000
)

var (
	ErrExportFormat     = errors.New("crypto: malformed key export")
	ErrExportVersion    = errors.New("crypto: unsupported key export version")
	ErrExportPassphrase = errors.New("crypto: key export MAC mismatch, wrong passphrase or corrupted data")
	ErrExportRounds     = errors.New("crypto: key export rounds out of range")
)

// EncryptKeyExport wraps plaintext in the passphrase-protected session data container.
func EncryptKeyExport(plaintext []byte, passphrase string, rounds uint32) (string, error) {
	if rounds == 0 || rounds > MaxExportRounds {
		return "", ErrExportRounds
	}
	prefix := make([]byte, exportPrefixLen)
	prefix[0] = exportVersion
	salt := prefix[1:17]
	iv := prefix[17:33]
	if _, err := io.ReadFull(crypto_rand.Reader, salt); err != nil {
		return "", err
	}
	if _, err := io.ReadFull(crypto_rand.Reader, iv); err != nil {
		return "", err
	}
	// keep the counter from overflowing into the nonce half
	iv[8] &= 0x7f
	binary.BigEndian.PutUint32(prefix[33:], rounds)

	aesKey, macKey := exportKeys(passphrase, salt, rounds)
	ciphertext, err := aesCTR(aesKey, iv, plaintext)
	if err != nil {
		return "", err
	}
	body := append(prefix, ciphertext...)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	body = mac.Sum(body)

	encoded := base64.StdEncoding.EncodeToString(body)
	var sb strings.Builder
	sb.WriteString(exportHeader)
	sb.WriteString("\n")
	for len(encoded) > exportLineLen {
		sb.WriteString(encoded[:exportLineLen])
		sb.WriteString("\n")
		encoded = encoded[exportLineLen:]
	}
	sb.WriteString(encoded)
	sb.WriteString("\n")
	sb.WriteString(exportFooter)
	sb.WriteString("\n")
	return sb.String(), nil
}

// DecryptKeyExport authenticates the container before decrypting, so no plaintext is produced on
// a wrong passphrase.
func DecryptKeyExport(data, passphrase string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, exportHeader) || !strings.HasSuffix(data, exportFooter) {
		return nil, ErrExportFormat
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(data, exportHeader), exportFooter)
	inner = strings.Join(strings.Fields(inner), "")
	body, err := base64.StdEncoding.DecodeString(inner)
	if err != nil {
		return nil, ErrExportFormat
	}
	if len(body) < exportPrefixLen+sha256.Size {
		return nil, ErrExportFormat
	}
	if body[0] != exportVersion {
		return nil, ErrExportVersion
	}
	salt := body[1:17]
	iv := body[17:33]
	rounds := binary.BigEndian.Uint32(body[33:37])
	if rounds == 0 || rounds > MaxExportRounds {
		return nil, ErrExportRounds
	}
	signed := body[:len(body)-sha256.Size]
	tag := body[len(body)-sha256.Size:]

	aesKey, macKey := exportKeys(passphrase, salt, rounds)
	mac := hmac.New(sha256.New, macKey)
	mac.Write(signed)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrExportPassphrase
	}
	return aesCTR(aesKey, iv[:aes.BlockSize], signed[exportPrefixLen:])
}

func exportKeys(passphrase string, salt []byte, rounds uint32) ([]byte, []byte) {
	k := pbkdf2.Key([]byte(passphrase), salt, int(rounds), 64, sha512.New)
	return k[:32], k[32:]
}
