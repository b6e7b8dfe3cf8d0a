package e2ee

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"golang.org/x/crypto/argon2"
)

const saltLen = 16

// newKey derives the 32 byte store key from a passphrase and the salt kept next to the store. The salt
// is created on first use.
func newKey(passphrase, root, saltName string) ([]byte, error) {
	saltPath := filepath.Join(root, saltName)
	salt, err := readSalt(saltPath)
	if errors.Is(err, os.ErrNotExist) {
		salt, err = writeSalt(saltPath)
	}
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32), nil
}

func readSalt(p string) (salt []byte, err error) {
	f, err := os.OpenFile(p, os.O_RDONLY, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	salt = make([]byte, saltLen)
	if _, err := io.ReadFull(f, salt); err != nil {
		return nil, fmt.Errorf("e2ee: reading salt: %w", err)
	}
	return salt, nil
}

func writeSalt(p string) (salt []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err := crypto_rand.Read(salt); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, 0o400) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { err = multierr.Append(err, f.Close()) }()
	if _, err := f.Write(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
