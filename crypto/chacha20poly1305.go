// This package holds the symmetric and key-agreement helpers shared by the reference crypto core and
// the wire formats of the encryption layer: attachments, passphrase exports and backups.
package crypto

import (
	"errors"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

var ErrKeyLength = errors.New("crypto: key must be 32 bytes")

var zeroNonce12 = make([]byte, chacha20poly1305.NonceSize)

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

// DH derives the shared box key for a curve25519 key pair. The result is symmetric in its arguments.
func DH(pub, priv []byte) ([]byte, error) {
	if len(pub) != 32 || len(priv) != 32 {
		return nil, ErrKeyLength
	}
	key := box.Precompute(SliceToKey(pub), SliceToKey(priv))
	return key[:], nil
}

// EncryptWithKey seals msg under a single-use key. Keys must never be reused as the nonce is fixed.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return cipher.Seal(nil, zeroNonce12, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrKeyLength
	}
	cipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return cipher.Open(nil, zeroNonce12, enc, ad)
}
