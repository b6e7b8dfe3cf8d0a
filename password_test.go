package e2ee

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeKey(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some passphrase", tmp, "salt")
	require.Nil(err)
	key2, err := newKey("some passphrase", tmp, "salt")
	require.Nil(err)
	require.Equal(key1, key2)
	require.Equal(32, len(key1))

	key3, err := newKey("other passphrase", tmp, "salt")
	require.Nil(err)
	require.NotEqual(key1, key3)
}

func TestMakeKeyDifferentSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	key1, err := newKey("some passphrase", tmp, "salt1")
	require.Nil(err)
	key2, err := newKey("some passphrase", tmp, "salt2")
	require.Nil(err)
	require.NotEqual(key1, key2)
}

func TestTruncatedSalt(t *testing.T) {
	require := require.New(t)
	tmp := t.TempDir()
	require.Nil(os.WriteFile(filepath.Join(tmp, "salt"), []byte{1, 2, 3}, 0o600))
	_, err := newKey("some passphrase", tmp, "salt")
	require.NotNil(err)
}
