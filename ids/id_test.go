package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUserID(t *testing.T) {
	require := require.New(t)

	u, err := ParseUserID("@alice:example.org")
	require.Nil(err)
	require.Equal("example.org", u.Server())

	for _, bad := range []string{"alice:example.org", "@alice", "@:example.org", "@alice:"} {
		_, err := ParseUserID(bad)
		require.NotNil(err, bad)
	}
}

func TestParseRoomID(t *testing.T) {
	require := require.New(t)

	_, err := ParseRoomID("!abc:example.org")
	require.Nil(err)
	_, err = ParseRoomID("#abc:example.org")
	require.NotNil(err)
}

func TestNewTransactionIDUnique(t *testing.T) {
	require := require.New(t)

	seen := map[TransactionID]bool{}
	for i := 0; i < 100; i++ {
		id := NewTransactionID()
		require.False(seen[id])
		seen[id] = true
	}
}
