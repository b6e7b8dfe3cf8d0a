package olm

import (
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/internal/test"
	"github.com/stretchr/testify/require"
)

func TestRolledBackRoomKeyIsNotCached(t *testing.T) {
	require := require.New(t)
	d, err := newDatabase(test.NewTestDatabase(test.NewTestConfig()), 16)
	require.Nil(err)
	defer d.Shutdown()

	rk := &roomKey{RoomID: string(testRoom), SenderKey: "sender", SessionID: "session", Algorithm: "m.megolm.v1.aes-sha2", SessionKey: "key", FirstIndex: 3}
	errAbort := errors.New("abort")
	err = d.Run("importing twice", func() error {
		if err := d.upsertRoomKey(rk); err != nil {
			return err
		}
		got, err := d.roomKey(rk.id())
		require.Nil(err)
		require.Equal(uint32(3), got.FirstIndex)
		return errAbort
	})
	require.ErrorIs(err, errAbort)

	require.Nil(d.RunReadOnly("reading room key", func() error {
		got, err := d.roomKeyOrNil(rk.id())
		require.Nil(err)
		require.Nil(got)
		return nil
	}))
}

func TestStoredRequestsRoundTrip(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	req, err := alice.m.QueueRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.NotNil(err)
	require.Nil(req)

	shareWith(t, alice, DefaultEncryptionSettings())
	req, err = alice.m.QueueRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	alice.restart()
	pending := pendingRequestsOfKind(t, alice.m, req.Kind)
	require.Len(pending, 1)
	require.Equal(req.TransactionID, pending[0].TransactionID)
	require.Equal(req.Payload, pending[0].Payload)

	alice.flush()
	alice.restart()
	require.Empty(pendingRequestsOfKind(t, alice.m, req.Kind))
}
