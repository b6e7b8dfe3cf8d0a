package olm

import (
	"encoding/json"
	"testing"

	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/stretchr/testify/require"
)

// currentSessionKey exports c's outbound session for the test room at its current index.
func currentSessionKey(t *testing.T, c *testClient) *ExportedRoomKey {
	require := require.New(t)
	var s *outboundSession
	require.Nil(c.m.db.RunReadOnly("reading outbound session", func() error {
		var err error
		s, err = c.m.db.outboundSession(testRoom)
		return err
	}))
	key, err := c.m.core.GroupSessionKey(&core.OutboundGroupSession{SessionID: s.SessionID, MessageIndex: s.MessageIndex, Pickle: s.Pickle})
	require.Nil(err)
	keys := c.m.IdentityKeys()
	return &ExportedRoomKey{
		Algorithm:         event.AlgorithmMegolm,
		RoomID:            testRoom,
		SenderKey:         keys.Curve25519,
		SessionID:         s.SessionID,
		SessionKey:        key,
		SenderClaimedKeys: map[string]string{keyAlgorithmEd25519: keys.Ed25519},
	}
}

func TestExportRoundTrip(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	carol := newTestClient(t, hs, "@carol:example.org", "CAROL")
	shareWith(t, alice, DefaultEncryptionSettings())
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	keys, err := alice.m.ExportRoomKeys(ctx, nil)
	require.Nil(err)
	require.Len(keys, 1)
	none, err := alice.m.ExportRoomKeys(ctx, func(info RoomKeyInfo) bool { return info.RoomID != testRoom })
	require.Nil(err)
	require.Empty(none)

	data, err := EncryptExportedRoomKeys(keys, "correct horse", 1000)
	require.Nil(err)
	_, err = DecryptExportedRoomKeys(data, "battery staple")
	require.NotNil(err)

	raw, err := DecryptExportedRoomKeys(data, "correct horse")
	require.Nil(err)
	require.Len(raw, 1)
	raw = append(raw, json.RawMessage(`{"algorithm":"m.unknown"}`))

	var calls [][3]int
	result, err := carol.m.ImportExportedRoomKeys(ctx, raw, func(progress, total, failures int) {
		calls = append(calls, [3]int{progress, total, failures})
	})
	require.Nil(err)
	require.Equal(1, result.ImportedCount)
	require.Equal(1, result.TotalCount)
	require.Equal([]string{keys[0].SessionID}, result.Keys[testRoom][keys[0].SenderKey])
	require.Equal([][3]int{{1, 2, 1}}, calls)

	dec, err := carol.decrypt(alice.id.UserID, content)
	require.Nil(err)
	require.JSONEq(string(hello), string(dec.Content))

	// importing again changes nothing
	result, err = carol.m.ImportExportedRoomKeys(ctx, raw[:1], nil)
	require.Nil(err)
	require.Equal(0, result.ImportedCount)
}

func TestImportNeverDowngradesKeys(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	carol := newTestClient(t, hs, "@carol:example.org", "CAROL")
	shareWith(t, alice, DefaultEncryptionSettings())

	early := currentSessionKey(t, alice)
	first, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	_, err = alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	late := currentSessionKey(t, alice)
	require.Equal(early.SessionID, late.SessionID)

	// alice holds the key from index 0, so the later copy is refused
	result, err := alice.m.ImportExportedRoomKeys(ctx, []json.RawMessage{mustJSON(late)}, nil)
	require.Nil(err)
	require.Equal(0, result.ImportedCount)
	_, err = alice.decrypt(alice.id.UserID, first)
	require.Nil(err)

	result, err = carol.m.ImportExportedRoomKeys(ctx, []json.RawMessage{mustJSON(late)}, nil)
	require.Nil(err)
	require.Equal(1, result.ImportedCount)
	_, err = carol.decrypt(alice.id.UserID, first)
	var merr *MegolmError
	require.ErrorAs(err, &merr)
	require.Equal(UnknownMessageIndex, merr.Code)

	result, err = carol.m.ImportExportedRoomKeys(ctx, []json.RawMessage{mustJSON(early)}, nil)
	require.Nil(err)
	require.Equal(1, result.ImportedCount)
	_, err = carol.decrypt(alice.id.UserID, first)
	require.Nil(err)

	// an equal index keeps the stored copy
	result, err = carol.m.ImportExportedRoomKeys(ctx, []json.RawMessage{mustJSON(early)}, nil)
	require.Nil(err)
	require.Equal(0, result.ImportedCount)
}

func TestImportRejectsMismatchedSessionID(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	carol := newTestClient(t, hs, "@carol:example.org", "CAROL")
	shareWith(t, alice, DefaultEncryptionSettings())

	k := currentSessionKey(t, alice)
	k.SessionID = "forged"
	noRoom := currentSessionKey(t, alice)
	noRoom.RoomID = ""
	result, err := carol.m.ImportExportedRoomKeys(ctx, []json.RawMessage{mustJSON(k), mustJSON(noRoom)}, nil)
	require.Nil(err)
	require.Equal(0, result.ImportedCount)
	require.Equal(0, result.TotalCount)

	counts, err := carol.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(0, counts.Total)
	require.Empty(result.Keys[ids.RoomID(testRoom)])
}
