package olm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/stretchr/testify/require"
)

var mixedToDevice = []json.RawMessage{
	json.RawMessage(`[1,2,3]`),
	json.RawMessage(`{"sender":"@bob:example.org","type":"m.custom","content":{"a":1}}`),
	json.RawMessage(`{"sender":"@bob:example.org","type":"m.room.encrypted","content":{"algorithm":"m.olm.v1.curve25519-aes-sha2","sender_key":"abc","ciphertext":{}}}`),
	json.RawMessage(`{"sender":"@bob:example.org","type":"m.room.encrypted","content":{"algorithm":"m.olm.v1.curve25519-aes-sha2","ciphertext":{}}}`),
	json.RawMessage(`{"type":"m.custom","content":{}}`),
	json.RawMessage(`{"sender":"@bob:example.org","type":"m.custom","content":"text"}`),
}

func kinds(out []event.Processed) []event.ProcessedKind {
	var k []event.ProcessedKind
	for _, p := range out {
		k = append(k, p.Kind())
	}
	return k
}

func TestSyncClassifiesEveryEventInOrder(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	out, err := alice.m.ReceiveSyncChanges(ctx, &SyncChanges{ToDeviceEvents: mixedToDevice})
	require.Nil(err)
	require.Equal([]event.ProcessedKind{
		event.KindInvalid,
		event.KindPlainText,
		event.KindUnableToDecrypt,
		event.KindInvalid,
		event.KindInvalid,
		event.KindInvalid,
	}, kinds(out))
	for i, p := range out {
		require.Equal(string(mixedToDevice[i]), string(p.RawEvent()))
	}
	require.Equal(event.UTDDecryptionFailure, out[2].(*event.UnableToDecrypt).Reason)
}

func TestSyncWithClosedMachine(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	require.Nil(alice.m.Close())
	require.Nil(alice.m.Close())

	out, err := alice.m.ReceiveSyncChanges(ctx, &SyncChanges{ToDeviceEvents: mixedToDevice})
	require.Nil(err)
	require.Len(out, len(mixedToDevice))
	require.Equal(event.KindPlainText, out[1].Kind())
	require.Equal(event.UTDMissingMachine, out[2].(*event.UnableToDecrypt).Reason)

	_, err = alice.m.OutgoingRequests(ctx)
	require.True(errors.Is(err, ErrClosed))
}

func TestSyncWithEncryptionDisabled(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE", config.WithEncryptionDisabled(true))

	out, err := alice.m.ReceiveSyncChanges(ctx, &SyncChanges{ToDeviceEvents: mixedToDevice[2:3]})
	require.Nil(err)
	require.Equal(event.UTDEncryptionDisabled, out[0].(*event.UnableToDecrypt).Reason)
}

func TestSyncDecryptsToDeviceEvents(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)

	_, err := alice.m.ShareRoomKey(ctx, testRoom, []ids.UserID{bob.id.UserID}, DefaultEncryptionSettings())
	require.Nil(err)
	alice.flush()
	hs.lock.Lock()
	hs.inboxes[bob.id] = append([]json.RawMessage{mixedToDevice[0], mixedToDevice[1]}, hs.inboxes[bob.id]...)
	hs.lock.Unlock()

	out := bob.sync()
	require.Equal([]event.ProcessedKind{event.KindInvalid, event.KindPlainText, event.KindDecrypted}, kinds(out))
	require.Equal([]string{event.TypeRoomKey}, decryptedTypes(out))

	dec := out[2].(*event.Decrypted)
	require.Equal(alice.id.UserID, dec.EncryptionInfo.Sender)
	require.Equal(alice.m.IdentityKeys().Curve25519, dec.EncryptionInfo.SenderCurve25519Key)
	require.Equal(event.UnknownDevice, dec.EncryptionInfo.Verification)
	require.Empty(dec.EncryptionInfo.SenderDevice)
}

func TestSyncRejectsUntrustedSenders(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB", config.WithTrustRequirement(event.TrustCrossSigned))
	alice.connect(bob)
	bob.track(alice.id.UserID)

	_, err := alice.m.ShareRoomKey(ctx, testRoom, []ids.UserID{bob.id.UserID}, DefaultEncryptionSettings())
	require.Nil(err)
	alice.flush()

	out := bob.sync()
	require.Len(out, 1)
	require.Equal(event.UTDUnverifiedSenderDevice, out[0].(*event.UnableToDecrypt).Reason)
	counts, err := bob.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(0, counts.Total)
}

func TestSyncStoresWithheldNotices(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	updates := alice.m.WithheldUpdates()

	withheld := json.RawMessage(`{"sender":"@bob:example.org","type":"m.room_key.withheld","content":{"algorithm":"m.megolm.v1.aes-sha2","room_id":"!room:example.org","session_id":"sess","sender_key":"key","code":"m.unverified","reason":"not verified"}}`)
	out, err := alice.m.ReceiveSyncChanges(ctx, &SyncChanges{ToDeviceEvents: []json.RawMessage{withheld}})
	require.Nil(err)
	require.Equal(event.KindPlainText, out[0].Kind())

	infos, err := updates.Next(ctx)
	require.Nil(err)
	require.Equal([]RoomKeyWithheldInfo{{RoomID: testRoom, SessionID: "sess", SenderKey: "key", Code: event.WithheldUnverified, Reason: "not verified"}}, infos)

	_, err = alice.decrypt("@bob:example.org", json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","sender_key":"key","ciphertext":"AAAA","session_id":"sess"}`))
	var merr *MegolmError
	require.True(errors.As(err, &merr))
	require.Equal(MissingRoomKey, merr.Code)
	require.Equal(event.WithheldUnverified, merr.WithheldCode)
}
