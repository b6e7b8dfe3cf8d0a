package olm

import (
	"encoding/json"
	"testing"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
	"github.com/stretchr/testify/require"
)

func TestBackupRoomKeys(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	shareWith(t, alice, DefaultEncryptionSettings())

	req, err := alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	require.Nil(req)

	key := crypto.NewBackupDecryptionKey()
	require.Nil(alice.m.EnableBackupV1(key.PublicKey().ToBase64(), "1"))
	enabled, err := alice.m.IsBackupEnabled()
	require.Nil(err)
	require.True(enabled)

	counts, err := alice.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(&RoomKeyCounts{Total: 1, BackedUp: 0}, counts)

	req, err = alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	require.NotNil(req)
	require.Equal(requests.KindKeysBackup, req.Kind)
	again, err := alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	require.Equal(req.TransactionID, again.TransactionID)

	alice.flush()
	require.Equal(1, hs.backedUpSessions())
	counts, err = alice.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(1, counts.BackedUp)

	req, err = alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	require.Nil(req)

	// a new version starts over
	require.Nil(alice.m.EnableBackupV1(key.PublicKey().ToBase64(), "2"))
	counts, err = alice.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(0, counts.BackedUp)
	req, err = alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	require.NotNil(req)
	upload := req.Payload.(*requests.KeysBackupRequest)
	require.Equal("2", upload.Version)
	require.Equal(1, upload.Sessions())

	require.Nil(alice.m.DisableBackup())
	enabled, err = alice.m.IsBackupEnabled()
	require.Nil(err)
	require.False(enabled)
	req, err = alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	require.Nil(req)
}

func TestBackupAcknowledgedAfterDisable(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	shareWith(t, alice, DefaultEncryptionSettings())

	key := crypto.NewBackupDecryptionKey()
	require.Nil(alice.m.EnableBackupV1(key.PublicKey().ToBase64(), "1"))
	req, err := alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	body := hs.handle(alice.id, req)

	require.Nil(alice.m.DisableBackup())
	res, err := alice.m.MarkRequestAsSent(ctx, req.TransactionID, req.Kind, body)
	require.Nil(err)
	require.Equal(requests.AckNotFound, res)
	counts, err := alice.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(0, counts.BackedUp)
}

func TestRestoreFromBackup(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	shareWith(t, alice, DefaultEncryptionSettings())
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	key := crypto.NewBackupDecryptionKey()
	require.Nil(alice.m.EnableBackupV1(key.PublicKey().ToBase64(), "1"))
	_, err = alice.m.BackupRoomKeys(ctx)
	require.Nil(err)
	alice.flush()

	restored := map[ids.RoomID]map[string]json.RawMessage{}
	hs.lock.Lock()
	for room, sessions := range hs.backup {
		restored[room] = map[string]json.RawMessage{}
		for id, data := range sessions {
			data := data
			pt, err := key.Decrypt(&data.SessionData)
			require.Nil(err)
			restored[room][id] = pt
		}
	}
	hs.lock.Unlock()
	restored[testRoom]["garbage"] = json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","session_key":"nope"}`)

	other := newTestClient(t, hs, "@alice:example.org", "OTHER")
	require.Nil(other.m.SaveBackupDecryptionKey(key, "1"))
	require.Nil(other.m.EnableBackupV1(key.PublicKey().ToBase64(), "1"))
	keys, err := other.m.GetBackupKeys()
	require.Nil(err)
	require.Equal(key.ToBase64(), keys.DecryptionKey.ToBase64())
	require.Equal("1", keys.BackupVersion)

	var calls [][3]int
	result, err := other.m.ImportBackedUpRoomKeys(ctx, restored, "1", func(progress, total, failures int) {
		calls = append(calls, [3]int{progress, total, failures})
	})
	require.Nil(err)
	require.Equal(1, result.ImportedCount)
	require.Equal([][3]int{{1, 2, 1}}, calls)

	// keys restored from the enabled version are not uploaded again
	counts, err := other.m.RoomKeyCounts()
	require.Nil(err)
	require.Equal(&RoomKeyCounts{Total: 1, BackedUp: 1}, counts)

	dec, err := other.decrypt(alice.id.UserID, content)
	require.Nil(err)
	require.JSONEq(string(hello), string(dec.Content))
}

func TestGetBackupKeysWithoutKey(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	keys, err := alice.m.GetBackupKeys()
	require.Nil(err)
	require.Nil(keys.DecryptionKey)
	require.Empty(keys.BackupVersion)
}

func TestVerifyBackup(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	key := crypto.NewBackupDecryptionKey()
	info := &BackupInfo{Algorithm: event.AlgorithmBackupV1, AuthData: BackupAuthData{PublicKey: key.PublicKey().ToBase64()}}
	v, err := alice.m.VerifyBackup(info)
	require.Nil(err)
	require.False(v.Trusted())
	require.Equal(SignatureMissing, v.DeviceSignature)

	msg, err := crypto.CanonicalJSON(&info.AuthData)
	require.Nil(err)
	sigs, err := alice.m.Sign(msg)
	require.Nil(err)
	info.AuthData.Signatures = map[ids.UserID]map[string]string(sigs)

	v, err = alice.m.VerifyBackup(info)
	require.Nil(err)
	require.Equal(SignatureValidAndTrusted, v.DeviceSignature)
	require.Equal(SignatureMissing, v.UserIdentitySignature)
	require.True(v.Trusted())

	info.AuthData.PublicKey = crypto.NewBackupDecryptionKey().PublicKey().ToBase64()
	v, err = alice.m.VerifyBackup(info)
	require.Nil(err)
	require.Equal(SignatureInvalid, v.DeviceSignature)
	require.False(v.Trusted())
}
