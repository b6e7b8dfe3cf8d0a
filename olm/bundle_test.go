package olm

import (
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/event"
	"github.com/stretchr/testify/require"
)

func TestBundleWithoutSharedHistory(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	shareWith(t, alice, DefaultEncryptionSettings())

	b, err := alice.m.BuildRoomKeyBundle(testRoom)
	require.Nil(err)
	require.Nil(b)
}

func TestRoomKeyBundle(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")

	settings := DefaultEncryptionSettings()
	settings.SharedHistory = true
	shareWith(t, alice, settings)
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	b, err := alice.m.BuildRoomKeyBundle(testRoom)
	require.Nil(err)
	require.NotNil(b)

	alice.connect(bob)
	bob.track(alice.id.UserID)
	_, err = alice.m.ShareRoomKeyBundleData(ctx, bob.id.UserID, testRoom, "mxc://example.org/bundle", b.Info, false)
	require.Nil(err)
	alice.flush()

	out := bob.sync()
	require.Equal([]string{event.TypeRoomKeyBundle}, decryptedTypes(out))

	data, err := bob.m.GetReceivedRoomKeyBundleData(testRoom, alice.id.UserID)
	require.Nil(err)
	require.NotNil(data)
	require.Equal("mxc://example.org/bundle", data.URL)
	require.Equal(alice.id.DeviceID, data.SenderDevice)

	none, err := bob.m.GetReceivedRoomKeyBundleData(testRoom, "@carol:example.org")
	require.Nil(err)
	require.Nil(none)

	result, err := bob.m.ReceiveRoomKeyBundle(ctx, data, b.Ciphertext, nil)
	require.Nil(err)
	require.Equal(1, result.ImportedCount)

	dec, err := bob.decrypt(alice.id.UserID, content)
	require.Nil(err)
	require.JSONEq(string(hello), string(dec.Content))

	// a tampered blob is rejected
	tampered := append([]byte{}, b.Ciphertext...)
	tampered[0] ^= 1
	_, err = bob.m.ReceiveRoomKeyBundle(ctx, data, tampered, nil)
	require.NotNil(err)
}

func TestRoomKeyBundleForUntrustedUser(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")

	settings := DefaultEncryptionSettings()
	settings.SharedHistory = true
	shareWith(t, alice, settings)
	b, err := alice.m.BuildRoomKeyBundle(testRoom)
	require.Nil(err)

	alice.connect(bob)
	_, err = alice.m.ShareRoomKeyBundleData(ctx, bob.id.UserID, testRoom, "mxc://example.org/bundle", b.Info, true)
	require.True(errors.Is(err, ErrUntrustedDevice))

	require.Nil(alice.m.SetLocalTrust(bob.id.UserID, bob.id.DeviceID, LocalTrustVerified))
	reqs, err := alice.m.ShareRoomKeyBundleData(ctx, bob.id.UserID, testRoom, "mxc://example.org/bundle", b.Info, true)
	require.Nil(err)
	require.Len(reqs, 1)
}
