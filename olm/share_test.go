package olm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
)

var hello = json.RawMessage(`{"msgtype":"m.text","body":"hello"}`)

func sessionOf(t *testing.T, content json.RawMessage) string {
	var c event.MegolmEncryptedContent
	require.Nil(t, json.Unmarshal(content, &c))
	return c.SessionID
}

func shareWith(t *testing.T, from *testClient, settings EncryptionSettings, to ...*testClient) []*requests.OutgoingRequest {
	var users []ids.UserID
	for _, c := range to {
		users = append(users, c.id.UserID)
	}
	reqs, err := from.m.ShareRoomKey(ctx, testRoom, users, settings)
	require.Nil(t, err)
	from.flush()
	return reqs
}

func TestShareAndDecryptRoomEvent(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)
	keyUpdates := bob.m.RoomKeyUpdates()

	reqs := shareWith(t, alice, DefaultEncryptionSettings(), bob)
	require.Len(reqs, 1)
	require.Equal(requests.KindToDevice, reqs[0].Kind)
	require.Equal(event.TypeEncrypted, reqs[0].Payload.(*requests.ToDeviceRequest).EventType)

	out := bob.sync()
	require.Equal([]string{event.TypeRoomKey}, decryptedTypes(out))
	infos, err := keyUpdates.Next(ctx)
	require.Nil(err)
	require.Len(infos, 1)
	require.Equal(testRoom, infos[0].RoomID)

	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	dec, err := bob.decrypt(alice.id.UserID, content)
	require.Nil(err)
	require.Equal("m.room.message", dec.Type)
	require.JSONEq(string(hello), string(dec.Content))
	require.Equal(uint32(0), dec.MessageIndex)
	require.Equal(alice.m.IdentityKeys().Curve25519, dec.EncryptionInfo.SenderCurve25519Key)
	require.Equal(alice.m.IdentityKeys().Ed25519, dec.EncryptionInfo.SenderClaimedEd25519Key)
	require.Equal(event.UnknownDevice, dec.EncryptionInfo.Verification)

	// once bob knows alice's device, the sender is graded by it
	bob.track(alice.id.UserID)
	dec, err = bob.decrypt(alice.id.UserID, content)
	require.Nil(err)
	require.Equal(ids.DeviceID("ALICE"), dec.EncryptionInfo.SenderDevice)
	require.Equal(event.UnsignedDevice, dec.EncryptionInfo.Verification)

	info, err := bob.m.GetRoomEventEncryptionInfo(ctx, &event.RoomEvent{Sender: alice.id.UserID, RoomID: testRoom, Content: content})
	require.Nil(err)
	require.Equal(event.UnsignedDevice, info.Verification)

	// our own events decrypt with our own copy of the key
	own, err := alice.decrypt(alice.id.UserID, content)
	require.Nil(err)
	require.Equal(event.Verified, own.EncryptionInfo.Verification)
}

func TestQueueRoomEvent(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	shareWith(t, alice, DefaultEncryptionSettings())

	req, err := alice.m.QueueRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.Equal(requests.KindRoomMessage, req.Kind)
	alice.flush()

	events := hs.roomEvents()
	require.Len(events, 1)
	require.Equal(event.TypeEncrypted, events[0].Type)
	dec, err := alice.decrypt(alice.id.UserID, events[0].Content)
	require.Nil(err)
	require.JSONEq(string(hello), string(dec.Content))
}

func TestEncryptWithoutSession(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	_, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.True(errors.Is(err, ErrMissingOutboundSession))

	_, err = alice.m.ShareRoomKey(ctx, testRoom, nil, EncryptionSettings{Algorithm: "m.unknown"})
	require.True(errors.Is(err, ErrUnsupportedAlgorithm))
}

func TestShareIsIdempotent(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)

	require.Len(shareWith(t, alice, DefaultEncryptionSettings(), bob), 1)
	require.Empty(shareWith(t, alice, DefaultEncryptionSettings(), bob))
}

func TestShareSkipsDevicesWithoutSession(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.track(bob.id.UserID)

	require.Empty(shareWith(t, alice, DefaultEncryptionSettings(), bob))

	req, err := alice.m.GetMissingSessions(ctx, []ids.UserID{bob.id.UserID})
	require.Nil(err)
	require.NotNil(req)
	require.Equal(requests.KindKeysClaim, req.Kind)
	// the claim in flight covers bob, so no second one is made
	again, err := alice.m.GetMissingSessions(ctx, []ids.UserID{bob.id.UserID})
	require.Nil(err)
	require.Nil(again)
	alice.flush()

	none, err := alice.m.GetMissingSessions(ctx, []ids.UserID{bob.id.UserID})
	require.Nil(err)
	require.Nil(none)
	require.Len(shareWith(t, alice, DefaultEncryptionSettings(), bob), 1)
}

func TestRotationAfterMessageLimit(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)

	settings := DefaultEncryptionSettings()
	settings.RotationPeriodMessages = 2
	shareWith(t, alice, settings, bob)
	first, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	_, err = alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	require.Len(shareWith(t, alice, settings, bob), 1)
	next, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.NotEqual(sessionOf(t, first), sessionOf(t, next))

	bob.sync()
	_, err = bob.decrypt(alice.id.UserID, first)
	require.Nil(err)
	_, err = bob.decrypt(alice.id.UserID, next)
	require.Nil(err)
}

func TestRotationAfterPeriod(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	settings := DefaultEncryptionSettings()
	settings.RotationPeriod = time.Hour
	shareWith(t, alice, settings)
	first, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	alice.clock.Advance(30 * time.Minute)
	shareWith(t, alice, settings)
	second, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.Equal(sessionOf(t, first), sessionOf(t, second))

	alice.clock.Advance(time.Hour)
	shareWith(t, alice, settings)
	third, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.NotEqual(sessionOf(t, first), sessionOf(t, third))
}

func TestInvalidateGroupSession(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	invalidated, err := alice.m.InvalidateGroupSession(testRoom)
	require.Nil(err)
	require.False(invalidated)

	shareWith(t, alice, DefaultEncryptionSettings())
	first, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	invalidated, err = alice.m.InvalidateGroupSession(testRoom)
	require.Nil(err)
	require.True(invalidated)
	invalidated, err = alice.m.InvalidateGroupSession(testRoom)
	require.Nil(err)
	require.False(invalidated)
	_, err = alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.True(errors.Is(err, ErrMissingOutboundSession))

	shareWith(t, alice, DefaultEncryptionSettings())
	second, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.NotEqual(sessionOf(t, first), sessionOf(t, second))
}

func TestDepartedDeviceRotatesSession(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)

	shareWith(t, alice, DefaultEncryptionSettings(), bob)
	first, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	require.Empty(shareWith(t, alice, DefaultEncryptionSettings()))
	second, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.NotEqual(sessionOf(t, first), sessionOf(t, second))
}

func TestBlacklistedDeviceIsWithheld(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)
	require.Nil(alice.m.SetLocalTrust(bob.id.UserID, "BOB", LocalTrustBlackListed))

	reqs := shareWith(t, alice, DefaultEncryptionSettings(), bob)
	require.Len(reqs, 1)
	require.Equal(event.TypeRoomKeyWithheld, reqs[0].Payload.(*requests.ToDeviceRequest).EventType)
	require.Empty(shareWith(t, alice, DefaultEncryptionSettings(), bob))

	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	out := bob.sync()
	require.Equal([]event.ProcessedKind{event.KindPlainText}, kinds(out))
	_, err = bob.decrypt(alice.id.UserID, content)
	var merr *MegolmError
	require.True(errors.As(err, &merr))
	require.Equal(MissingRoomKey, merr.Code)
	require.Equal(event.WithheldBlacklisted, merr.WithheldCode)

	// lifting the block shares the same session without rotating it
	require.Nil(alice.m.SetLocalTrust(bob.id.UserID, "BOB", LocalTrustUnset))
	reqs = shareWith(t, alice, DefaultEncryptionSettings(), bob)
	require.Len(reqs, 1)
	require.Equal(event.TypeEncrypted, reqs[0].Payload.(*requests.ToDeviceRequest).EventType)
	next, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.Equal(sessionOf(t, content), sessionOf(t, next))

	require.Equal([]string{event.TypeRoomKey}, decryptedTypes(bob.sync()))
	_, err = bob.decrypt(alice.id.UserID, next)
	require.Nil(err)
}

func TestOnlyTrustedDevices(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	carol := newTestClient(t, hs, "@carol:example.org", "CAROL")
	alice.connect(bob, carol)
	require.Nil(alice.m.SetLocalTrust(carol.id.UserID, "CAROL", LocalTrustVerified))

	settings := DefaultEncryptionSettings()
	settings.OnlyAllowTrustedDevices = true
	reqs := shareWith(t, alice, settings, bob, carol)
	require.Len(reqs, 2)

	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.Equal([]string{event.TypeRoomKey}, decryptedTypes(carol.sync()))
	_, err = carol.decrypt(alice.id.UserID, content)
	require.Nil(err)

	bob.sync()
	_, err = bob.decrypt(alice.id.UserID, content)
	var merr *MegolmError
	require.True(errors.As(err, &merr))
	require.Equal(event.WithheldUnverified, merr.WithheldCode)
}

func TestRoomSettingsForceTrustedDevices(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)

	s, err := alice.m.GetRoomSettings(testRoom)
	require.Nil(err)
	require.Nil(s)
	require.Nil(alice.m.SetRoomSettings(testRoom, &RoomSettings{Algorithm: event.AlgorithmMegolm, OnlyAllowTrustedDevices: true}))

	reqs := shareWith(t, alice, DefaultEncryptionSettings(), bob)
	require.Len(reqs, 1)
	require.Equal(event.TypeRoomKeyWithheld, reqs[0].Payload.(*requests.ToDeviceRequest).EventType)
}

func TestRoomSettingsCannotDowngrade(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	err := alice.m.SetRoomSettings(testRoom, &RoomSettings{Algorithm: "m.unknown"})
	require.True(errors.Is(err, ErrUnsupportedAlgorithm))

	settings := &RoomSettings{Algorithm: event.AlgorithmMegolm, RotationPeriod: time.Hour, RotationPeriodMessages: 10}
	require.Nil(alice.m.SetRoomSettings(testRoom, settings))
	s, err := alice.m.GetRoomSettings(testRoom)
	require.Nil(err)
	require.Equal(settings, s)

	err = alice.m.SetRoomSettings(testRoom, &RoomSettings{Algorithm: "m.unknown"})
	require.True(errors.Is(err, ErrEncryptionDowngrade))
}

func TestMismatchedSender(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)
	bob.track(alice.id.UserID)

	shareWith(t, alice, DefaultEncryptionSettings(), bob)
	bob.sync()
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	_, err = bob.decrypt("@mallory:example.org", content)
	var merr *MegolmError
	require.True(errors.As(err, &merr))
	require.Equal(MismatchedSender, merr.Code)

	info, err := bob.m.GetRoomEventEncryptionInfo(ctx, &event.RoomEvent{Sender: "@mallory:example.org", RoomID: testRoom, Content: content})
	require.Nil(err)
	require.Equal(event.MismatchedSender, info.Verification)
}

func TestWrongRoomIsRejected(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	shareWith(t, alice, DefaultEncryptionSettings())
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	_, err = alice.m.DecryptRoomEvent(ctx, &event.RoomEvent{Sender: alice.id.UserID, RoomID: "!other:example.org", Content: content})
	var merr *MegolmError
	require.True(errors.As(err, &merr))
	require.Equal(MissingRoomKey, merr.Code)
}

func TestMissingKeyIsRequestedOnce(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	shareWith(t, alice, DefaultEncryptionSettings())
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	for i := 0; i < 2; i++ {
		_, err = bob.decrypt(alice.id.UserID, content)
		var merr *MegolmError
		require.True(errors.As(err, &merr))
		require.Equal(MissingRoomKey, merr.Code)
	}
	reqs, err := bob.m.OutgoingRequests(ctx)
	require.Nil(err)
	toDevice := pendingOfKind(reqs, requests.KindToDevice)
	require.Len(toDevice, 1)
	p := toDevice[0].Payload.(*requests.ToDeviceRequest)
	require.Equal(event.TypeRoomKeyRequest, p.EventType)
	require.Contains(p.Messages[bob.id.UserID], ids.DeviceID("*"))

	bob.m.SetRoomKeyRequestsEnabled(false)
	require.False(bob.m.RoomKeyRequestsEnabled())
}

func TestForwardedKeyFromOwnDevice(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	first := newTestClient(t, hs, "@alice:example.org", "FIRST")
	second := newTestClient(t, hs, "@alice:example.org", "SECOND")
	first.sync()
	first.flush()
	require.Nil(first.m.SetLocalTrust(first.id.UserID, "SECOND", LocalTrustVerified))
	first.connect(second)

	shareWith(t, first, DefaultEncryptionSettings())
	content, err := first.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	_, err = second.decrypt(first.id.UserID, content)
	require.NotNil(err)
	second.flush()

	out := first.sync()
	require.Equal([]event.ProcessedKind{event.KindPlainText}, kinds(out))
	first.flush()

	require.Equal([]string{event.TypeForwardedRoomKey}, decryptedTypes(second.sync()))
	dec, err := second.decrypt(first.id.UserID, content)
	require.Nil(err)
	require.JSONEq(string(hello), string(dec.Content))
	require.Equal([]string{first.m.IdentityKeys().Curve25519}, dec.EncryptionInfo.ForwardingChain)

	// the request was settled, so a cancellation went out
	reqs, err := second.m.OutgoingRequests(ctx)
	require.Nil(err)
	cancels := pendingOfKind(reqs, requests.KindToDevice)
	require.Len(cancels, 1)
	require.Equal(event.TypeRoomKeyRequest, cancels[0].Payload.(*requests.ToDeviceRequest).EventType)
}

func TestForwardingDisabled(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	first := newTestClient(t, hs, "@alice:example.org", "FIRST")
	second := newTestClient(t, hs, "@alice:example.org", "SECOND")
	first.sync()
	first.flush()
	require.Nil(first.m.SetLocalTrust(first.id.UserID, "SECOND", LocalTrustVerified))
	first.connect(second)
	first.m.SetRoomKeyForwardingEnabled(false)

	shareWith(t, first, DefaultEncryptionSettings())
	content, err := first.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	_, err = second.decrypt(first.id.UserID, content)
	require.NotNil(err)
	second.flush()

	first.sync()
	reqs, err := first.m.OutgoingRequests(ctx)
	require.Nil(err)
	require.Empty(reqs)
}

func TestGrowingMembershipKeepsSession(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	carol := newTestClient(t, hs, "@carol:example.org", "CAROL")
	alice.connect(bob, carol)

	shareWith(t, alice, DefaultEncryptionSettings(), bob)
	first, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)

	reqs := shareWith(t, alice, DefaultEncryptionSettings(), bob, carol)
	require.Len(reqs, 1)
	p := reqs[0].Payload.(*requests.ToDeviceRequest)
	require.Equal(1, p.Count())
	require.Contains(p.Messages, carol.id.UserID)

	second, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	require.Equal(sessionOf(t, first), sessionOf(t, second))

	bob.sync()
	carol.sync()
	_, err = bob.decrypt(alice.id.UserID, second)
	require.Nil(err)
	_, err = carol.decrypt(alice.id.UserID, second)
	require.Nil(err)
}

func TestUnsentRequestsSurviveRestart(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.connect(bob)

	reqs, err := alice.m.ShareRoomKey(ctx, testRoom, []ids.UserID{bob.id.UserID}, DefaultEncryptionSettings())
	require.Nil(err)
	require.Len(reqs, 1)
	sent, err := alice.m.RequestMissingSecretsIfNeeded(ctx)
	require.Nil(err)
	require.True(sent)

	alice.restart()
	pending := pendingRequestsOfKind(t, alice.m, requests.KindToDevice)
	txns := map[ids.TransactionID]string{}
	for _, req := range pending {
		txns[req.TransactionID] = req.Payload.(*requests.ToDeviceRequest).EventType
	}
	require.Equal(event.TypeEncrypted, txns[reqs[0].TransactionID])
	require.Contains(maps.Values(txns), event.TypeSecretRequest)

	// the restored requests still count as sent
	again, err := alice.m.ShareRoomKey(ctx, testRoom, []ids.UserID{bob.id.UserID}, DefaultEncryptionSettings())
	require.Nil(err)
	require.Empty(again)
	sent, err = alice.m.RequestMissingSecretsIfNeeded(ctx)
	require.Nil(err)
	require.False(sent)

	alice.flush()
	require.Equal([]string{event.TypeRoomKey}, decryptedTypes(bob.sync()))
	content, err := alice.m.EncryptRoomEvent(ctx, testRoom, "m.room.message", hello)
	require.Nil(err)
	_, err = bob.decrypt(alice.id.UserID, content)
	require.Nil(err)

	alice.restart()
	require.Empty(pendingRequestsOfKind(t, alice.m, requests.KindToDevice))
}
