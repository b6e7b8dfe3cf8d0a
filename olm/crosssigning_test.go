package olm

import (
	"errors"
	"testing"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/stretchr/testify/require"
)

func TestBootstrapCrossSigning(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	status, err := alice.m.CrossSigningStatus()
	require.Nil(err)
	require.False(status.HasMaster)
	e, err := alice.m.ExportCrossSigningKeys()
	require.Nil(err)
	require.Nil(e)
	sigs, err := alice.m.Sign([]byte("msg"))
	require.Nil(err)
	require.Len(sigs[alice.id.UserID], 1)

	updates := alice.m.IdentityUpdates()
	alice.bootstrap()
	users, err := updates.Next(ctx)
	require.Nil(err)
	require.Equal([]ids.UserID{alice.id.UserID}, users)

	status, err = alice.m.CrossSigningStatus()
	require.Nil(err)
	require.True(status.Complete())

	identity, err := alice.m.GetIdentity(ctx, alice.id.UserID, 0)
	require.Nil(err)
	require.NotNil(identity)
	require.True(identity.Verified)
	e, err = alice.m.ExportCrossSigningKeys()
	require.Nil(err)
	require.NotEmpty(e.MasterKey)

	sigs, err = alice.m.Sign([]byte("msg"))
	require.Nil(err)
	require.Len(sigs[alice.id.UserID], 2)
	require.Contains(sigs[alice.id.UserID], keyID(keyAlgorithmEd25519, identity.MasterKey))

	// our own device is published with a self-signing signature
	hs.lock.Lock()
	dk := clone(hs.devices[alice.id.UserID][alice.id.DeviceID])
	hs.lock.Unlock()
	require.Contains(dk.Signatures[alice.id.UserID], keyID(keyAlgorithmEd25519, identity.SelfSigningKey))
}

func TestImportCrossSigningKeys(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "FIRST")
	alice.bootstrap()
	e, err := alice.m.ExportCrossSigningKeys()
	require.Nil(err)

	other := newTestClient(t, hs, "@bob:example.org", "BOB")
	other.bootstrap()
	wrong, err := other.m.ExportCrossSigningKeys()
	require.Nil(err)

	second := newTestClient(t, hs, "@alice:example.org", "SECOND")
	_, err = second.m.ImportCrossSigningKeys(&CrossSigningKeyExport{MasterKey: e.MasterKey, SelfSigningKey: wrong.SelfSigningKey})
	require.True(errors.Is(err, ErrCrossSigningMismatch))
	status, err := second.m.CrossSigningStatus()
	require.Nil(err)
	require.False(status.HasMaster)

	status, err = second.m.ImportCrossSigningKeys(e)
	require.Nil(err)
	require.True(status.Complete())

	// holding the master key verifies the first device through its self-signing signature
	d, err := second.m.GetDevice(ctx, alice.id.UserID, "FIRST", 0)
	require.Nil(err)
	require.Equal(event.Verified, d.Verification)
}

func TestVerifyIdentity(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	bob := newTestClient(t, hs, "@bob:example.org", "BOB")
	alice.bootstrap()
	bob.bootstrap()
	alice.track(bob.id.UserID)

	d, err := alice.m.GetDevice(ctx, bob.id.UserID, bob.id.DeviceID, 0)
	require.Nil(err)
	require.Equal(event.UnverifiedIdentity, d.Verification)

	_, err = alice.m.VerifyIdentity(bob.id.UserID)
	require.Nil(err)
	alice.flush()
	identity, err := alice.m.GetIdentity(ctx, bob.id.UserID, 0)
	require.Nil(err)
	require.True(identity.Verified)
	d, err = alice.m.GetDevice(ctx, bob.id.UserID, bob.id.DeviceID, 0)
	require.Nil(err)
	require.Equal(event.Verified, d.Verification)

	// the uploaded signature is recognised on the next query
	alice.sync()
	alice.flush()
	identity, err = alice.m.GetIdentity(ctx, bob.id.UserID, 0)
	require.Nil(err)
	require.True(identity.Verified)

	bob.bootstrap()
	alice.sync()
	alice.flush()
	identity, err = alice.m.GetIdentity(ctx, bob.id.UserID, 0)
	require.Nil(err)
	require.False(identity.Verified)
	require.True(identity.HasVerificationViolation())
	d, err = alice.m.GetDevice(ctx, bob.id.UserID, bob.id.DeviceID, 0)
	require.Nil(err)
	require.Equal(event.VerificationViolation, d.Verification)
}

func TestVerifyIdentityRequiresKeys(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")

	_, err := alice.m.VerifyIdentity(alice.id.UserID)
	require.NotNil(err)
	_, err = alice.m.VerifyIdentity("@nobody:example.org")
	require.NotNil(err)
}

func TestSecretsAreGossipedBetweenOwnDevices(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	first := newTestClient(t, hs, "@alice:example.org", "FIRST")
	first.bootstrap()
	key := crypto.NewBackupDecryptionKey()
	require.Nil(first.m.SaveBackupDecryptionKey(key, "1"))

	second := newTestClient(t, hs, "@alice:example.org", "SECOND")
	first.sync()
	first.flush()
	require.Nil(first.m.SetLocalTrust(second.id.UserID, second.id.DeviceID, LocalTrustVerified))
	first.connect(second)
	require.Nil(second.m.SetLocalTrust(first.id.UserID, first.id.DeviceID, LocalTrustVerified))

	sent, err := second.m.RequestMissingSecretsIfNeeded(ctx)
	require.Nil(err)
	require.True(sent)
	sent, err = second.m.RequestMissingSecretsIfNeeded(ctx)
	require.Nil(err)
	require.False(sent)
	second.flush()

	first.sync()
	first.flush()
	secrets := second.m.SecretUpdates()
	out := second.sync()
	require.Len(decryptedTypes(out), 4)

	status, err := second.m.CrossSigningStatus()
	require.Nil(err)
	require.True(status.Complete())

	gossiped, err := secrets.Next(ctx)
	require.Nil(err)
	require.Equal(SecretBackupKey, gossiped.Name)
	require.Equal(first.id.DeviceID, gossiped.SenderDevice)
	inbox, err := second.m.GetSecretsFromInbox(SecretBackupKey)
	require.Nil(err)
	require.Equal([]string{key.ToBase64()}, inbox)
	require.Nil(second.m.DeleteSecretsFromInbox(SecretBackupKey))
	inbox, err = second.m.GetSecretsFromInbox(SecretBackupKey)
	require.Nil(err)
	require.Empty(inbox)
}

func TestUnverifiedDeviceGetsNoSecrets(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	first := newTestClient(t, hs, "@alice:example.org", "FIRST")
	first.bootstrap()

	second := newTestClient(t, hs, "@alice:example.org", "SECOND")
	first.sync()
	first.flush()
	first.connect(second)

	sent, err := second.m.RequestMissingSecretsIfNeeded(ctx)
	require.Nil(err)
	require.True(sent)
	second.flush()
	first.sync()
	first.flush()

	out := second.sync()
	require.Empty(decryptedTypes(out))
	status, err := second.m.CrossSigningStatus()
	require.Nil(err)
	require.False(status.HasMaster)
}

func TestSecretsBundle(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	first := newTestClient(t, hs, "@alice:example.org", "FIRST")
	_, err := first.m.ExportSecretsBundle()
	require.True(errors.Is(err, ErrMissingCrossSigningKeys))

	first.bootstrap()
	key := crypto.NewBackupDecryptionKey()
	require.Nil(first.m.SaveBackupDecryptionKey(key, "3"))
	b, err := first.m.ExportSecretsBundle()
	require.Nil(err)
	require.NotNil(b.Backup)
	require.Equal("3", b.Backup.BackupVersion)

	second := newTestClient(t, hs, "@alice:example.org", "SECOND")
	require.Nil(second.m.ImportSecretsBundle(b))
	status, err := second.m.CrossSigningStatus()
	require.Nil(err)
	require.True(status.Complete())
	keys, err := second.m.GetBackupKeys()
	require.Nil(err)
	require.Equal(key.ToBase64(), keys.DecryptionKey.ToBase64())
	require.Equal("3", keys.BackupVersion)

	sent, err := second.m.RequestMissingSecretsIfNeeded(ctx)
	require.Nil(err)
	require.False(sent)
}

func TestBackupSignedByMasterKey(t *testing.T) {
	require := require.New(t)
	hs := newHomeserver()
	alice := newTestClient(t, hs, "@alice:example.org", "ALICE")
	alice.bootstrap()

	info := &BackupInfo{Algorithm: event.AlgorithmBackupV1, AuthData: BackupAuthData{PublicKey: crypto.NewBackupDecryptionKey().PublicKey().ToBase64()}}
	msg, err := crypto.CanonicalJSON(&info.AuthData)
	require.Nil(err)
	sigs, err := alice.m.Sign(msg)
	require.Nil(err)
	info.AuthData.Signatures = map[ids.UserID]map[string]string(sigs)

	v, err := alice.m.VerifyBackup(info)
	require.Nil(err)
	require.Equal(SignatureValidAndTrusted, v.UserIdentitySignature)
	require.Equal(SignatureValidAndTrusted, v.DeviceSignature)
}
