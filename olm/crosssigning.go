package olm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

const (
	usageMaster      = "master"
	usageSelfSigning = "self_signing"
	usageUserSigning = "user_signing"
)

func newSeed() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return crypto.EncodeBase64(priv.Seed()), crypto.EncodeBase64(pub), nil
}

func (m *Machine) crossSigningKey(usage, pub string) *requests.CrossSigningKey {
	return &requests.CrossSigningKey{
		UserID: m.identity.UserID,
		Usage:  []string{usage},
		Keys:   map[string]string{keyID(keyAlgorithmEd25519, pub): pub},
	}
}

// BootstrapCrossSigning creates a new cross-signing identity for our user. The returned key upload
// needs user-interactive auth and is sent by the caller. The signature of our own device by the new
// self-signing key is enqueued and returned as well.
func (m *Machine) BootstrapCrossSigning(ctx context.Context) (*requests.UploadSigningKeysRequest, *requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, nil, ErrClosed
	}
	var upload *requests.UploadSigningKeysRequest
	var req *requests.OutgoingRequest
	err := m.db.Run("bootstrapping cross-signing", func() error {
		pubs := map[string]string{}
		for _, name := range []string{SecretCrossSigningMaster, SecretCrossSigningSelfSigning, SecretCrossSigningUserSigning} {
			seed, pub, err := newSeed()
			if err != nil {
				return err
			}
			pubs[name] = pub
			if err := m.db.upsertSecret(name, seed); err != nil {
				return err
			}
		}

		master := m.crossSigningKey(usageMaster, pubs[SecretCrossSigningMaster])
		msg, err := crypto.CanonicalJSON(master)
		if err != nil {
			return err
		}
		master.Signatures = requests.Signatures{
			m.identity.UserID: {keyID(keyAlgorithmEd25519, string(m.identity.DeviceID)): m.core.Sign(msg)},
		}
		ssk := m.crossSigningKey(usageSelfSigning, pubs[SecretCrossSigningSelfSigning])
		if ssk.Signatures, err = m.signWithSeed(SecretCrossSigningMaster, ssk, nil); err != nil {
			return err
		}
		usk := m.crossSigningKey(usageUserSigning, pubs[SecretCrossSigningUserSigning])
		if usk.Signatures, err = m.signWithSeed(SecretCrossSigningMaster, usk, nil); err != nil {
			return err
		}

		prev, err := m.identityOrNil(m.identity.UserID)
		if err != nil {
			return err
		}
		row := &identityRow{
			UserID:          string(m.identity.UserID),
			Master:          pubs[SecretCrossSigningMaster],
			MasterJSON:      mustJSON(master),
			SelfSigning:     pubs[SecretCrossSigningSelfSigning],
			SelfSigningJSON: mustJSON(ssk),
			UserSigning:     pubs[SecretCrossSigningUserSigning],
			UserSigningJSON: mustJSON(usk),
			Verified:        true,
			WasVerified:     prev != nil && prev.WasVerified,
		}
		if err := m.db.upsertIdentity(row); err != nil {
			return err
		}

		dk := m.signedDeviceKeys()
		if dk.Signatures, err = m.signWithSeed(SecretCrossSigningSelfSigning, dk, dk.Signatures); err != nil {
			return err
		}
		if err := m.storeOwnDeviceKeys(dk); err != nil {
			return err
		}
		upload = &requests.UploadSigningKeysRequest{MasterKey: master, SelfSigningKey: ssk, UserSigningKey: usk}
		req = requests.NewOutgoingRequest(&requests.SignatureUploadRequest{
			Signed: map[ids.UserID]map[string]json.RawMessage{m.identity.UserID: {string(m.identity.DeviceID): mustJSON(dk)}},
		})
		m.enqueue(req)
		m.db.AfterCommit(func() {
			m.identityFeed.Publish([]ids.UserID{m.identity.UserID})
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return upload, req, nil
}

// storeOwnDeviceKeys keeps our own device row in step with the keys we publish.
func (m *Machine) storeOwnDeviceKeys(dk *requests.DeviceKeys) error {
	d, err := m.db.device(m.identity.UserID, m.identity.DeviceID)
	if notFound(err) {
		keys := m.core.IdentityKeys()
		d = &deviceRow{
			UserID:     string(m.identity.UserID),
			DeviceID:   string(m.identity.DeviceID),
			Curve25519: keys.Curve25519,
			Ed25519:    keys.Ed25519,
			LocalTrust: int(LocalTrustVerified),
		}
	} else if err != nil {
		return err
	}
	d.Keys = mustJSON(dk)
	return m.db.upsertDevice(d)
}

func (m *Machine) crossSigningStatus() (CrossSigningStatus, error) {
	var s CrossSigningStatus
	for name, has := range map[string]*bool{
		SecretCrossSigningMaster:      &s.HasMaster,
		SecretCrossSigningSelfSigning: &s.HasSelfSigning,
		SecretCrossSigningUserSigning: &s.HasUserSigning,
	} {
		v, err := m.db.secret(name)
		if err != nil {
			return s, err
		}
		*has = v != ""
	}
	return s, nil
}

// CrossSigningStatus reports which private cross-signing keys we hold.
func (m *Machine) CrossSigningStatus() (CrossSigningStatus, error) {
	var s CrossSigningStatus
	err := m.db.RunReadOnly("reading cross-signing status", func() error {
		var err error
		s, err = m.crossSigningStatus()
		return err
	})
	return s, err
}

func (m *Machine) exportCrossSigningKeys() (*CrossSigningKeyExport, error) {
	var e CrossSigningKeyExport
	var err error
	if e.MasterKey, err = m.db.secret(SecretCrossSigningMaster); err != nil {
		return nil, err
	}
	if e.SelfSigningKey, err = m.db.secret(SecretCrossSigningSelfSigning); err != nil {
		return nil, err
	}
	if e.UserSigningKey, err = m.db.secret(SecretCrossSigningUserSigning); err != nil {
		return nil, err
	}
	if e.MasterKey == "" && e.SelfSigningKey == "" && e.UserSigningKey == "" {
		return nil, nil
	}
	return &e, nil
}

// ExportCrossSigningKeys returns the private cross-signing keys we hold, or nil if we hold none.
func (m *Machine) ExportCrossSigningKeys() (*CrossSigningKeyExport, error) {
	var e *CrossSigningKeyExport
	err := m.db.RunReadOnly("exporting cross-signing keys", func() error {
		var err error
		e, err = m.exportCrossSigningKeys()
		return err
	})
	return e, err
}

// importCrossSigningKeys checks every given seed against our published identity before storing any.
func (m *Machine) importCrossSigningKeys(e *CrossSigningKeyExport) error {
	i, err := m.identityOrNil(m.identity.UserID)
	if err != nil {
		return err
	}
	if i == nil {
		return fmt.Errorf("%w: no public identity known for %s", ErrCrossSigningMismatch, m.identity.UserID)
	}
	given := map[string]string{
		SecretCrossSigningMaster:      e.MasterKey,
		SecretCrossSigningSelfSigning: e.SelfSigningKey,
		SecretCrossSigningUserSigning: e.UserSigningKey,
	}
	for name, seed := range given {
		if seed == "" {
			continue
		}
		pub, err := publicKeyFromSeed(seed)
		if err != nil || pub != publicCrossSigningKey(i, name) {
			return fmt.Errorf("%w: %s", ErrCrossSigningMismatch, name)
		}
	}
	for name, seed := range given {
		if seed == "" {
			continue
		}
		if err := m.db.upsertSecret(name, seed); err != nil {
			return err
		}
		if err := m.db.deleteSecretRequests(name); err != nil {
			return err
		}
	}
	m.db.AfterCommit(func() {
		m.identityFeed.Publish([]ids.UserID{m.identity.UserID})
	})
	return nil
}

// ImportCrossSigningKeys stores private cross-signing keys after checking them against our public
// identity. Nothing is stored if any key does not match.
func (m *Machine) ImportCrossSigningKeys(e *CrossSigningKeyExport) (CrossSigningStatus, error) {
	var s CrossSigningStatus
	err := m.db.Run("importing cross-signing keys", func() error {
		if err := m.importCrossSigningKeys(e); err != nil {
			return err
		}
		var err error
		s, err = m.crossSigningStatus()
		return err
	})
	return s, err
}

// ExportSecretsBundle collects every secret a new device of ours needs. It fails unless we hold all
// three cross-signing keys.
func (m *Machine) ExportSecretsBundle() (*SecretsBundle, error) {
	var b *SecretsBundle
	err := m.db.RunReadOnly("exporting secrets bundle", func() error {
		e, err := m.exportCrossSigningKeys()
		if err != nil {
			return err
		}
		if e == nil || e.MasterKey == "" || e.SelfSigningKey == "" || e.UserSigningKey == "" {
			return ErrMissingCrossSigningKeys
		}
		b = &SecretsBundle{CrossSigning: *e}
		key, err := m.db.secret(SecretBackupKey)
		if err != nil {
			return err
		}
		version, err := m.db.secret(secretBackupVersion)
		if err != nil {
			return err
		}
		if key != "" {
			b.Backup = &BackupSecret{Algorithm: event.AlgorithmBackupV1, Key: key, BackupVersion: version}
		}
		return nil
	})
	return b, err
}

// ImportSecretsBundle stores a bundle exported by another of our devices in one transaction.
func (m *Machine) ImportSecretsBundle(b *SecretsBundle) error {
	return m.db.Run("importing secrets bundle", func() error {
		if err := m.importCrossSigningKeys(&b.CrossSigning); err != nil {
			return err
		}
		if b.Backup == nil {
			return nil
		}
		if b.Backup.Algorithm != event.AlgorithmBackupV1 {
			return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, b.Backup.Algorithm)
		}
		key, err := crypto.BackupDecryptionKeyFromBase64(b.Backup.Key)
		if err != nil {
			return err
		}
		return m.saveBackupDecryptionKey(key, b.Backup.BackupVersion)
	})
}

// Sign signs message with our device key and, when we hold it, our master key.
func (m *Machine) Sign(message []byte) (requests.Signatures, error) {
	sigs := requests.Signatures{
		m.identity.UserID: {keyID(keyAlgorithmEd25519, string(m.identity.DeviceID)): m.core.Sign(message)},
	}
	err := m.db.RunReadOnly("signing", func() error {
		priv, err := m.seedKey(SecretCrossSigningMaster)
		if errors.Is(err, ErrMissingCrossSigningKeys) {
			return nil
		} else if err != nil {
			return err
		}
		pub := crypto.EncodeBase64(priv.Public().(ed25519.PublicKey))
		sigs[m.identity.UserID][keyID(keyAlgorithmEd25519, pub)] = crypto.EncodeBase64(ed25519.Sign(priv, message))
		return nil
	})
	return sigs, err
}
