package olm

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

type trust struct {
	level       event.VerificationLevel
	legacy      bool
	crossSigned bool
}

func keyID(algorithm, id string) string {
	return algorithm + ":" + id
}

// firstKey returns the only key of a cross-signing key object.
func firstKey(k *requests.CrossSigningKey) string {
	for _, v := range k.Keys {
		return v
	}
	return ""
}

func (m *Machine) verifySignature(signer ids.UserID, key string, obj interface{}, sigs requests.Signatures) error {
	sig, ok := sigs[signer][keyID(keyAlgorithmEd25519, key)]
	if !ok {
		return fmt.Errorf("%w: no signature by %s", ErrInvalidSignature, key)
	}
	msg, err := crypto.CanonicalJSON(obj)
	if err != nil {
		return err
	}
	if err := m.core.Verify(key, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// verifyDeviceSignature checks a signature made with a device key, which is named by device id.
func (m *Machine) verifyDeviceSignature(signer ids.UserID, device ids.DeviceID, ed25519Key string, obj interface{}, sigs requests.Signatures) error {
	sig, ok := sigs[signer][keyID(keyAlgorithmEd25519, string(device))]
	if !ok {
		return fmt.Errorf("%w: no signature by %s", ErrInvalidSignature, device)
	}
	msg, err := crypto.CanonicalJSON(obj)
	if err != nil {
		return err
	}
	if err := m.core.Verify(ed25519Key, msg, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func (m *Machine) identityOrNil(user ids.UserID) (*identityRow, error) {
	i, err := m.db.identity(user)
	if notFound(err) {
		return nil, nil
	}
	return i, err
}

// identityVerified is true for our own identity when we hold its master key, and for other users once
// we have signed their master key.
func (m *Machine) identityVerified(i *identityRow) (bool, error) {
	if ids.UserID(i.UserID) != m.identity.UserID {
		return i.Verified, nil
	}
	seed, err := m.db.secret(SecretCrossSigningMaster)
	if err != nil || seed == "" {
		return false, err
	}
	pub, err := publicKeyFromSeed(seed)
	if err != nil {
		return false, nil
	}
	return pub == i.Master, nil
}

func (m *Machine) crossSigned(d *deviceRow, i *identityRow) bool {
	if i == nil || i.SelfSigning == "" {
		return false
	}
	var dk requests.DeviceKeys
	if err := json.Unmarshal(d.Keys, &dk); err != nil {
		return false
	}
	return m.verifySignature(ids.UserID(d.UserID), i.SelfSigning, &dk, dk.Signatures) == nil
}

// trustOf grades a device. A nil device is unknown.
func (m *Machine) trustOf(d *deviceRow) (trust, error) {
	if d == nil {
		return trust{level: event.UnknownDevice}, nil
	}
	if m.isOwnDevice(ids.UserID(d.UserID), ids.DeviceID(d.DeviceID)) {
		return trust{level: event.Verified}, nil
	}
	i, err := m.identityOrNil(ids.UserID(d.UserID))
	if err != nil {
		return trust{}, err
	}
	t := trust{crossSigned: m.crossSigned(d, i)}
	if LocalTrust(d.LocalTrust) == LocalTrustVerified {
		t.level = event.Verified
		t.legacy = i == nil
		return t, nil
	}
	if i == nil {
		t.level = event.UnsignedDevice
		t.legacy = true
		return t, nil
	}
	if !t.crossSigned {
		t.level = event.UnsignedDevice
		return t, nil
	}
	verified, err := m.identityVerified(i)
	if err != nil {
		return trust{}, err
	}
	switch {
	case verified:
		t.level = event.Verified
	case i.WasVerified:
		t.level = event.VerificationViolation
	default:
		t.level = event.UnverifiedIdentity
	}
	return t, nil
}

// senderDevice finds the device owning a curve25519 key. mismatched is set when the key belongs to a
// user other than the claimed sender.
func (m *Machine) senderDevice(sender ids.UserID, curveKey string) (d *deviceRow, mismatched bool, err error) {
	d, err = m.db.deviceByCurveKey(sender, curveKey)
	if err == nil {
		return d, false, nil
	}
	if !notFound(err) {
		return nil, false, err
	}
	other, err := m.db.deviceByAnyCurveKey(curveKey)
	if err == nil {
		return other, true, nil
	}
	if !notFound(err) {
		return nil, false, err
	}
	if sender == m.identity.UserID && curveKey == m.core.IdentityKeys().Curve25519 {
		return m.ownDeviceRow(), false, nil
	}
	return nil, false, nil
}

// deviceForCurveKey finds the device of any user, ourselves included, that owns a curve25519 key.
func (m *Machine) deviceForCurveKey(curveKey string) (*deviceRow, error) {
	if curveKey == m.core.IdentityKeys().Curve25519 {
		return m.ownDeviceRow(), nil
	}
	d, err := m.db.deviceByAnyCurveKey(curveKey)
	if notFound(err) {
		return nil, nil
	}
	return d, err
}

func (m *Machine) ownDeviceRow() *deviceRow {
	keys := m.core.IdentityKeys()
	return &deviceRow{
		UserID:     string(m.identity.UserID),
		DeviceID:   string(m.identity.DeviceID),
		Curve25519: keys.Curve25519,
		Ed25519:    keys.Ed25519,
	}
}

func (m *Machine) device(d *deviceRow) (*Device, error) {
	t, err := m.trustOf(d)
	if err != nil {
		return nil, err
	}
	var dk requests.DeviceKeys
	if len(d.Keys) > 0 {
		if err := json.Unmarshal(d.Keys, &dk); err != nil {
			return nil, fmt.Errorf("olm: decoding keys of %s/%s: %w", d.UserID, d.DeviceID, err)
		}
	}
	return &Device{
		UserID:        ids.UserID(d.UserID),
		DeviceID:      ids.DeviceID(d.DeviceID),
		Curve25519Key: d.Curve25519,
		Ed25519Key:    d.Ed25519,
		DisplayName:   d.DisplayName,
		Algorithms:    dk.Algorithms,
		Deleted:       d.Deleted,
		LocalTrust:    LocalTrust(d.LocalTrust),
		CrossSigned:   t.crossSigned,
		Verification:  t.level,
	}, nil
}

func (m *Machine) userIdentity(i *identityRow) (*UserIdentity, error) {
	verified, err := m.identityVerified(i)
	if err != nil {
		return nil, err
	}
	return &UserIdentity{
		UserID:             ids.UserID(i.UserID),
		MasterKey:          i.Master,
		SelfSigningKey:     i.SelfSigning,
		UserSigningKey:     i.UserSigning,
		Verified:           verified,
		PreviouslyVerified: i.WasVerified,
	}, nil
}

func publicKeyFromSeed(seed string) (string, error) {
	b, err := crypto.DecodeBase64(seed)
	if err != nil {
		return "", err
	}
	if len(b) != ed25519.SeedSize {
		return "", fmt.Errorf("olm: expected %d byte seed, got %d", ed25519.SeedSize, len(b))
	}
	priv := ed25519.NewKeyFromSeed(b)
	return crypto.EncodeBase64(priv.Public().(ed25519.PublicKey)), nil
}

func (m *Machine) seedKey(name string) (ed25519.PrivateKey, error) {
	seed, err := m.db.secret(name)
	if err != nil {
		return nil, err
	}
	if seed == "" {
		return nil, ErrMissingCrossSigningKeys
	}
	b, err := crypto.DecodeBase64(seed)
	if err != nil || len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: malformed %s seed", name)
	}
	return ed25519.NewKeyFromSeed(b), nil
}

// signWithSeed adds a signature by the cross-signing key held in the named secret.
func (m *Machine) signWithSeed(name string, obj interface{}, sigs requests.Signatures) (requests.Signatures, error) {
	priv, err := m.seedKey(name)
	if err != nil {
		return nil, err
	}
	msg, err := crypto.CanonicalJSON(obj)
	if err != nil {
		return nil, err
	}
	pub := crypto.EncodeBase64(priv.Public().(ed25519.PublicKey))
	if sigs == nil {
		sigs = requests.Signatures{}
	}
	if sigs[m.identity.UserID] == nil {
		sigs[m.identity.UserID] = map[string]string{}
	}
	sigs[m.identity.UserID][keyID(keyAlgorithmEd25519, pub)] = crypto.EncodeBase64(ed25519.Sign(priv, msg))
	return sigs, nil
}
