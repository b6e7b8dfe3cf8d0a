package olm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
)

var (
	ErrClosed                  = errors.New("olm: machine is closed")
	ErrEncryptionDowngrade     = errors.New("olm: room encryption settings cannot be downgraded")
	ErrUntrustedDevice         = errors.New("olm: device is not trusted")
	ErrMissingOutboundSession  = errors.New("olm: no shared outbound session for room")
	ErrMissingCrossSigningKeys = errors.New("olm: cross-signing private keys are not available")
	ErrMismatchedAccount       = errors.New("olm: store belongs to a different device")
	ErrBackupNotEnabled        = errors.New("olm: backup is not enabled")
	ErrUnknownDevice           = errors.New("olm: unknown device")
	ErrInvalidSignature        = errors.New("olm: invalid signature")
	ErrCrossSigningMismatch    = errors.New("olm: private key does not match the public cross-signing key")
	ErrUnsupportedAlgorithm    = errors.New("olm: unsupported encryption algorithm")
)

// Secret names gossiped between our own devices.
const (
	SecretCrossSigningMaster      = "m.cross_signing.master"
	SecretCrossSigningSelfSigning = "m.cross_signing.self_signing"
	SecretCrossSigningUserSigning = "m.cross_signing.user_signing"
	SecretBackupKey               = "m.megolm_backup.v1"
)

const (
	keyAlgorithmCurve25519 = "curve25519"
	keyAlgorithmEd25519    = "ed25519"
	keyAlgorithmSignedOTK  = "signed_curve25519"
)

type LocalTrust int

const (
	LocalTrustUnset LocalTrust = iota
	LocalTrustVerified
	LocalTrustBlackListed
	LocalTrustIgnored
)

type Device struct {
	UserID        ids.UserID
	DeviceID      ids.DeviceID
	Curve25519Key string
	Ed25519Key    string
	DisplayName   string
	Algorithms    []string
	Deleted       bool
	LocalTrust    LocalTrust
	// CrossSigned is set when the owner's self-signing key signed this device.
	CrossSigned  bool
	Verification event.VerificationLevel
}

// IsVerified reports whether the device is trusted either locally or through cross-signing.
func (d *Device) IsVerified() bool {
	return d.Verification == event.Verified
}

type UserIdentity struct {
	UserID             ids.UserID
	MasterKey          string
	SelfSigningKey     string
	UserSigningKey     string
	Verified           bool
	PreviouslyVerified bool
}

// HasVerificationViolation is true when an identity we verified has since changed its master key.
func (u *UserIdentity) HasVerificationViolation() bool {
	return u.PreviouslyVerified && !u.Verified
}

type DeviceLists struct {
	Changed []ids.UserID `json:"changed,omitempty"`
	Left    []ids.UserID `json:"left,omitempty"`
}

// SyncChanges is the encryption-relevant part of a sync response.
type SyncChanges struct {
	ToDeviceEvents   []json.RawMessage
	ChangedDevices   DeviceLists
	OneTimeKeyCounts map[string]int
	// UnusedFallbackKeys is nil when the server did not report fallback keys.
	UnusedFallbackKeys []string
	NextBatchToken     string
}

type RoomKeyInfo struct {
	Algorithm string     `json:"algorithm"`
	RoomID    ids.RoomID `json:"room_id"`
	SenderKey string     `json:"sender_key"`
	SessionID string     `json:"session_id"`
}

type RoomKeyWithheldInfo struct {
	RoomID    ids.RoomID         `json:"room_id"`
	SessionID string             `json:"session_id"`
	SenderKey string             `json:"sender_key"`
	Code      event.WithheldCode `json:"code"`
	Reason    string             `json:"reason,omitempty"`
}

type DeviceChanges struct {
	New     []*Device
	Changed []*Device
	Deleted []*Device
}

func (d DeviceChanges) Empty() bool {
	return len(d.New) == 0 && len(d.Changed) == 0 && len(d.Deleted) == 0
}

type GossippedSecret struct {
	Name         string
	Value        string
	SenderUser   ids.UserID
	SenderDevice ids.DeviceID
	ReceivedAt   time.Time
}

type EncryptionSettings struct {
	Algorithm               string
	RotationPeriod          time.Duration
	RotationPeriodMessages  uint32
	OnlyAllowTrustedDevices bool
	SharedHistory           bool
}

func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:              event.AlgorithmMegolm,
		RotationPeriod:         7 * 24 * time.Hour,
		RotationPeriodMessages: 100,
	}
}

type RoomSettings struct {
	Algorithm               string
	OnlyAllowTrustedDevices bool
	RotationPeriod          time.Duration
	RotationPeriodMessages  uint32
}

type DecryptionErrorCode int

const (
	MissingRoomKey DecryptionErrorCode = iota
	UnknownMessageIndex
	MismatchedIdentityKeys
	UnknownSenderDevice
	UnsignedSenderDevice
	SenderIdentityVerificationViolation
	UnableToDecrypt
	MismatchedSender
)

func (c DecryptionErrorCode) String() string {
	switch c {
	case MissingRoomKey:
		return "missing_room_key"
	case UnknownMessageIndex:
		return "unknown_message_index"
	case MismatchedIdentityKeys:
		return "mismatched_identity_keys"
	case UnknownSenderDevice:
		return "unknown_sender_device"
	case UnsignedSenderDevice:
		return "unsigned_sender_device"
	case SenderIdentityVerificationViolation:
		return "sender_identity_verification_violation"
	case UnableToDecrypt:
		return "unable_to_decrypt"
	case MismatchedSender:
		return "mismatched_sender"
	default:
		return "unknown"
	}
}

// MegolmError explains why a room event could not be decrypted.
type MegolmError struct {
	Code         DecryptionErrorCode
	Description  string
	WithheldCode event.WithheldCode
}

func (e *MegolmError) Error() string {
	if e.WithheldCode != "" {
		return fmt.Sprintf("olm: %s (withheld %s): %s", e.Code, e.WithheldCode, e.Description)
	}
	return fmt.Sprintf("olm: %s: %s", e.Code, e.Description)
}

type DecryptedRoomEvent struct {
	Type           string
	Content        json.RawMessage
	MessageIndex   uint32
	EncryptionInfo *event.EncryptionInfo
}

type RoomKeyCounts struct {
	Total    int
	BackedUp int
}

type BackupKeys struct {
	DecryptionKey *crypto.BackupDecryptionKey
	BackupVersion string
}

type SignatureState int

const (
	SignatureMissing SignatureState = iota
	SignatureInvalid
	SignatureValidButNotTrusted
	SignatureValidAndTrusted
)

type SignatureVerification struct {
	DeviceSignature       SignatureState
	UserIdentitySignature SignatureState
}

// Trusted is true when either signature is valid and trusted.
func (s SignatureVerification) Trusted() bool {
	return s.DeviceSignature == SignatureValidAndTrusted || s.UserIdentitySignature == SignatureValidAndTrusted
}

// BackupAuthData is the auth_data of a m.megolm_backup.v1.curve25519-aes-sha2 backup version.
type BackupAuthData struct {
	PublicKey  string                           `json:"public_key"`
	Signatures map[ids.UserID]map[string]string `json:"signatures,omitempty"`
}

type BackupInfo struct {
	Algorithm string         `json:"algorithm"`
	AuthData  BackupAuthData `json:"auth_data"`
	Version   string         `json:"version,omitempty"`
}

// ExportedRoomKey is a room key in the Matrix key export format.
type ExportedRoomKey struct {
	Algorithm         string            `json:"algorithm"`
	RoomID            ids.RoomID        `json:"room_id"`
	SenderKey         string            `json:"sender_key"`
	SessionID         string            `json:"session_id"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain"`
	SharedHistory     bool              `json:"org.matrix.msc3061.shared_history,omitempty"`
}

// BackedUpRoomKey is the decrypted session_data of a backed up room key.
type BackedUpRoomKey struct {
	Algorithm         string            `json:"algorithm"`
	SenderKey         string            `json:"sender_key"`
	SessionKey        string            `json:"session_key"`
	SenderClaimedKeys map[string]string `json:"sender_claimed_keys"`
	ForwardingChain   []string          `json:"forwarding_curve25519_key_chain"`
	SharedHistory     bool              `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type RoomKeyImportResult struct {
	ImportedCount int
	TotalCount    int
	// Keys maps room to sender key to the imported session ids.
	Keys map[ids.RoomID]map[string][]string
}

// ProgressFunc reports import progress. total includes keys that failed to parse.
type ProgressFunc func(progress, total, failures int)

type CrossSigningStatus struct {
	HasMaster      bool
	HasSelfSigning bool
	HasUserSigning bool
}

func (s CrossSigningStatus) Complete() bool {
	return s.HasMaster && s.HasSelfSigning && s.HasUserSigning
}

// CrossSigningKeyExport carries unpadded base64 ed25519 seeds.
type CrossSigningKeyExport struct {
	MasterKey      string `json:"master_key,omitempty"`
	SelfSigningKey string `json:"self_signing_key,omitempty"`
	UserSigningKey string `json:"user_signing_key,omitempty"`
}

type BackupSecret struct {
	Algorithm     string `json:"algorithm"`
	Key           string `json:"key"`
	BackupVersion string `json:"backup_version"`
}

type SecretsBundle struct {
	CrossSigning CrossSigningKeyExport `json:"cross_signing"`
	Backup       *BackupSecret         `json:"backup,omitempty"`
}

type StoredRoomKeyBundleData struct {
	SenderUser         ids.UserID
	SenderDevice       ids.DeviceID
	SenderVerification event.VerificationLevel
	RoomID             ids.RoomID
	URL                string
	EncryptionInfo     *crypto.MediaEncryptionInfo
}

type EncryptedRoomKeyBundle struct {
	Ciphertext []byte
	Info       *crypto.MediaEncryptionInfo
}
