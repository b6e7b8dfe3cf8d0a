package event

import (
	"github.com/meow-io/go-e2ee/ids"
)

// VerificationLevel grades the sender of decrypted content, from fully verified to actively suspicious.
type VerificationLevel int

const (
	// Verified senders are cross-signed by a verified identity or locally trusted.
	Verified VerificationLevel = iota
	// UnverifiedIdentity senders are cross-signed by an identity we have not verified.
	UnverifiedIdentity
	// UnsignedDevice senders are not cross-signed by their owner.
	UnsignedDevice
	// UnknownDevice senders could not be linked to any device we know of.
	UnknownDevice
	// VerificationViolation senders belong to an identity that was verified and has since changed.
	VerificationViolation
	// MismatchedSender content claims a sender other than the owner of the key that encrypted it.
	MismatchedSender
)

func (v VerificationLevel) String() string {
	switch v {
	case Verified:
		return "verified"
	case UnverifiedIdentity:
		return "unverified_identity"
	case UnsignedDevice:
		return "unsigned_device"
	case UnknownDevice:
		return "unknown_device"
	case VerificationViolation:
		return "verification_violation"
	case MismatchedSender:
		return "mismatched_sender"
	default:
		return "unknown"
	}
}

type TrustRequirement int

const (
	// TrustUntrusted accepts content from any device.
	TrustUntrusted TrustRequirement = iota
	// TrustCrossSignedOrLegacy accepts cross-signed devices, and unsigned devices of users
	// with no cross-signing identity.
	TrustCrossSignedOrLegacy
	// TrustCrossSigned accepts only cross-signed devices.
	TrustCrossSigned
)

// Permits reports whether content from a sender at the given level is acceptable. Legacy marks a
// sender whose owner has never published a cross-signing identity.
func (t TrustRequirement) Permits(level VerificationLevel, legacy bool) bool {
	switch t {
	case TrustUntrusted:
		return level != MismatchedSender
	case TrustCrossSignedOrLegacy:
		switch level {
		case Verified, UnverifiedIdentity:
			return true
		case UnsignedDevice:
			return legacy
		default:
			return false
		}
	case TrustCrossSigned:
		return level == Verified || level == UnverifiedIdentity
	default:
		return false
	}
}

// ToDeviceEncryptionInfo describes who sent a decrypted to-device event and how far we trust them.
type ToDeviceEncryptionInfo struct {
	Sender              ids.UserID        `json:"sender"`
	SenderDevice        ids.DeviceID      `json:"sender_device,omitempty"`
	SenderCurve25519Key string            `json:"sender_curve25519_key"`
	Verification        VerificationLevel `json:"verification"`
}

// EncryptionInfo describes a decrypted room event.
type EncryptionInfo struct {
	Sender                  ids.UserID        `json:"sender"`
	SenderDevice            ids.DeviceID      `json:"sender_device,omitempty"`
	SenderCurve25519Key     string            `json:"sender_curve25519_key"`
	SenderClaimedEd25519Key string            `json:"sender_claimed_ed25519_key"`
	SessionID               string            `json:"session_id"`
	ForwardingChain         []string          `json:"forwarding_curve25519_key_chain,omitempty"`
	Verification            VerificationLevel `json:"verification"`
}
