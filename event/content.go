// This package defines the Matrix event contents exchanged by the encryption layer, the classification of
// incoming to-device events, and the trust levels attached to decrypted content.
package event

import (
	"encoding/json"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
)

const (
	TypeEncrypted        = "m.room.encrypted"
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyWithheld  = "m.room_key.withheld"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeSecretRequest    = "m.secret.request"
	TypeSecretSend       = "m.secret.send"
	TypeRoomKeyBundle    = "io.element.msc4268.room_key_bundle"
	TypeDummy            = "m.dummy"
)

const (
	AlgorithmOlm      = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolm   = "m.megolm.v1.aes-sha2"
	AlgorithmBackupV1 = "m.megolm_backup.v1.curve25519-aes-sha2"
)

const (
	ActionRequest             = "request"
	ActionRequestCancellation = "request_cancellation"
)

// Olm message types.
const (
	OlmPreKey = 0
	OlmNormal = 1
)

// ToDevice is the envelope of a to-device event as delivered by sync.
type ToDevice struct {
	Sender  ids.UserID      `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type OlmCiphertext struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

type OlmEncryptedContent struct {
	Algorithm  string                   `json:"algorithm"`
	SenderKey  string                   `json:"sender_key"`
	Ciphertext map[string]OlmCiphertext `json:"ciphertext"`
}

// OlmPlaintext is the payload carried inside an olm message. The key fields bind the payload to
// the sender and recipient devices.
type OlmPlaintext struct {
	Type          string            `json:"type"`
	Content       json.RawMessage   `json:"content"`
	Sender        ids.UserID        `json:"sender"`
	SenderDevice  ids.DeviceID      `json:"sender_device,omitempty"`
	Recipient     ids.UserID        `json:"recipient"`
	RecipientKeys map[string]string `json:"recipient_keys"`
	Keys          map[string]string `json:"keys"`
}

type MegolmEncryptedContent struct {
	Algorithm  string       `json:"algorithm"`
	SenderKey  string       `json:"sender_key"`
	Ciphertext string       `json:"ciphertext"`
	SessionID  string       `json:"session_id"`
	DeviceID   ids.DeviceID `json:"device_id,omitempty"`
}

// MegolmPlaintext is what a room event's ciphertext decrypts to.
type MegolmPlaintext struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  ids.RoomID      `json:"room_id"`
}

// RoomEvent holds the fields of a timeline event the encryption layer reads.
type RoomEvent struct {
	Type           string          `json:"type"`
	Sender         ids.UserID      `json:"sender"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	RoomID         ids.RoomID      `json:"room_id,omitempty"`
	Content        json.RawMessage `json:"content"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

type RoomKeyContent struct {
	Algorithm     string     `json:"algorithm"`
	RoomID        ids.RoomID `json:"room_id"`
	SessionID     string     `json:"session_id"`
	SessionKey    string     `json:"session_key"`
	SharedHistory bool       `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type ForwardedRoomKeyContent struct {
	Algorithm                    string     `json:"algorithm"`
	RoomID                       ids.RoomID `json:"room_id"`
	SenderKey                    string     `json:"sender_key"`
	SessionID                    string     `json:"session_id"`
	SessionKey                   string     `json:"session_key"`
	SenderClaimedEd25519Key      string     `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain []string   `json:"forwarding_curve25519_key_chain"`
	SharedHistory                bool       `json:"org.matrix.msc3061.shared_history,omitempty"`
}

type WithheldCode string

const (
	WithheldBlacklisted  WithheldCode = "m.blacklisted"
	WithheldUnverified   WithheldCode = "m.unverified"
	WithheldUnauthorised WithheldCode = "m.unauthorised"
	WithheldUnavailable  WithheldCode = "m.unavailable"
	WithheldNoOlm        WithheldCode = "m.no_olm"
)

type RoomKeyWithheldContent struct {
	Algorithm  string       `json:"algorithm"`
	RoomID     ids.RoomID   `json:"room_id,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	SenderKey  string       `json:"sender_key"`
	Code       WithheldCode `json:"code"`
	Reason     string       `json:"reason,omitempty"`
	FromDevice ids.DeviceID `json:"from_device,omitempty"`
}

type RequestedKeyInfo struct {
	Algorithm string     `json:"algorithm"`
	RoomID    ids.RoomID `json:"room_id"`
	SenderKey string     `json:"sender_key,omitempty"`
	SessionID string     `json:"session_id"`
}

type RoomKeyRequestContent struct {
	Action             string            `json:"action"`
	Body               *RequestedKeyInfo `json:"body,omitempty"`
	RequestID          string            `json:"request_id"`
	RequestingDeviceID ids.DeviceID      `json:"requesting_device_id"`
}

type SecretRequestContent struct {
	Name               string       `json:"name,omitempty"`
	Action             string       `json:"action"`
	RequestID          string       `json:"request_id"`
	RequestingDeviceID ids.DeviceID `json:"requesting_device_id"`
}

type SecretSendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}

// EncryptedFile points at an encrypted attachment in the media repository.
type EncryptedFile struct {
	URL string `json:"url"`
	crypto.MediaEncryptionInfo
}

type RoomKeyBundleContent struct {
	RoomID ids.RoomID    `json:"room_id"`
	File   EncryptedFile `json:"file"`
}
