package requests

import (
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/ids"
)

// Signatures maps a signing user to key ids ("ed25519:<device or key>") and their signatures.
type Signatures map[ids.UserID]map[string]string

type UnsignedDeviceInfo struct {
	DeviceDisplayName string `json:"device_display_name,omitempty"`
}

type DeviceKeys struct {
	UserID     ids.UserID          `json:"user_id"`
	DeviceID   ids.DeviceID        `json:"device_id"`
	Algorithms []string            `json:"algorithms"`
	Keys       map[string]string   `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   *UnsignedDeviceInfo `json:"unsigned,omitempty"`
}

// SignedKey is a one-time or fallback key as uploaded and claimed.
type SignedKey struct {
	Key        string     `json:"key"`
	Fallback   bool       `json:"fallback,omitempty"`
	Signatures Signatures `json:"signatures,omitempty"`
}

type CrossSigningKey struct {
	UserID     ids.UserID        `json:"user_id"`
	Usage      []string          `json:"usage"`
	Keys       map[string]string `json:"keys"`
	Signatures Signatures        `json:"signatures,omitempty"`
}

// Payload is the body of an outgoing request. The set of payloads is closed.
type Payload interface {
	Kind() Kind
	payload()
}

type KeysUploadRequest struct {
	DeviceKeys   *DeviceKeys          `json:"device_keys,omitempty"`
	OneTimeKeys  map[string]SignedKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[string]SignedKey `json:"fallback_keys,omitempty"`
}

type KeysQueryRequest struct {
	TimeoutMs  int64                         `json:"timeout,omitempty"`
	DeviceKeys map[ids.UserID][]ids.DeviceID `json:"device_keys"`
}

type KeysClaimRequest struct {
	TimeoutMs   int64                                  `json:"timeout,omitempty"`
	OneTimeKeys map[ids.UserID]map[ids.DeviceID]string `json:"one_time_keys"`
}

// ToDeviceRequest carries one event type to a set of devices. Device "*" addresses every device of the user.
type ToDeviceRequest struct {
	EventType string                                          `json:"event_type"`
	Messages  map[ids.UserID]map[ids.DeviceID]json.RawMessage `json:"messages"`
}

type SignatureUploadRequest struct {
	Signed map[ids.UserID]map[string]json.RawMessage `json:"signed"`
}

type RoomMessageRequest struct {
	RoomID    ids.RoomID      `json:"room_id"`
	EventType string          `json:"event_type"`
	Content   json.RawMessage `json:"content"`
}

type KeyBackupData struct {
	FirstMessageIndex uint32                      `json:"first_message_index"`
	ForwardedCount    int                         `json:"forwarded_count"`
	IsVerified        bool                        `json:"is_verified"`
	SessionData       crypto.EncryptedSessionData `json:"session_data"`
}

type RoomKeyBackup struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

type KeysBackupRequest struct {
	Version string                       `json:"version"`
	Rooms   map[ids.RoomID]RoomKeyBackup `json:"rooms"`
}

// Sessions counts the room keys carried by the request.
func (r *KeysBackupRequest) Sessions() int {
	n := 0
	for _, room := range r.Rooms {
		n += len(room.Sessions)
	}
	return n
}

// Count is the number of device messages carried by the request.
func (r *ToDeviceRequest) Count() int {
	n := 0
	for _, devices := range r.Messages {
		n += len(devices)
	}
	return n
}

func (*KeysUploadRequest) Kind() Kind      { return KindKeysUpload }
func (*KeysQueryRequest) Kind() Kind       { return KindKeysQuery }
func (*KeysClaimRequest) Kind() Kind       { return KindKeysClaim }
func (*ToDeviceRequest) Kind() Kind        { return KindToDevice }
func (*SignatureUploadRequest) Kind() Kind { return KindSignatureUpload }
func (*RoomMessageRequest) Kind() Kind     { return KindRoomMessage }
func (*KeysBackupRequest) Kind() Kind      { return KindKeysBackup }

func (*KeysUploadRequest) payload()      {}
func (*KeysQueryRequest) payload()       {}
func (*KeysClaimRequest) payload()       {}
func (*ToDeviceRequest) payload()        {}
func (*SignatureUploadRequest) payload() {}
func (*RoomMessageRequest) payload()     {}
func (*KeysBackupRequest) payload()      {}

// DecodePayload restores a payload stored as JSON.
func DecodePayload(kind Kind, body []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindKeysUpload:
		p = &KeysUploadRequest{}
	case KindKeysQuery:
		p = &KeysQueryRequest{}
	case KindKeysClaim:
		p = &KeysClaimRequest{}
	case KindToDevice:
		p = &ToDeviceRequest{}
	case KindSignatureUpload:
		p = &SignatureUploadRequest{}
	case KindRoomMessage:
		p = &RoomMessageRequest{}
	case KindKeysBackup:
		p = &KeysBackupRequest{}
	default:
		return nil, fmt.Errorf("requests: unknown kind %s", kind)
	}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("requests: decoding %s payload: %w", kind, err)
	}
	return p, nil
}

// UploadSigningKeysRequest publishes cross-signing public keys. It needs user-interactive auth, so
// the caller sends it directly rather than through the ledger.
type UploadSigningKeysRequest struct {
	MasterKey      *CrossSigningKey `json:"master_key"`
	SelfSigningKey *CrossSigningKey `json:"self_signing_key"`
	UserSigningKey *CrossSigningKey `json:"user_signing_key"`
}
