package requests

import (
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/ids"
)

// Response is the decoded body of an acknowledged request, one variant per Kind.
type Response interface {
	Kind() Kind
	response()
}

type KeysUploadResponse struct {
	OneTimeKeyCounts map[string]int `json:"one_time_key_counts"`
}

type KeysQueryResponse struct {
	Failures        map[string]json.RawMessage                  `json:"failures,omitempty"`
	DeviceKeys      map[ids.UserID]map[ids.DeviceID]*DeviceKeys `json:"device_keys"`
	MasterKeys      map[ids.UserID]*CrossSigningKey             `json:"master_keys,omitempty"`
	SelfSigningKeys map[ids.UserID]*CrossSigningKey             `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[ids.UserID]*CrossSigningKey             `json:"user_signing_keys,omitempty"`
}

type KeysClaimResponse struct {
	Failures    map[string]json.RawMessage                           `json:"failures,omitempty"`
	OneTimeKeys map[ids.UserID]map[ids.DeviceID]map[string]SignedKey `json:"one_time_keys"`
}

type ToDeviceResponse struct{}

type SignatureUploadResponse struct {
	Failures map[ids.UserID]map[string]json.RawMessage `json:"failures,omitempty"`
}

type RoomMessageResponse struct {
	EventID string `json:"event_id"`
}

type KeysBackupResponse struct {
	ETag  string `json:"etag"`
	Count int    `json:"count"`
}

func (*KeysUploadResponse) Kind() Kind      { return KindKeysUpload }
func (*KeysQueryResponse) Kind() Kind       { return KindKeysQuery }
func (*KeysClaimResponse) Kind() Kind       { return KindKeysClaim }
func (*ToDeviceResponse) Kind() Kind        { return KindToDevice }
func (*SignatureUploadResponse) Kind() Kind { return KindSignatureUpload }
func (*RoomMessageResponse) Kind() Kind     { return KindRoomMessage }
func (*KeysBackupResponse) Kind() Kind      { return KindKeysBackup }

func (*KeysUploadResponse) response()      {}
func (*KeysQueryResponse) response()       {}
func (*KeysClaimResponse) response()       {}
func (*ToDeviceResponse) response()        {}
func (*SignatureUploadResponse) response() {}
func (*RoomMessageResponse) response()     {}
func (*KeysBackupResponse) response()      {}

// DecodeResponse decodes a homeserver response body for the given kind. An empty body is accepted
// for kinds whose response carries nothing.
func DecodeResponse(kind Kind, body []byte) (Response, error) {
	var r Response
	switch kind {
	case KindKeysUpload:
		r = &KeysUploadResponse{}
	case KindKeysQuery:
		r = &KeysQueryResponse{}
	case KindKeysClaim:
		r = &KeysClaimResponse{}
	case KindToDevice:
		r = &ToDeviceResponse{}
	case KindSignatureUpload:
		r = &SignatureUploadResponse{}
	case KindRoomMessage:
		r = &RoomMessageResponse{}
	case KindKeysBackup:
		r = &KeysBackupResponse{}
	default:
		return nil, fmt.Errorf("requests: unknown kind %s", kind)
	}
	if len(body) == 0 {
		switch kind {
		case KindToDevice, KindSignatureUpload:
			return r, nil
		}
		return nil, fmt.Errorf("requests: empty %s response", kind)
	}
	if err := json.Unmarshal(body, r); err != nil {
		return nil, err
	}
	return r, nil
}
