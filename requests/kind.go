// Package requests holds the outgoing request shapes exchanged with the homeserver and the ledger
// that correlates them with their responses.
package requests

import (
	"fmt"
)

type Kind int

const (
	KindKeysUpload Kind = iota
	KindKeysQuery
	KindKeysClaim
	KindToDevice
	KindSignatureUpload
	KindRoomMessage
	KindKeysBackup
)

var AllKinds = []Kind{
	KindKeysUpload,
	KindKeysQuery,
	KindKeysClaim,
	KindToDevice,
	KindSignatureUpload,
	KindRoomMessage,
	KindKeysBackup,
}

func (k Kind) String() string {
	switch k {
	case KindKeysUpload:
		return "keys_upload"
	case KindKeysQuery:
		return "keys_query"
	case KindKeysClaim:
		return "keys_claim"
	case KindToDevice:
		return "to_device"
	case KindSignatureUpload:
		return "signature_upload"
	case KindRoomMessage:
		return "room_message"
	case KindKeysBackup:
		return "keys_backup"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}
