// This package defines the identifiers used throughout go-e2ee: Matrix user, device and room ids,
// and the transaction ids correlating outgoing requests with their responses.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type UserID string

type DeviceID string

type RoomID string

type TransactionID string

// Identity names a single device of a single user.
type Identity struct {
	UserID   UserID
	DeviceID DeviceID
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.UserID, i.DeviceID)
}

func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// ParseUserID checks a user id has the form @localpart:server.
func ParseUserID(s string) (UserID, error) {
	if !strings.HasPrefix(s, "@") {
		return "", fmt.Errorf("ids: user id %q must start with @", s)
	}
	idx := strings.IndexByte(s, ':')
	if idx < 2 || idx == len(s)-1 {
		return "", fmt.Errorf("ids: user id %q must have the form @localpart:server", s)
	}
	return UserID(s), nil
}

func (u UserID) Server() string {
	idx := strings.IndexByte(string(u), ':')
	if idx < 0 {
		return ""
	}
	return string(u)[idx+1:]
}

func ParseRoomID(s string) (RoomID, error) {
	if !strings.HasPrefix(s, "!") || !strings.Contains(s, ":") {
		return "", fmt.Errorf("ids: room id %q must have the form !opaque:server", s)
	}
	return RoomID(s), nil
}

// RoomKeyID is the storage key of an inbound group session.
type RoomKeyID struct {
	RoomID    RoomID
	SenderKey string
	SessionID string
}

func (k RoomKeyID) String() string {
	return fmt.Sprintf("%s|%s|%s", k.RoomID, k.SenderKey, k.SessionID)
}
