package event

import (
	"encoding/json"
	"fmt"
)

type ProcessedKind int

const (
	KindDecrypted ProcessedKind = iota
	KindUnableToDecrypt
	KindPlainText
	KindInvalid
)

func (k ProcessedKind) String() string {
	switch k {
	case KindDecrypted:
		return "decrypted"
	case KindUnableToDecrypt:
		return "unable_to_decrypt"
	case KindPlainText:
		return "plain_text"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UTDReason explains why a to-device event could not be decrypted.
type UTDReason int

const (
	UTDDecryptionFailure UTDReason = iota
	UTDUnverifiedSenderDevice
	UTDMissingMachine
	UTDEncryptionDisabled
)

func (r UTDReason) String() string {
	switch r {
	case UTDDecryptionFailure:
		return "decryption_failure"
	case UTDUnverifiedSenderDevice:
		return "unverified_sender_device"
	case UTDMissingMachine:
		return "no_olm_machine"
	case UTDEncryptionDisabled:
		return "encryption_is_disabled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Processed is the result of classifying one to-device event. It is one of *Decrypted,
// *UnableToDecrypt, *PlainText or *Invalid.
type Processed interface {
	Kind() ProcessedKind
	RawEvent() json.RawMessage
	processed()
}

type Decrypted struct {
	// Raw is the decrypted event, rebuilt as {sender, type, content}.
	Raw            json.RawMessage
	EncryptionInfo ToDeviceEncryptionInfo
}

type UnableToDecrypt struct {
	Raw    json.RawMessage
	Reason UTDReason
}

type PlainText struct {
	Raw json.RawMessage
}

type Invalid struct {
	Raw json.RawMessage
}

func (*Decrypted) Kind() ProcessedKind       { return KindDecrypted }
func (*UnableToDecrypt) Kind() ProcessedKind { return KindUnableToDecrypt }
func (*PlainText) Kind() ProcessedKind       { return KindPlainText }
func (*Invalid) Kind() ProcessedKind         { return KindInvalid }

func (d *Decrypted) RawEvent() json.RawMessage       { return d.Raw }
func (u *UnableToDecrypt) RawEvent() json.RawMessage { return u.Raw }
func (p *PlainText) RawEvent() json.RawMessage       { return p.Raw }
func (i *Invalid) RawEvent() json.RawMessage         { return i.Raw }

func (*Decrypted) processed()       {}
func (*UnableToDecrypt) processed() {}
func (*PlainText) processed()       {}
func (*Invalid) processed()         {}
