// This package defines the crypto core the orchestration layer drives. A core owns identity keys,
// one-time keys, 1:1 olm sessions and the group ratchets used for room events; the orchestration layer
// never sees private key material.
package core

import (
	"errors"
)

var (
	ErrNoSession           = errors.New("core: no olm session for identity key")
	ErrUnknownMessageIndex = errors.New("core: message index precedes the known ratchet state")
	ErrBadSignature        = errors.New("core: signature verification failed")
	ErrUnknownOneTimeKey   = errors.New("core: pre-key message references an unknown one-time key")
	ErrMalformedMessage    = errors.New("core: malformed message")
)

type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

// OlmMessage is an encrypted 1:1 message. Type 0 messages carry what the receiver needs to create
// the session.
type OlmMessage struct {
	Type int    `json:"type"`
	Body string `json:"body"`
}

// OutboundGroupSession is the sending half of a room's group ratchet. Pickle is opaque core state and
// is updated in place by GroupEncrypt.
type OutboundGroupSession struct {
	SessionID    string
	MessageIndex uint32
	Pickle       []byte
}

type Core interface {
	IdentityKeys() IdentityKeys
	// Sign returns an unpadded base64 ed25519 signature by the device key.
	Sign(message []byte) string
	Verify(ed25519Key string, message []byte, signature string) error

	MaxOneTimeKeys() int
	GenerateOneTimeKeys(count int) error
	GenerateFallbackKey() error
	// UnpublishedOneTimeKeys maps key ids to unpadded base64 curve25519 public keys.
	UnpublishedOneTimeKeys() map[string]string
	UnpublishedFallbackKey() map[string]string
	MarkKeysAsPublished()

	HasSession(theirIdentityKey string) bool
	CreateOutboundSession(theirIdentityKey, theirOneTimeKey string) error
	EncryptOlm(theirIdentityKey string, plaintext []byte) (OlmMessage, error)
	DecryptOlm(theirIdentityKey string, msg OlmMessage) ([]byte, error)

	NewOutboundGroupSession() (*OutboundGroupSession, error)
	GroupEncrypt(s *OutboundGroupSession, plaintext []byte) (string, error)
	// GroupSessionKey exports the session at its current message index.
	GroupSessionKey(s *OutboundGroupSession) (string, error)
	// GroupSessionInfo returns the session id and message index of an exported session key.
	GroupSessionInfo(sessionKey string) (string, uint32, error)
	GroupDecrypt(sessionKey, ciphertext string) ([]byte, uint32, error)

	Pickle() ([]byte, error)
}
