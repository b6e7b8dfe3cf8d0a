package ratchetcore

import (
	"bytes"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/internal/codec"
	"github.com/status-im/doubleratchet"
	"golang.org/x/crypto/hkdf"
)

var olmRootInfo = []byte("go-e2ee olm root")

// preKeyHeader lets the receiver of a session's first messages derive the same root secret.
type preKeyHeader struct {
	IdentityKey []byte `cbor:"1,keyasint"`
	BaseKey     []byte `cbor:"2,keyasint"`
	OneTimeKey  []byte `cbor:"3,keyasint"`
}

type envelope struct {
	PreKey     *preKeyHeader `cbor:"1,keyasint,omitempty"`
	DH         []byte        `cbor:"2,keyasint"`
	N          uint32        `cbor:"3,keyasint"`
	PN         uint32        `cbor:"4,keyasint"`
	Ciphertext []byte        `cbor:"5,keyasint"`
}

type olmSession struct {
	ID               []byte        `cbor:"1,keyasint"`
	TheirIdentityKey string        `cbor:"2,keyasint"`
	PreKey           *preKeyHeader `cbor:"3,keyasint,omitempty"`
	// Confirmed once a message from the other side decrypted on this session.
	Confirmed bool `cbor:"4,keyasint"`
}

func sessionID(header *preKeyHeader) []byte {
	h := sha256.New()
	h.Write(header.IdentityKey)
	h.Write(header.BaseKey)
	h.Write(header.OneTimeKey)
	return h.Sum(nil)
}

func rootSecret(parts ...[]byte) ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, bytes.Join(parts, nil), nil, olmRootInfo), secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func dh3(a1, a2, a3 [2][]byte) ([]byte, error) {
	out := make([][]byte, 0, 3)
	for _, pair := range [][2][]byte{a1, a2, a3} {
		k, err := crypto.DH(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return rootSecret(out...)
}

func (c *Core) HasSession(theirIdentityKey string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sessions[theirIdentityKey]) > 0
}

func (c *Core) CreateOutboundSession(theirIdentityKey, theirOneTimeKey string) error {
	ik, err := crypto.DecodeBase64(theirIdentityKey)
	if err != nil || len(ik) != 32 {
		return fmt.Errorf("ratchetcore: malformed identity key %q", theirIdentityKey)
	}
	otk, err := crypto.DecodeBase64(theirOneTimeKey)
	if err != nil || len(otk) != 32 {
		return fmt.Errorf("ratchetcore: malformed one-time key %q", theirOneTimeKey)
	}
	basePub, basePriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return fmt.Errorf("ratchetcore: generating base key: %w", err)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	secret, err := dh3(
		[2][]byte{otk, c.identityPriv[:]},
		[2][]byte{ik, basePriv[:]},
		[2][]byte{otk, basePriv[:]},
	)
	if err != nil {
		return fmt.Errorf("ratchetcore: deriving root secret: %w", err)
	}
	header := &preKeyHeader{IdentityKey: append([]byte{}, c.identityPub[:]...), BaseKey: basePub[:], OneTimeKey: otk}
	id := sessionID(header)
	if err := c.ratchets.newSessionWithRemoteKey(id, secret, otk); err != nil {
		return fmt.Errorf("ratchetcore: creating outbound session: %w", err)
	}
	c.sessions[theirIdentityKey] = append(c.sessions[theirIdentityKey], &olmSession{
		ID:               id,
		TheirIdentityKey: theirIdentityKey,
		PreKey:           header,
	})
	return nil
}

func (c *Core) EncryptOlm(theirIdentityKey string, plaintext []byte) (core.OlmMessage, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	sessions := c.sessions[theirIdentityKey]
	if len(sessions) == 0 {
		return core.OlmMessage{}, core.ErrNoSession
	}
	s := sessions[len(sessions)-1]
	dr, err := c.ratchets.load(s.ID)
	if err != nil {
		return core.OlmMessage{}, err
	}
	msg, err := dr.RatchetEncrypt(plaintext, nil)
	if err != nil {
		return core.OlmMessage{}, fmt.Errorf("ratchetcore: encrypting: %w", err)
	}
	env := &envelope{DH: msg.Header.DH, N: msg.Header.N, PN: msg.Header.PN, Ciphertext: msg.Ciphertext}
	typ := event.OlmNormal
	if !s.Confirmed {
		env.PreKey = s.PreKey
		typ = event.OlmPreKey
	}
	body, err := codec.Marshal(env)
	if err != nil {
		return core.OlmMessage{}, err
	}
	return core.OlmMessage{Type: typ, Body: crypto.EncodeBase64(body)}, nil
}

func (c *Core) DecryptOlm(theirIdentityKey string, msg core.OlmMessage) ([]byte, error) {
	raw, err := crypto.DecodeBase64(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	env := &envelope{}
	if err := codec.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	drMsg := doubleratchet.Message{
		Header: doubleratchet.MessageHeader{
			DH: env.DH,
			N:  env.N,
			PN: env.PN,
		},
		Ciphertext: env.Ciphertext,
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	switch msg.Type {
	case event.OlmPreKey:
		if env.PreKey == nil {
			return nil, fmt.Errorf("%w: pre-key message without header", core.ErrMalformedMessage)
		}
		if crypto.EncodeBase64(env.PreKey.IdentityKey) != theirIdentityKey {
			return nil, fmt.Errorf("%w: pre-key identity does not match sender", core.ErrMalformedMessage)
		}
		id := sessionID(env.PreKey)
		for _, s := range c.sessions[theirIdentityKey] {
			if bytes.Equal(s.ID, id) {
				return c.decryptWith(s, drMsg)
			}
		}
		return c.decryptInbound(theirIdentityKey, env.PreKey, id, drMsg)
	case event.OlmNormal:
		sessions := c.sessions[theirIdentityKey]
		if len(sessions) == 0 {
			return nil, core.ErrNoSession
		}
		var lastErr error
		for i := len(sessions) - 1; i >= 0; i-- {
			plaintext, err := c.decryptWith(sessions[i], drMsg)
			if err == nil {
				return plaintext, nil
			}
			lastErr = err
		}
		return nil, lastErr
	default:
		return nil, fmt.Errorf("%w: unknown olm message type %d", core.ErrMalformedMessage, msg.Type)
	}
}

func (c *Core) decryptWith(s *olmSession, msg doubleratchet.Message) ([]byte, error) {
	dr, err := c.ratchets.load(s.ID)
	if err != nil {
		return nil, err
	}
	plaintext, err := dr.RatchetDecrypt(msg, nil)
	if err != nil {
		return nil, fmt.Errorf("ratchetcore: decrypting: %w", err)
	}
	s.Confirmed = true
	c.promote(s)
	return plaintext, nil
}

// promote makes s the session used for the next outgoing message.
func (c *Core) promote(s *olmSession) {
	sessions := c.sessions[s.TheirIdentityKey]
	for i, other := range sessions {
		if other == s {
			c.sessions[s.TheirIdentityKey] = append(append(sessions[:i:i], sessions[i+1:]...), s)
			return
		}
	}
}

func (c *Core) decryptInbound(theirIdentityKey string, header *preKeyHeader, id []byte, msg doubleratchet.Message) ([]byte, error) {
	otk, oneTime := c.findKey(header.OneTimeKey)
	if otk == nil {
		return nil, core.ErrUnknownOneTimeKey
	}
	secret, err := dh3(
		[2][]byte{header.IdentityKey, otk.Priv},
		[2][]byte{header.BaseKey, c.identityPriv[:]},
		[2][]byte{header.BaseKey, otk.Priv},
	)
	if err != nil {
		return nil, fmt.Errorf("ratchetcore: deriving root secret: %w", err)
	}
	if err := c.ratchets.newSession(id, secret, dhPair{privateKey: [32]byte(otk.Priv), publicKey: [32]byte(otk.Pub)}); err != nil {
		return nil, fmt.Errorf("ratchetcore: creating inbound session: %w", err)
	}
	dr, err := c.ratchets.load(id)
	if err != nil {
		c.ratchets.delete(id)
		return nil, err
	}
	plaintext, err := dr.RatchetDecrypt(msg, nil)
	if err != nil {
		c.ratchets.delete(id)
		return nil, fmt.Errorf("ratchetcore: decrypting pre-key message: %w", err)
	}
	if oneTime {
		c.removeOneTimeKey(otk)
	}
	c.sessions[theirIdentityKey] = append(c.sessions[theirIdentityKey], &olmSession{
		ID:               id,
		TheirIdentityKey: theirIdentityKey,
		Confirmed:        true,
	})
	return plaintext, nil
}

func (c *Core) findKey(pub []byte) (*oneTimeKey, bool) {
	for _, k := range c.oneTimeKeys {
		if bytes.Equal(k.Pub, pub) {
			return k, true
		}
	}
	for _, k := range []*oneTimeKey{c.fallback, c.prevFallback} {
		if k != nil && bytes.Equal(k.Pub, pub) {
			return k, false
		}
	}
	return nil, false
}

func (c *Core) removeOneTimeKey(otk *oneTimeKey) {
	for i, k := range c.oneTimeKeys {
		if k == otk {
			c.oneTimeKeys = append(c.oneTimeKeys[:i], c.oneTimeKeys[i+1:]...)
			return
		}
	}
}
