package ratchetcore

import (
	"crypto/ed25519"
	"crypto/hmac"
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/codec"
)

const (
	groupMessageVersion = 0x03
	groupKeyVersion     = 0x01
	// furthest a receiver will advance a ratchet for a single message
	maxRatchetAdvance = 100000
)

type groupState struct {
	Index       uint32 `cbor:"1,keyasint"`
	Ratchet     []byte `cbor:"2,keyasint"`
	SigningSeed []byte `cbor:"3,keyasint"`
}

func advance(ratchet []byte) []byte {
	m := hmac.New(sha256.New, ratchet)
	m.Write([]byte{0x02})
	return m.Sum(nil)
}

func messageKey(ratchet []byte) []byte {
	m := hmac.New(sha256.New, ratchet)
	m.Write([]byte{0x01})
	return m.Sum(nil)
}

func (c *Core) NewOutboundGroupSession() (*core.OutboundGroupSession, error) {
	ratchet := make([]byte, 32)
	if _, err := io.ReadFull(crypto_rand.Reader, ratchet); err != nil {
		return nil, fmt.Errorf("ratchetcore: generating group ratchet: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchetcore: generating group signing key: %w", err)
	}
	p, err := codec.Marshal(&groupState{Ratchet: ratchet, SigningSeed: priv.Seed()})
	if err != nil {
		return nil, err
	}
	return &core.OutboundGroupSession{SessionID: crypto.EncodeBase64(pub), Pickle: p}, nil
}

func loadGroupState(s *core.OutboundGroupSession) (*groupState, ed25519.PrivateKey, error) {
	st := &groupState{}
	if err := codec.Unmarshal(s.Pickle, st); err != nil {
		return nil, nil, fmt.Errorf("ratchetcore: decoding group session: %w", err)
	}
	if len(st.Ratchet) != 32 || len(st.SigningSeed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("ratchetcore: corrupt group session %s", s.SessionID)
	}
	return st, ed25519.NewKeyFromSeed(st.SigningSeed), nil
}

func (c *Core) GroupEncrypt(s *core.OutboundGroupSession, plaintext []byte) (string, error) {
	st, signing, err := loadGroupState(s)
	if err != nil {
		return "", err
	}
	header := make([]byte, 5)
	header[0] = groupMessageVersion
	binary.BigEndian.PutUint32(header[1:], st.Index)
	ct, err := crypto.EncryptWithKey(messageKey(st.Ratchet), plaintext, header)
	if err != nil {
		return "", fmt.Errorf("ratchetcore: group encrypt: %w", err)
	}
	msg := append(header, ct...)
	msg = append(msg, ed25519.Sign(signing, msg)...)

	st.Ratchet = advance(st.Ratchet)
	st.Index++
	p, err := codec.Marshal(st)
	if err != nil {
		return "", err
	}
	s.Pickle = p
	s.MessageIndex = st.Index
	return crypto.EncodeBase64(msg), nil
}

func (c *Core) GroupSessionKey(s *core.OutboundGroupSession) (string, error) {
	st, signing, err := loadGroupState(s)
	if err != nil {
		return "", err
	}
	return encodeSessionKey(st.Index, st.Ratchet, signing.Public().(ed25519.PublicKey)), nil
}

func encodeSessionKey(index uint32, ratchet []byte, pub ed25519.PublicKey) string {
	b := make([]byte, 0, 1+4+32+ed25519.PublicKeySize)
	b = append(b, groupKeyVersion)
	b = binary.BigEndian.AppendUint32(b, index)
	b = append(b, ratchet...)
	b = append(b, pub...)
	return crypto.EncodeBase64(b)
}

func decodeSessionKey(key string) (uint32, []byte, ed25519.PublicKey, error) {
	b, err := crypto.DecodeBase64(key)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	if len(b) != 1+4+32+ed25519.PublicKeySize || b[0] != groupKeyVersion {
		return 0, nil, nil, fmt.Errorf("%w: bad session key", core.ErrMalformedMessage)
	}
	return binary.BigEndian.Uint32(b[1:5]), b[5:37], ed25519.PublicKey(b[37:]), nil
}

func (c *Core) GroupSessionInfo(sessionKey string) (string, uint32, error) {
	index, _, pub, err := decodeSessionKey(sessionKey)
	if err != nil {
		return "", 0, err
	}
	return crypto.EncodeBase64(pub), index, nil
}

func (c *Core) GroupDecrypt(sessionKey, ciphertext string) ([]byte, uint32, error) {
	index, ratchet, pub, err := decodeSessionKey(sessionKey)
	if err != nil {
		return nil, 0, err
	}
	msg, err := crypto.DecodeBase64(ciphertext)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", core.ErrMalformedMessage, err)
	}
	if len(msg) < 5+ed25519.SignatureSize || msg[0] != groupMessageVersion {
		return nil, 0, fmt.Errorf("%w: bad group message", core.ErrMalformedMessage)
	}
	signed, sig := msg[:len(msg)-ed25519.SignatureSize], msg[len(msg)-ed25519.SignatureSize:]
	if !ed25519.Verify(pub, signed, sig) {
		return nil, 0, core.ErrBadSignature
	}
	msgIndex := binary.BigEndian.Uint32(signed[1:5])
	if msgIndex < index {
		return nil, 0, core.ErrUnknownMessageIndex
	}
	if msgIndex-index > maxRatchetAdvance {
		return nil, 0, fmt.Errorf("%w: message index %d too far ahead of %d", core.ErrMalformedMessage, msgIndex, index)
	}
	for i := index; i < msgIndex; i++ {
		ratchet = advance(ratchet)
	}
	plaintext, err := crypto.DecryptWithKey(messageKey(ratchet), signed[5:], signed[:5])
	if err != nil {
		return nil, 0, fmt.Errorf("ratchetcore: group decrypt: %w", err)
	}
	return plaintext, msgIndex, nil
}
