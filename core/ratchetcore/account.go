// This package is a self-contained crypto core. 1:1 sessions are double ratchets seeded by a triple
// Diffie-Hellman over the identity, base and one-time keys; room events use a hash ratchet signed with
// a per-session ed25519 key. All state, including every ratchet, can be pickled into a single blob.
package ratchetcore

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/internal/codec"
)

const maxOneTimeKeys = 50

type oneTimeKey struct {
	ID        string `cbor:"1,keyasint"`
	Priv      []byte `cbor:"2,keyasint"`
	Pub       []byte `cbor:"3,keyasint"`
	Published bool   `cbor:"4,keyasint"`
}

type Core struct {
	lock         sync.Mutex
	identityPriv [32]byte
	identityPub  [32]byte
	signing      ed25519.PrivateKey
	oneTimeKeys  []*oneTimeKey
	fallback     *oneTimeKey
	prevFallback *oneTimeKey
	nextKeyID    uint32
	sessions     map[string][]*olmSession
	ratchets     *ratchetStore
}

var _ core.Core = (*Core)(nil)

func New() (*Core, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchetcore: generating identity key: %w", err)
	}
	_, signing, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ratchetcore: generating signing key: %w", err)
	}
	return &Core{
		identityPriv: *priv,
		identityPub:  *pub,
		signing:      signing,
		nextKeyID:    1,
		sessions:     map[string][]*olmSession{},
		ratchets:     newRatchetStore(),
	}, nil
}

type pickle struct {
	IdentityPriv []byte                   `cbor:"1,keyasint"`
	SigningSeed  []byte                   `cbor:"2,keyasint"`
	OneTimeKeys  []*oneTimeKey            `cbor:"3,keyasint"`
	Fallback     *oneTimeKey              `cbor:"4,keyasint,omitempty"`
	PrevFallback *oneTimeKey              `cbor:"5,keyasint,omitempty"`
	NextKeyID    uint32                   `cbor:"6,keyasint"`
	Sessions     []*olmSession            `cbor:"7,keyasint"`
	Ratchets     map[string]*ratchetState `cbor:"8,keyasint"`
	Skipped      []*skippedKey            `cbor:"9,keyasint"`
}

func (c *Core) Pickle() ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	p := &pickle{
		IdentityPriv: c.identityPriv[:],
		SigningSeed:  c.signing.Seed(),
		OneTimeKeys:  c.oneTimeKeys,
		Fallback:     c.fallback,
		PrevFallback: c.prevFallback,
		NextKeyID:    c.nextKeyID,
		Ratchets:     c.ratchets.states,
		Skipped:      c.ratchets.skipped,
	}
	for _, ss := range c.sessions {
		p.Sessions = append(p.Sessions, ss...)
	}
	return codec.Marshal(p)
}

func Unpickle(b []byte) (*Core, error) {
	p := &pickle{}
	if err := codec.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("ratchetcore: decoding pickle: %w", err)
	}
	if len(p.IdentityPriv) != 32 || len(p.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ratchetcore: pickle has malformed identity keys")
	}
	c := &Core{
		identityPriv: [32]byte(p.IdentityPriv),
		signing:      ed25519.NewKeyFromSeed(p.SigningSeed),
		oneTimeKeys:  p.OneTimeKeys,
		fallback:     p.Fallback,
		prevFallback: p.PrevFallback,
		nextKeyID:    p.NextKeyID,
		sessions:     map[string][]*olmSession{},
		ratchets:     newRatchetStore(),
	}
	c.identityPub = *scalarmult.Base(&c.identityPriv)
	for _, s := range p.Sessions {
		c.sessions[s.TheirIdentityKey] = append(c.sessions[s.TheirIdentityKey], s)
	}
	if p.Ratchets != nil {
		c.ratchets.states = p.Ratchets
	}
	c.ratchets.skipped = p.Skipped
	return c, nil
}

func (c *Core) IdentityKeys() core.IdentityKeys {
	return core.IdentityKeys{
		Curve25519: crypto.EncodeBase64(c.identityPub[:]),
		Ed25519:    crypto.EncodeBase64(c.signing.Public().(ed25519.PublicKey)),
	}
}

func (c *Core) Sign(message []byte) string {
	return crypto.EncodeBase64(ed25519.Sign(c.signing, message))
}

func (c *Core) Verify(ed25519Key string, message []byte, signature string) error {
	key, err := crypto.DecodeBase64(ed25519Key)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed ed25519 key", core.ErrBadSignature)
	}
	sig, err := crypto.DecodeBase64(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature", core.ErrBadSignature)
	}
	if !ed25519.Verify(key, message, sig) {
		return core.ErrBadSignature
	}
	return nil
}

func (c *Core) MaxOneTimeKeys() int {
	return maxOneTimeKeys
}

func (c *Core) newKey() (*oneTimeKey, error) {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], c.nextKeyID)
	c.nextKeyID++
	return &oneTimeKey{ID: crypto.EncodeBase64(id[:]), Priv: priv[:], Pub: pub[:]}, nil
}

func (c *Core) GenerateOneTimeKeys(count int) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	for i := 0; i < count; i++ {
		k, err := c.newKey()
		if err != nil {
			return fmt.Errorf("ratchetcore: generating one-time key: %w", err)
		}
		c.oneTimeKeys = append(c.oneTimeKeys, k)
	}
	// drop the oldest keys beyond twice the server target
	if extra := len(c.oneTimeKeys) - 2*maxOneTimeKeys; extra > 0 {
		c.oneTimeKeys = c.oneTimeKeys[extra:]
	}
	return nil
}

func (c *Core) GenerateFallbackKey() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	k, err := c.newKey()
	if err != nil {
		return fmt.Errorf("ratchetcore: generating fallback key: %w", err)
	}
	c.prevFallback = c.fallback
	c.fallback = k
	return nil
}

func (c *Core) UnpublishedOneTimeKeys() map[string]string {
	c.lock.Lock()
	defer c.lock.Unlock()

	keys := map[string]string{}
	for _, k := range c.oneTimeKeys {
		if !k.Published {
			keys[k.ID] = crypto.EncodeBase64(k.Pub)
		}
	}
	return keys
}

func (c *Core) UnpublishedFallbackKey() map[string]string {
	c.lock.Lock()
	defer c.lock.Unlock()

	keys := map[string]string{}
	if c.fallback != nil && !c.fallback.Published {
		keys[c.fallback.ID] = crypto.EncodeBase64(c.fallback.Pub)
	}
	return keys
}

func (c *Core) MarkKeysAsPublished() {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, k := range c.oneTimeKeys {
		k.Published = true
	}
	if c.fallback != nil {
		c.fallback.Published = true
	}
}
