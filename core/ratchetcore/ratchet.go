package ratchetcore

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/status-im/doubleratchet"
)

type dhPair struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPair) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPair) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

// ratchetState is the serializable form of a doubleratchet.State.
type ratchetState struct {
	Dhr                      []byte `cbor:"1,keyasint"`
	DhsPub                   []byte `cbor:"2,keyasint"`
	DhsPriv                  []byte `cbor:"3,keyasint"`
	RootChKey                []byte `cbor:"4,keyasint"`
	SendChKey                []byte `cbor:"5,keyasint"`
	SendChCount              uint32 `cbor:"6,keyasint"`
	RecvChKey                []byte `cbor:"7,keyasint"`
	RecvChCount              uint32 `cbor:"8,keyasint"`
	PN                       uint32 `cbor:"9,keyasint"`
	MaxSkip                  uint   `cbor:"10,keyasint"`
	HKr                      []byte `cbor:"11,keyasint"`
	NHKr                     []byte `cbor:"12,keyasint"`
	HKs                      []byte `cbor:"13,keyasint"`
	NHKs                     []byte `cbor:"14,keyasint"`
	MaxKeep                  uint   `cbor:"15,keyasint"`
	MaxMessageKeysPerSession int    `cbor:"16,keyasint"`
	Step                     uint   `cbor:"17,keyasint"`
	KeysCount                uint   `cbor:"18,keyasint"`
}

type skippedKey struct {
	SessionID      []byte `cbor:"1,keyasint"`
	PublicKey      []byte `cbor:"2,keyasint"`
	MessageNumber  uint   `cbor:"3,keyasint"`
	MessageKey     []byte `cbor:"4,keyasint"`
	SequenceNumber uint   `cbor:"5,keyasint"`
}

// ratchetStore keeps every ratchet of the core in memory; the core pickles it as a whole.
type ratchetStore struct {
	states  map[string]*ratchetState
	skipped []*skippedKey
}

func newRatchetStore() *ratchetStore {
	return &ratchetStore{states: map[string]*ratchetState{}}
}

func (rs *ratchetStore) Load(id []byte) (*doubleratchet.State, error) {
	s, ok := rs.states[hex.EncodeToString(id)]
	if !ok {
		return nil, fmt.Errorf("ratchetcore: no ratchet state for %x", id)
	}
	if len(s.DhsPriv) != 32 || len(s.DhsPub) != 32 {
		return nil, fmt.Errorf("ratchetcore: corrupt ratchet state for %x", id)
	}

	drc := &ratchetCrypto{}
	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPair{privateKey: [32]byte(s.DhsPriv), publicKey: [32]byte(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                &keysStorage{sessionID: id, store: rs},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (rs *ratchetStore) Save(id []byte, state *doubleratchet.State) error {
	rs.states[hex.EncodeToString(id)] = &ratchetState{
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return nil
}

func (rs *ratchetStore) delete(id []byte) {
	delete(rs.states, hex.EncodeToString(id))
	kept := rs.skipped[:0]
	for _, k := range rs.skipped {
		if !bytes.Equal(k.SessionID, id) {
			kept = append(kept, k)
		}
	}
	rs.skipped = kept
}

func (rs *ratchetStore) newSession(id, secret []byte, pair dhPair) error {
	_, err := doubleratchet.New(id, secret, pair, rs, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: id, store: rs}))
	return err
}

func (rs *ratchetStore) newSessionWithRemoteKey(id, secret, remoteKey []byte) error {
	_, err := doubleratchet.NewWithRemoteKey(id, secret, remoteKey, rs, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: id, store: rs}))
	return err
}

func (rs *ratchetStore) load(id []byte) (doubleratchet.Session, error) {
	sess, err := doubleratchet.Load(id, rs, doubleratchet.WithCrypto(&ratchetCrypto{}), doubleratchet.WithKeysStorage(&keysStorage{sessionID: id, store: rs}))
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("ratchetcore: no ratchet state for %x", id)
	}
	return sess, nil
}

type ratchetCrypto struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *ratchetCrypto) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPair{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *ratchetCrypto) DH(pair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	return crypto.DH(dhPub, pair.PrivateKey())
}

func (c *ratchetCrypto) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *ratchetCrypto) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *ratchetCrypto) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *ratchetCrypto) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

// keysStorage holds the message keys skipped over by one session.
type keysStorage struct {
	sessionID []byte
	store     *ratchetStore
}

func (ks *keysStorage) find(k doubleratchet.Key, msgNum uint) int {
	for i, sk := range ks.store.skipped {
		if bytes.Equal(sk.SessionID, ks.sessionID) && bytes.Equal(sk.PublicKey, k) && sk.MessageNumber == msgNum {
			return i
		}
	}
	return -1
}

func (ks *keysStorage) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	i := ks.find(k, msgNum)
	if i < 0 {
		return doubleratchet.Key{}, false, nil
	}
	return ks.store.skipped[i].MessageKey, true, nil
}

func (ks *keysStorage) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("ratchetcore: expected %x to equal %x", sessionID, ks.sessionID)
	}
	ks.store.skipped = append(ks.store.skipped, &skippedKey{
		SessionID:      sessionID,
		PublicKey:      k,
		MessageNumber:  msgNum,
		MessageKey:     mk,
		SequenceNumber: keySeqNum,
	})
	return nil
}

func (ks *keysStorage) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	if i := ks.find(k, msgNum); i >= 0 {
		ks.store.skipped = append(ks.store.skipped[:i], ks.store.skipped[i+1:]...)
	}
	return nil
}

func (ks *keysStorage) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	kept := ks.store.skipped[:0]
	for _, sk := range ks.store.skipped {
		if bytes.Equal(sk.SessionID, sessionID) && sk.SequenceNumber < deleteUntilSeqKey {
			continue
		}
		kept = append(kept, sk)
	}
	ks.store.skipped = kept
	return nil
}

func (ks *keysStorage) TruncateMks(sessionID []byte, maxKeys int) error {
	var mine []*skippedKey
	for _, sk := range ks.store.skipped {
		if bytes.Equal(sk.SessionID, sessionID) {
			mine = append(mine, sk)
		}
	}
	if len(mine) <= maxKeys {
		return nil
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].SequenceNumber > mine[j].SequenceNumber })
	drop := map[*skippedKey]bool{}
	for _, sk := range mine[maxKeys:] {
		drop[sk] = true
	}
	kept := ks.store.skipped[:0]
	for _, sk := range ks.store.skipped {
		if !drop[sk] {
			kept = append(kept, sk)
		}
	}
	ks.store.skipped = kept
	return nil
}

func (ks *keysStorage) Count(k doubleratchet.Key) (uint, error) {
	var n uint
	for _, sk := range ks.store.skipped {
		if bytes.Equal(sk.PublicKey, k) {
			n++
		}
	}
	return n, nil
}

func (ks *keysStorage) All() (map[string]map[uint]doubleratchet.Key, error) {
	all := map[string]map[uint]doubleratchet.Key{}
	for _, sk := range ks.store.skipped {
		if !bytes.Equal(sk.SessionID, ks.sessionID) {
			continue
		}
		pk := hex.EncodeToString(sk.PublicKey)
		if all[pk] == nil {
			all[pk] = map[uint]doubleratchet.Key{}
		}
		all[pk][sk.MessageNumber] = sk.MessageKey
	}
	return all, nil
}
