package olm

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// secretBackupVersion holds the version the stored backup decryption key belongs to.
const secretBackupVersion = "io.e2ee.backup_version"

func (m *Machine) saveBackupDecryptionKey(key *crypto.BackupDecryptionKey, version string) error {
	if err := m.db.upsertSecret(SecretBackupKey, key.ToBase64()); err != nil {
		return err
	}
	if err := m.db.upsertSecret(secretBackupVersion, version); err != nil {
		return err
	}
	return m.db.deleteSecretRequests(SecretBackupKey)
}

// SaveBackupDecryptionKey stores the private key of a backup version.
func (m *Machine) SaveBackupDecryptionKey(key *crypto.BackupDecryptionKey, version string) error {
	return m.db.Run("saving backup key", func() error {
		return m.saveBackupDecryptionKey(key, version)
	})
}

// GetBackupKeys returns the stored backup decryption key. DecryptionKey is nil when none is stored.
func (m *Machine) GetBackupKeys() (*BackupKeys, error) {
	out := &BackupKeys{}
	err := m.db.RunReadOnly("reading backup keys", func() error {
		key, err := m.db.secret(SecretBackupKey)
		if err != nil || key == "" {
			return err
		}
		if out.DecryptionKey, err = crypto.BackupDecryptionKeyFromBase64(key); err != nil {
			return err
		}
		out.BackupVersion, err = m.db.secret(secretBackupVersion)
		return err
	})
	return out, err
}

// VerifyBackup grades the signatures our user made over a backup's auth data.
func (m *Machine) VerifyBackup(info *BackupInfo) (SignatureVerification, error) {
	var out SignatureVerification
	if info.Algorithm != event.AlgorithmBackupV1 {
		return out, nil
	}
	msg, err := crypto.CanonicalJSON(&info.AuthData)
	if err != nil {
		return out, err
	}
	err = m.db.RunReadOnly("verifying backup", func() error {
		own, err := m.identityOrNil(m.identity.UserID)
		if err != nil {
			return err
		}
		for id, sig := range info.AuthData.Signatures[m.identity.UserID] {
			name := strings.TrimPrefix(id, keyAlgorithmEd25519+":")
			if name == id {
				continue
			}
			if own != nil && name == own.Master {
				state := SignatureInvalid
				if m.core.Verify(own.Master, msg, sig) == nil {
					state = SignatureValidButNotTrusted
					if verified, err := m.identityVerified(own); err != nil {
						return err
					} else if verified {
						state = SignatureValidAndTrusted
					}
				}
				if state > out.UserIdentitySignature {
					out.UserIdentitySignature = state
				}
				continue
			}
			d, err := m.ownDeviceForSignature(ids.DeviceID(name))
			if err != nil {
				return err
			} else if d == nil {
				continue
			}
			state := SignatureInvalid
			if m.core.Verify(d.Ed25519, msg, sig) == nil {
				state = SignatureValidButNotTrusted
				t, err := m.trustOf(d)
				if err != nil {
					return err
				}
				if t.level == event.Verified {
					state = SignatureValidAndTrusted
				}
			}
			if state > out.DeviceSignature {
				out.DeviceSignature = state
			}
		}
		return nil
	})
	return out, err
}

func (m *Machine) ownDeviceForSignature(device ids.DeviceID) (*deviceRow, error) {
	if device == m.identity.DeviceID {
		return m.ownDeviceRow(), nil
	}
	d, err := m.db.device(m.identity.UserID, device)
	if notFound(err) {
		return nil, nil
	}
	return d, err
}

// EnableBackupV1 starts backing up room keys to a version. Moving to another version or key marks every
// room key as not yet backed up.
func (m *Machine) EnableBackupV1(publicKey, version string) error {
	if _, err := crypto.BackupPublicKeyFromBase64(publicKey); err != nil {
		return err
	}
	if version == "" {
		return fmt.Errorf("olm: backup version is required")
	}
	return m.db.Run("enabling backup", func() error {
		state, err := m.db.backupState()
		if err != nil {
			return err
		}
		if state.Version != version || state.PublicKey != publicKey {
			if err := m.db.resetBackedUp(); err != nil {
				return err
			}
			m.db.AfterCommit(m.dropPendingBackups)
		}
		return m.db.upsertBackupState(&backupState{Version: version, PublicKey: publicKey, Enabled: true})
	})
}

func (m *Machine) IsBackupEnabled() (bool, error) {
	enabled := false
	err := m.db.RunReadOnly("reading backup state", func() error {
		state, err := m.db.backupState()
		if err != nil {
			return err
		}
		enabled = state.Enabled
		return nil
	})
	return enabled, err
}

// DisableBackup stops backups, forgets which keys were backed up and drops the backup request in flight.
func (m *Machine) DisableBackup() error {
	return m.db.Run("disabling backup", func() error {
		if err := m.db.upsertBackupState(&backupState{}); err != nil {
			return err
		}
		if err := m.db.resetBackedUp(); err != nil {
			return err
		}
		m.db.AfterCommit(m.dropPendingBackups)
		return nil
	})
}

func (m *Machine) dropPendingBackups() {
	for _, req := range m.ledger.Pending(requests.KindKeysBackup) {
		m.ledger.Remove(req.TransactionID)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.backups = map[ids.TransactionID]*pendingBackup{}
}

type backupCandidate struct {
	key      *roomKey
	verified bool
}

// BackupRoomKeys enqueues one request carrying up to BackupBatchSize keys that are not backed up yet.
// While that request is in flight it is returned again. It returns nil when backups are disabled or
// every key is backed up.
func (m *Machine) BackupRoomKeys(ctx context.Context) (*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if pending := m.ledger.Pending(requests.KindKeysBackup); len(pending) > 0 {
		return pending[0], nil
	}

	var state *backupState
	var candidates []*backupCandidate
	if err := m.db.RunReadOnly("selecting room keys to back up", func() error {
		var err error
		if state, err = m.db.backupState(); err != nil || !state.Enabled {
			return err
		}
		keys, err := m.db.roomKeysToBackUp(m.config.BackupBatchSize)
		if err != nil {
			return err
		}
		for _, rk := range keys {
			d, err := m.deviceForCurveKey(rk.SenderKey)
			if err != nil {
				return err
			}
			c := &backupCandidate{key: rk}
			if d != nil {
				t, err := m.trustOf(d)
				if err != nil {
					return err
				}
				c.verified = t.level == event.Verified
			}
			candidates = append(candidates, c)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if !state.Enabled || len(candidates) == 0 {
		return nil, nil
	}

	p, err := m.encryptForBackup(ctx, state, candidates)
	if err != nil {
		return nil, err
	}

	var req *requests.OutgoingRequest
	err = m.db.Run("enqueueing backup", func() error {
		current, err := m.db.backupState()
		if err != nil {
			return err
		}
		if !current.Enabled || current.Version != state.Version {
			return nil
		}
		if pending := m.ledger.Pending(requests.KindKeysBackup); len(pending) > 0 {
			req = pending[0]
			return nil
		}
		keys := make([]ids.RoomKeyID, 0, len(candidates))
		for _, c := range candidates {
			keys = append(keys, c.key.id())
		}
		req = requests.NewOutgoingRequest(p)
		pb := &pendingBackup{version: state.Version, keys: keys}
		m.db.AfterCommit(func() {
			m.lock.Lock()
			m.backups[req.TransactionID] = pb
			m.lock.Unlock()
			m.ledger.EnqueueRequest(req)
		})
		return nil
	})
	return req, err
}

// encryptForBackup seals each candidate to the backup public key on a worker pool.
func (m *Machine) encryptForBackup(ctx context.Context, state *backupState, candidates []*backupCandidate) (*requests.KeysBackupRequest, error) {
	pk, err := crypto.BackupPublicKeyFromBase64(state.PublicKey)
	if err != nil {
		return nil, err
	}
	p := &requests.KeysBackupRequest{Version: state.Version, Rooms: map[ids.RoomID]requests.RoomKeyBackup{}}
	var lock sync.Mutex
	var errs error
	wp := workerpool.New(runtime.NumCPU())
	for _, c := range candidates {
		c := c
		wp.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			rk := c.key
			chain := rk.chain()
			pt, err := json.Marshal(&BackedUpRoomKey{
				Algorithm:         rk.Algorithm,
				SenderKey:         rk.SenderKey,
				SessionKey:        rk.SessionKey,
				SenderClaimedKeys: map[string]string{keyAlgorithmEd25519: rk.ClaimedEd25519},
				ForwardingChain:   chain,
				SharedHistory:     rk.SharedHistory,
			})
			var sealed *crypto.EncryptedSessionData
			if err == nil {
				sealed, err = pk.Encrypt(pt)
			}
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("olm: backing up %s: %w", rk.id(), err))
				return
			}
			room := ids.RoomID(rk.RoomID)
			if _, ok := p.Rooms[room]; !ok {
				p.Rooms[room] = requests.RoomKeyBackup{Sessions: map[string]requests.KeyBackupData{}}
			}
			p.Rooms[room].Sessions[rk.SessionID] = requests.KeyBackupData{
				FirstMessageIndex: rk.FirstIndex,
				ForwardedCount:    len(chain),
				IsVerified:        c.verified,
				SessionData:       *sealed,
			}
		})
	}
	wp.StopWait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if errs != nil {
		return nil, errs
	}
	return p, nil
}

func (m *Machine) applyKeysBackup(req *requests.OutgoingRequest, resp *requests.KeysBackupResponse) error {
	m.lock.Lock()
	pb := m.backups[req.TransactionID]
	delete(m.backups, req.TransactionID)
	m.lock.Unlock()
	if pb == nil {
		m.log.Warnf("backup %s acknowledged after it was dropped", req.TransactionID)
		return nil
	}
	return m.db.Run("marking room keys backed up", func() error {
		state, err := m.db.backupState()
		if err != nil {
			return err
		}
		if !state.Enabled || state.Version != pb.version {
			m.log.Infof("backup version changed from %s, not marking %d keys", pb.version, len(pb.keys))
			return nil
		}
		if err := m.db.markRoomKeysBackedUp(pb.keys); err != nil {
			return err
		}
		n := len(pb.keys)
		m.db.AfterCommit(func() { m.metrics.RoomKeysBackedUp(n) })
		return nil
	})
}

func (m *Machine) RoomKeyCounts() (*RoomKeyCounts, error) {
	var c *RoomKeyCounts
	err := m.db.RunReadOnly("counting room keys", func() error {
		var err error
		c, err = m.db.roomKeyCounts()
		return err
	})
	return c, err
}

// ImportBackedUpRoomKeys merges decrypted backup session data, keyed by room and session id. Keys from
// the enabled backup version are marked as backed up.
func (m *Machine) ImportBackedUpRoomKeys(ctx context.Context, keys map[ids.RoomID]map[string]json.RawMessage, version string, progress ProgressFunc) (*RoomKeyImportResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	backedUp := false
	if err := m.db.RunReadOnly("reading backup state", func() error {
		state, err := m.db.backupState()
		if err != nil {
			return err
		}
		backedUp = state.Enabled && state.Version == version
		return nil
	}); err != nil {
		return nil, err
	}

	var candidates []*roomKey
	failures := 0
	rooms := maps.Keys(keys)
	slices.Sort(rooms)
	for _, room := range rooms {
		sessions := maps.Keys(keys[room])
		slices.Sort(sessions)
		for _, sessionID := range sessions {
			rk, err := m.backedUpRoomKey(room, sessionID, keys[room][sessionID])
			if err != nil {
				m.log.Debugf("skipping backed up key %s in %s: %v", sessionID, room, err)
				failures++
				continue
			}
			rk.BackedUp = backedUp
			candidates = append(candidates, rk)
		}
	}
	return m.importRoomKeys(ctx, "importing backed up room keys", candidates, failures, progress)
}

func (m *Machine) backedUpRoomKey(room ids.RoomID, sessionID string, raw json.RawMessage) (*roomKey, error) {
	var k BackedUpRoomKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, err
	}
	if k.Algorithm != event.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, k.Algorithm)
	}
	id, index, err := m.core.GroupSessionInfo(k.SessionKey)
	if err != nil {
		return nil, err
	}
	if id != sessionID {
		return nil, fmt.Errorf("olm: session key belongs to %s", id)
	}
	return m.importedRoomKey(room, k.SenderKey, id, index, k.Algorithm, k.SessionKey, k.SenderClaimedKeys, k.ForwardingChain, k.SharedHistory), nil
}

// importedRoomKey builds a room key that reached us outside of an m.room_key event.
func (m *Machine) importedRoomKey(room ids.RoomID, senderKey, sessionID string, index uint32, algorithm, sessionKey string, claimed map[string]string, chain []string, sharedHistory bool) *roomKey {
	rk := &roomKey{
		RoomID:         string(room),
		SenderKey:      senderKey,
		SessionID:      sessionID,
		Algorithm:      algorithm,
		SessionKey:     sessionKey,
		FirstIndex:     index,
		ClaimedEd25519: claimed[keyAlgorithmEd25519],
		Imported:       true,
		SharedHistory:  sharedHistory,
	}
	rk.setChain(chain)
	return rk
}
