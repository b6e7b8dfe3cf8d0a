package olm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

// UpdateTrackedUsers starts tracking the device lists of users. Users seen for the first time are
// queried right away.
func (m *Machine) UpdateTrackedUsers(ctx context.Context, users []ids.UserID) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.db.Run("updating tracked users", func() error {
		added := false
		for _, u := range users {
			_, err := m.trackedUser(u)
			if err == nil {
				continue
			} else if !notFound(err) {
				return err
			}
			if err := m.db.upsertTrackedUser(&trackedUser{UserID: string(u), Dirty: true, Generation: 1}); err != nil {
				return err
			}
			added = true
		}
		if !added {
			return nil
		}
		return m.queueKeyQuery()
	})
}

func (m *Machine) trackedUser(u ids.UserID) (*trackedUser, error) {
	t := &trackedUser{}
	if err := m.db.Tx.Get(t, "SELECT * FROM _tracked_users WHERE user_id = ?", string(u)); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Machine) TrackedUsers() ([]ids.UserID, error) {
	var out []ids.UserID
	err := m.db.RunReadOnly("listing tracked users", func() error {
		users, err := m.db.trackedUsers()
		if err != nil {
			return err
		}
		for _, u := range users {
			out = append(out, ids.UserID(u.UserID))
		}
		return nil
	})
	return out, err
}

// MarkAllTrackedUsersAsDirty forces every tracked user to be queried again, for example after a gap
// in the sync stream.
func (m *Machine) MarkAllTrackedUsersAsDirty() error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.db.Run("marking tracked users dirty", func() error {
		users, err := m.db.trackedUsers()
		if err != nil {
			return err
		}
		for _, u := range users {
			u.Dirty = true
			u.Generation++
			if err := m.db.upsertTrackedUser(u); err != nil {
				return err
			}
		}
		return nil
	})
}

// receiveDeviceLists applies the device list delta of a sync.
func (m *Machine) receiveDeviceLists(lists DeviceLists) error {
	for _, u := range lists.Changed {
		t, err := m.trackedUser(u)
		if notFound(err) {
			continue
		} else if err != nil {
			return err
		}
		t.Dirty = true
		t.Generation++
		if err := m.db.upsertTrackedUser(t); err != nil {
			return err
		}
	}
	for _, u := range lists.Left {
		t, err := m.trackedUser(u)
		if notFound(err) {
			continue
		} else if err != nil {
			return err
		}
		t.Dirty = false
		if err := m.db.upsertTrackedUser(t); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) inFlightQueries() map[ids.UserID]bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := map[ids.UserID]bool{}
	for _, users := range m.queries {
		for u := range users {
			out[u] = true
		}
	}
	return out
}

// queueKeyQuery enqueues one query for every dirty user that is not already being queried.
func (m *Machine) queueKeyQuery() error {
	users, err := m.db.trackedUsers()
	if err != nil {
		return err
	}
	inFlight := m.inFlightQueries()
	gens := map[ids.UserID]uint64{}
	for _, u := range users {
		if u.Dirty && !inFlight[ids.UserID(u.UserID)] {
			gens[ids.UserID(u.UserID)] = u.Generation
		}
	}
	if len(gens) == 0 {
		return nil
	}
	m.enqueueQuery(gens)
	return nil
}

func (m *Machine) enqueueQuery(gens map[ids.UserID]uint64) *requests.OutgoingRequest {
	p := &requests.KeysQueryRequest{TimeoutMs: m.config.KeyQueryTimeoutMs, DeviceKeys: map[ids.UserID][]ids.DeviceID{}}
	for u := range gens {
		p.DeviceKeys[u] = []ids.DeviceID{}
	}
	req := requests.NewOutgoingRequest(p)
	m.db.AfterCommit(func() {
		m.lock.Lock()
		m.queries[req.TransactionID] = gens
		m.lock.Unlock()
		m.ledger.EnqueueRequest(req)
	})
	return req
}

// QueryKeysForUsers enqueues a key query for users whether or not they are tracked.
func (m *Machine) QueryKeysForUsers(users []ids.UserID) (*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if len(users) == 0 {
		return nil, nil
	}
	var req *requests.OutgoingRequest
	err := m.db.Run("querying keys", func() error {
		gens := map[ids.UserID]uint64{}
		for _, u := range users {
			t, err := m.trackedUser(u)
			if notFound(err) {
				gens[u] = 0
				continue
			} else if err != nil {
				return err
			}
			gens[u] = t.Generation
		}
		req = m.enqueueQuery(gens)
		return nil
	})
	return req, err
}

func (m *Machine) applyKeysQuery(req *requests.OutgoingRequest, resp *requests.KeysQueryResponse) error {
	m.lock.Lock()
	gens := m.queries[req.TransactionID]
	m.lock.Unlock()

	var changes DeviceChanges
	var identities []ids.UserID
	var cleaned []ids.UserID
	err := m.db.Run("applying key query", func() error {
		users := map[ids.UserID]bool{}
		for u := range resp.DeviceKeys {
			users[u] = true
		}
		for u := range resp.MasterKeys {
			users[u] = true
		}
		sorted := make([]ids.UserID, 0, len(users))
		for u := range users {
			sorted = append(sorted, u)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		// Our own identity first, so other users' master keys can be checked against our user-signing key.
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i] == m.identity.UserID && sorted[j] != m.identity.UserID })
		for _, u := range sorted {
			changed, err := m.receiveIdentity(u, resp)
			if err != nil {
				return err
			}
			if changed {
				identities = append(identities, u)
			}
			if devices, ok := resp.DeviceKeys[u]; ok {
				if err := m.receiveDevices(u, devices, &changes); err != nil {
					return err
				}
			}
		}

		for u, gen := range gens {
			if _, failed := resp.Failures[u.Server()]; failed {
				continue
			}
			t, err := m.trackedUser(u)
			if notFound(err) {
				continue
			} else if err != nil {
				return err
			}
			if t.Generation == gen && t.Dirty {
				t.Dirty = false
				if err := m.db.upsertTrackedUser(t); err != nil {
					return err
				}
			}
			if !t.Dirty {
				cleaned = append(cleaned, u)
			}
		}

		m.db.AfterCommit(func() {
			m.lock.Lock()
			delete(m.queries, req.TransactionID)
			for _, u := range cleaned {
				for _, ch := range m.waiters[u] {
					close(ch)
				}
				delete(m.waiters, u)
			}
			m.lock.Unlock()
			if !changes.Empty() {
				m.deviceFeed.Publish(changes)
			}
			if len(identities) > 0 {
				m.identityFeed.Publish(identities)
			}
		})
		return nil
	})
	return err
}

func (m *Machine) receiveDevices(user ids.UserID, devices map[ids.DeviceID]*requests.DeviceKeys, changes *DeviceChanges) error {
	existing, err := m.db.devices(user)
	if err != nil {
		return err
	}
	known := map[ids.DeviceID]*deviceRow{}
	for _, d := range existing {
		known[ids.DeviceID(d.DeviceID)] = d
	}

	ownKeys := m.core.IdentityKeys()
	for id, dk := range devices {
		if dk == nil || dk.UserID != user || dk.DeviceID != id {
			m.log.Warnf("ignoring device keys for %s/%s with mismatched ids", user, id)
			continue
		}
		curve := dk.Keys[keyID(keyAlgorithmCurve25519, string(id))]
		ed := dk.Keys[keyID(keyAlgorithmEd25519, string(id))]
		if curve == "" || ed == "" {
			m.log.Warnf("ignoring device %s/%s without identity keys", user, id)
			continue
		}
		if err := m.verifyDeviceSignature(user, id, ed, dk, dk.Signatures); err != nil {
			m.log.Warnf("ignoring device %s/%s: %v", user, id, err)
			continue
		}
		if m.isOwnDevice(user, id) && (curve != ownKeys.Curve25519 || ed != ownKeys.Ed25519) {
			m.log.Warnf("server returned different keys for our own device %s", id)
			continue
		}
		prev := known[id]
		if prev != nil && prev.Ed25519 != ed {
			m.log.Warnf("ignoring key change of existing device %s/%s", user, id)
			continue
		}

		raw, err := json.Marshal(dk)
		if err != nil {
			return err
		}
		row := &deviceRow{
			UserID:     string(user),
			DeviceID:   string(id),
			Curve25519: curve,
			Ed25519:    ed,
			Keys:       raw,
		}
		if dk.Unsigned != nil {
			row.DisplayName = dk.Unsigned.DeviceDisplayName
		}
		if prev != nil {
			row.LocalTrust = prev.LocalTrust
		}
		if err := m.db.upsertDevice(row); err != nil {
			return err
		}
		if m.isOwnDevice(user, id) {
			continue
		}
		d, err := m.device(row)
		if err != nil {
			return err
		}
		switch {
		case prev == nil:
			changes.New = append(changes.New, d)
		case prev.Deleted || prev.Curve25519 != curve || prev.DisplayName != row.DisplayName || string(prev.Keys) != string(raw):
			changes.Changed = append(changes.Changed, d)
		}
	}

	for id, prev := range known {
		if _, ok := devices[id]; ok || prev.Deleted || m.isOwnDevice(user, id) {
			continue
		}
		prev.Deleted = true
		if err := m.db.upsertDevice(prev); err != nil {
			return err
		}
		d, err := m.device(prev)
		if err != nil {
			return err
		}
		changes.Deleted = append(changes.Deleted, d)
	}
	return nil
}

// receiveIdentity stores the cross-signing keys of user from a query response. It reports whether
// the identity is new or changed.
func (m *Machine) receiveIdentity(user ids.UserID, resp *requests.KeysQueryResponse) (bool, error) {
	master := resp.MasterKeys[user]
	if master == nil {
		return false, nil
	}
	masterKey := firstKey(master)
	if master.UserID != user || masterKey == "" {
		m.log.Warnf("ignoring malformed master key of %s", user)
		return false, nil
	}

	row := &identityRow{UserID: string(user), Master: masterKey}
	var err error
	if row.MasterJSON, err = json.Marshal(master); err != nil {
		return false, err
	}
	if ssk := resp.SelfSigningKeys[user]; ssk != nil {
		if err := m.verifySignature(user, masterKey, ssk, ssk.Signatures); err != nil || ssk.UserID != user {
			m.log.Warnf("ignoring identity of %s: self-signing key %v", user, err)
			return false, nil
		}
		row.SelfSigning = firstKey(ssk)
		row.SelfSigningJSON, _ = json.Marshal(ssk)
	}
	if usk := resp.UserSigningKeys[user]; usk != nil {
		if err := m.verifySignature(user, masterKey, usk, usk.Signatures); err != nil || usk.UserID != user {
			m.log.Warnf("ignoring identity of %s: user-signing key %v", user, err)
			return false, nil
		}
		row.UserSigning = firstKey(usk)
		row.UserSigningJSON, _ = json.Marshal(usk)
	}

	prev, err := m.identityOrNil(user)
	if err != nil {
		return false, err
	}
	if prev != nil {
		row.WasVerified = prev.WasVerified
		if prev.Master == masterKey {
			row.Verified = prev.Verified
		} else {
			row.WasVerified = prev.WasVerified || prev.Verified
		}
	}
	if user != m.identity.UserID && !row.Verified {
		row.Verified = m.signedByUs(master)
		if row.Verified {
			row.WasVerified = true
		}
	}
	if err := m.db.upsertIdentity(row); err != nil {
		return false, err
	}
	changed := prev == nil || prev.Master != row.Master || prev.SelfSigning != row.SelfSigning || prev.UserSigning != row.UserSigning || prev.Verified != row.Verified
	return changed, nil
}

// signedByUs reports whether our verified user-signing key signed master.
func (m *Machine) signedByUs(master *requests.CrossSigningKey) bool {
	own, err := m.identityOrNil(m.identity.UserID)
	if err != nil || own == nil || own.UserSigning == "" {
		return false
	}
	if verified, err := m.identityVerified(own); err != nil || !verified {
		return false
	}
	return m.verifySignature(m.identity.UserID, own.UserSigning, master, master.Signatures) == nil
}

// waitForQuery blocks until users have been queried, the timeout passes or ctx ends.
func (m *Machine) waitForQuery(ctx context.Context, user ids.UserID, timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}
	ch := make(chan struct{})
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return ErrClosed
	}
	m.waiters[user] = append(m.waiters[user], ch)
	m.lock.Unlock()

	dirty := false
	if err := m.db.RunReadOnly("checking tracked user", func() error {
		t, err := m.trackedUser(user)
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		dirty = t.Dirty
		return nil
	}); err != nil {
		m.dropWaiter(user, ch)
		return err
	}
	if !dirty {
		m.dropWaiter(user, ch)
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		m.dropWaiter(user, ch)
		m.log.Debugf("timed out waiting for key query of %s", user)
		return nil
	case <-ctx.Done():
		m.dropWaiter(user, ch)
		return ctx.Err()
	}
}

func (m *Machine) dropWaiter(user ids.UserID, ch chan struct{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	chans := m.waiters[user]
	for i, c := range chans {
		if c == ch {
			m.waiters[user] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[user]) == 0 {
		delete(m.waiters, user)
	}
}

// GetDevice returns a device, or nil if it is unknown. With a positive timeout it first waits for an
// outstanding key query of the user and falls back to what is stored when the wait times out.
func (m *Machine) GetDevice(ctx context.Context, user ids.UserID, device ids.DeviceID, timeout time.Duration) (*Device, error) {
	if err := m.waitForQuery(ctx, user, timeout); err != nil {
		return nil, err
	}
	var out *Device
	err := m.db.RunReadOnly("reading device", func() error {
		d, err := m.db.device(user, device)
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		out, err = m.device(d)
		return err
	})
	return out, err
}

// GetUserDevices returns the non-deleted devices of a user.
func (m *Machine) GetUserDevices(ctx context.Context, user ids.UserID, timeout time.Duration) ([]*Device, error) {
	if err := m.waitForQuery(ctx, user, timeout); err != nil {
		return nil, err
	}
	var out []*Device
	err := m.db.RunReadOnly("reading user devices", func() error {
		rows, err := m.db.devices(user)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Deleted {
				continue
			}
			d, err := m.device(r)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// GetIdentity returns the cross-signing identity of a user, or nil if none is known.
func (m *Machine) GetIdentity(ctx context.Context, user ids.UserID, timeout time.Duration) (*UserIdentity, error) {
	if err := m.waitForQuery(ctx, user, timeout); err != nil {
		return nil, err
	}
	var out *UserIdentity
	err := m.db.RunReadOnly("reading identity", func() error {
		i, err := m.identityOrNil(user)
		if err != nil || i == nil {
			return err
		}
		out, err = m.userIdentity(i)
		return err
	})
	return out, err
}

func (m *Machine) SetLocalTrust(user ids.UserID, device ids.DeviceID, t LocalTrust) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.db.Run("setting local trust", func() error {
		d, err := m.db.device(user, device)
		if notFound(err) {
			return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, user, device)
		} else if err != nil {
			return err
		}
		if LocalTrust(d.LocalTrust) == t {
			return nil
		}
		d.LocalTrust = int(t)
		if err := m.db.upsertDevice(d); err != nil {
			return err
		}
		dev, err := m.device(d)
		if err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.deviceFeed.Publish(DeviceChanges{Changed: []*Device{dev}})
		})
		return nil
	})
}

// VerifyIdentity signs another user's master key with our user-signing key and enqueues the
// signature upload.
func (m *Machine) VerifyIdentity(user ids.UserID) (*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if user == m.identity.UserID {
		return nil, fmt.Errorf("olm: own identity is verified by holding its master key")
	}
	var req *requests.OutgoingRequest
	err := m.db.Run("verifying identity", func() error {
		i, err := m.identityOrNil(user)
		if err != nil {
			return err
		} else if i == nil {
			return fmt.Errorf("olm: no identity known for %s", user)
		}
		var master requests.CrossSigningKey
		if err := json.Unmarshal(i.MasterJSON, &master); err != nil {
			return err
		}
		sigs, err := m.signWithSeed(SecretCrossSigningUserSigning, &master, nil)
		if err != nil {
			return err
		}
		signed := requests.CrossSigningKey{UserID: master.UserID, Usage: master.Usage, Keys: master.Keys, Signatures: sigs}
		i.Verified = true
		i.WasVerified = true
		if err := m.db.upsertIdentity(i); err != nil {
			return err
		}
		req = requests.NewOutgoingRequest(&requests.SignatureUploadRequest{
			Signed: map[ids.UserID]map[string]json.RawMessage{user: {i.Master: mustJSON(signed)}},
		})
		m.enqueue(req)
		m.db.AfterCommit(func() {
			m.identityFeed.Publish([]ids.UserID{user})
		})
		return nil
	})
	return req, err
}
