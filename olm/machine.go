// This package implements the orchestration layer of an end-to-end encrypted Matrix client. A Machine
// classifies incoming to-device events, keeps device lists and room keys in the store, and produces
// the outgoing requests the caller sends to the homeserver. Responses come back through
// MarkRequestAsSent, which closes each workflow.
package olm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/feed"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/metrics"
	"github.com/meow-io/go-e2ee/requests"
	"go.uber.org/zap"
)

type pendingBackup struct {
	version string
	keys    []ids.RoomKeyID
}

type Machine struct {
	config   *config.Config
	log      *zap.SugaredLogger
	clock    clock.Clock
	metrics  *metrics.Collector
	db       *database
	core     core.Core
	ledger   *requests.Ledger
	identity ids.Identity

	lock         sync.Mutex
	closed       bool
	keyRequests  bool
	forwarding   bool
	queries      map[ids.TransactionID]map[ids.UserID]uint64
	waiters      map[ids.UserID][]chan struct{}
	claims       map[ids.TransactionID][]ids.Identity
	backups      map[ids.TransactionID]*pendingBackup
	roomKeyFeed  *feed.Feed[[]RoomKeyInfo]
	withheldFeed *feed.Feed[[]RoomKeyWithheldInfo]
	identityFeed *feed.Feed[[]ids.UserID]
	deviceFeed   *feed.Feed[DeviceChanges]
	secretFeed   *feed.Feed[GossippedSecret]
}

// NewMachine binds a crypto core to the store. The first machine created on a store records its
// identity; later machines must present the same one.
func NewMachine(c *config.Config, d *db.Database, clk clock.Clock, m *metrics.Collector, identity ids.Identity, cr core.Core) (*Machine, error) {
	log := c.Logger("olm/machine")
	od, err := newDatabase(d, c.RoomKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("olm: error making machine %w", err)
	}
	if m == nil {
		m = metrics.NewCollector(c.MetricsRegisterer)
	}

	machine := &Machine{
		config:       c,
		log:          log,
		clock:        clk,
		metrics:      m,
		db:           od,
		core:         cr,
		ledger:       requests.NewLedger(c.Logger("requests"), m),
		identity:     identity,
		keyRequests:  c.RoomKeyRequestsEnabled,
		forwarding:   c.RoomKeyForwardingEnabled,
		queries:      map[ids.TransactionID]map[ids.UserID]uint64{},
		waiters:      map[ids.UserID][]chan struct{}{},
		claims:       map[ids.TransactionID][]ids.Identity{},
		backups:      map[ids.TransactionID]*pendingBackup{},
		roomKeyFeed:  feed.New[[]RoomKeyInfo](),
		withheldFeed: feed.New[[]RoomKeyWithheldInfo](),
		identityFeed: feed.New[[]ids.UserID](),
		deviceFeed:   feed.New[DeviceChanges](),
		secretFeed:   feed.New[GossippedSecret](),
	}

	if err := od.Run("loading account", func() error {
		a, err := od.account()
		if notFound(err) {
			p, err := cr.Pickle()
			if err != nil {
				return err
			}
			if err := od.insertAccount(&account{
				UserID:        string(identity.UserID),
				DeviceID:      string(identity.DeviceID),
				Pickle:        p,
				NeedsFallback: true,
			}); err != nil {
				return err
			}
			return od.upsertTrackedUser(&trackedUser{UserID: string(identity.UserID), Dirty: true, Generation: 1})
		} else if err != nil {
			return err
		}
		if a.UserID != string(identity.UserID) || a.DeviceID != string(identity.DeviceID) {
			return fmt.Errorf("%w: store holds %s/%s", ErrMismatchedAccount, a.UserID, a.DeviceID)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := machine.restoreRequests(); err != nil {
		return nil, fmt.Errorf("olm: error making machine %w", err)
	}
	log.Debugf("machine ready for %s", identity)
	return machine, nil
}

// StoredAccount returns the identity and pickled core recorded in the store, or nils if the store has
// no account yet.
func StoredAccount(d *db.Database) (*ids.Identity, []byte, error) {
	od, err := newDatabase(d, 1)
	if err != nil {
		return nil, nil, err
	}
	var identity *ids.Identity
	var pickle []byte
	if err := od.RunReadOnly("reading account", func() error {
		a, err := od.account()
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		identity = &ids.Identity{UserID: ids.UserID(a.UserID), DeviceID: ids.DeviceID(a.DeviceID)}
		pickle = a.Pickle
		return nil
	}); err != nil {
		return nil, nil, err
	}
	return identity, pickle, nil
}

func (m *Machine) UserID() ids.UserID {
	return m.identity.UserID
}

func (m *Machine) DeviceID() ids.DeviceID {
	return m.identity.DeviceID
}

func (m *Machine) IdentityKeys() core.IdentityKeys {
	return m.core.IdentityKeys()
}

// DisplayName is the name the homeserver reports for this device, if it has been queried.
func (m *Machine) DisplayName() (string, error) {
	var name string
	err := m.db.RunReadOnly("reading display name", func() error {
		d, err := m.db.device(m.identity.UserID, m.identity.DeviceID)
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		name = d.DisplayName
		return nil
	})
	return name, err
}

func (m *Machine) Ledger() *requests.Ledger {
	return m.ledger
}

func (m *Machine) RoomKeyUpdates() *feed.Subscription[[]RoomKeyInfo] {
	return m.roomKeyFeed.Subscribe()
}

func (m *Machine) WithheldUpdates() *feed.Subscription[[]RoomKeyWithheldInfo] {
	return m.withheldFeed.Subscribe()
}

func (m *Machine) IdentityUpdates() *feed.Subscription[[]ids.UserID] {
	return m.identityFeed.Subscribe()
}

func (m *Machine) DeviceUpdates() *feed.Subscription[DeviceChanges] {
	return m.deviceFeed.Subscribe()
}

func (m *Machine) SecretUpdates() *feed.Subscription[GossippedSecret] {
	return m.secretFeed.Subscribe()
}

// Close stops the machine. Pending subscriptions can still read what was published before.
func (m *Machine) Close() error {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return nil
	}
	m.closed = true
	for user, chans := range m.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(m.waiters, user)
	}
	m.lock.Unlock()

	m.roomKeyFeed.Close()
	m.withheldFeed.Close()
	m.identityFeed.Close()
	m.deviceFeed.Close()
	m.secretFeed.Close()
	return nil
}

func (m *Machine) isClosed() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closed
}

// runWithCore runs fn in a transaction that also persists the core's pickle.
func (m *Machine) runWithCore(label string, fn db.RunnerFunc) error {
	return m.db.Run(label, func() error {
		m.db.BeforeCommit(m.saveCore)
		return fn()
	})
}

func (m *Machine) saveCore() error {
	p, err := m.core.Pickle()
	if err != nil {
		return fmt.Errorf("olm: pickling core: %w", err)
	}
	return m.db.updatePickle(p)
}

// stored reports whether requests of kind are kept in the store until acknowledged. The other kinds
// are rebuilt from the account, tracked users and backup state after a restart.
func stored(kind requests.Kind) bool {
	switch kind {
	case requests.KindToDevice, requests.KindSignatureUpload, requests.KindRoomMessage:
		return true
	default:
		return false
	}
}

// enqueue adds req to the ledger once the current transaction commits.
func (m *Machine) enqueue(req *requests.OutgoingRequest) {
	if stored(req.Kind) {
		m.db.BeforeCommit(func() error {
			return m.db.insertStoredRequest(req)
		})
	}
	m.db.AfterCommit(func() {
		m.ledger.EnqueueRequest(req)
	})
}

// restoreRequests puts the requests left unacknowledged by a previous run back in the ledger.
func (m *Machine) restoreRequests() error {
	return m.db.RunReadOnly("restoring outgoing requests", func() error {
		rows, err := m.db.storedRequests()
		if err != nil {
			return err
		}
		for _, r := range rows {
			kind := requests.Kind(r.Kind)
			p, err := requests.DecodePayload(kind, r.Payload)
			if err != nil {
				return err
			}
			req := &requests.OutgoingRequest{TransactionID: ids.TransactionID(r.TxnID), Kind: kind, Payload: p}
			m.db.AfterCommit(func() { m.ledger.EnqueueRequest(req) })
		}
		if len(rows) > 0 {
			m.log.Debugf("restored %d outgoing requests", len(rows))
		}
		return nil
	})
}

func (m *Machine) publishRoomKeys(infos []RoomKeyInfo) {
	if len(infos) == 0 {
		return
	}
	m.db.AfterCommit(func() {
		m.roomKeyFeed.Publish(infos)
	})
}

func (m *Machine) publishWithheld(infos []RoomKeyWithheldInfo) {
	if len(infos) == 0 {
		return
	}
	m.db.AfterCommit(func() {
		m.withheldFeed.Publish(infos)
	})
}

func (m *Machine) isOwnDevice(user ids.UserID, device ids.DeviceID) bool {
	return user == m.identity.UserID && device == m.identity.DeviceID
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("olm: marshalling %T: %v", v, err))
	}
	return b
}
