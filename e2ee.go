// This package provides a high-level interface to the end-to-end encryption machine. It owns the
// encrypted store, restores the crypto core between runs and forwards machine updates to
// application sinks. Every encryption operation lives on the olm.Machine returned by Olm.
package e2ee

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/meow-io/go-e2ee/bridge"
	"github.com/meow-io/go-e2ee/clock"
	"github.com/meow-io/go-e2ee/config"
	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/core/ratchetcore"
	"github.com/meow-io/go-e2ee/feed"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/metrics"
	"github.com/meow-io/go-e2ee/olm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

var (
	ErrWrongState = errors.New("e2ee: operation not allowed in current state")
	ErrNoAccount  = errors.New("e2ee: store holds no account")
)

type Machine struct {
	config  *config.Config
	log     *zap.SugaredLogger
	db      *db.Database
	clock   clock.Clock
	metrics *metrics.Collector

	lock   sync.Mutex
	state  int
	olm    *olm.Machine
	tasks  []*bridge.Task
	ctx    context.Context
	cancel context.CancelFunc
}

// New prepares a machine rooted at c.RootDir. The store is not opened until Initialize or Open.
func New(c *config.Config) (*Machine, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making machine, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		config:  c,
		log:     log,
		db:      database,
		clock:   clock.NewSystemClock(),
		metrics: metrics.NewCollector(c.MetricsRegisterer),
		state:   state,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (m *Machine) State() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

func (m *Machine) setState(s int) {
	m.log.Debugf("state %d -> %d", m.state, s)
	m.state = s
}

// Makes a store key from a passphrase.
func (m *Machine) NewKey(passphrase string) ([]byte, error) {
	return newKey(passphrase, m.config.RootDir, "salt")
}

// Initialize creates the store and a fresh account for user and device, then starts the machine.
func (m *Machine) Initialize(passphrase string, user ids.UserID, device ids.DeviceID) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state != StateNew {
		return fmt.Errorf("%w: cannot initialize unless in state new", ErrWrongState)
	}
	key, err := m.NewKey(passphrase)
	if err != nil {
		return err
	}
	if err := m.db.Initialize(key); err != nil {
		return err
	}
	m.setState(StateInitialized)
	if err := m.db.Open(key); err != nil {
		return err
	}
	cr, err := ratchetcore.New()
	if err != nil {
		return multierr.Append(err, m.db.Shutdown())
	}
	return m.start(ids.Identity{UserID: user, DeviceID: device}, cr)
}

// Open unlocks an existing store and restores its account.
func (m *Machine) Open(passphrase string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state != StateInitialized {
		return fmt.Errorf("%w: cannot open unless in state initialized", ErrWrongState)
	}
	key, err := m.NewKey(passphrase)
	if err != nil {
		return err
	}
	if err := m.db.Open(key); err != nil {
		return err
	}
	identity, pickle, err := olm.StoredAccount(m.db)
	if err == nil && identity == nil {
		err = ErrNoAccount
	}
	if err != nil {
		return multierr.Append(err, m.db.Shutdown())
	}
	cr, err := ratchetcore.Unpickle(pickle)
	if err != nil {
		return multierr.Append(fmt.Errorf("e2ee: restoring account: %w", err), m.db.Shutdown())
	}
	return m.start(*identity, cr)
}

func (m *Machine) start(identity ids.Identity, cr core.Core) error {
	om, err := olm.NewMachine(m.config, m.db, m.clock, m.metrics, identity, cr)
	if err != nil {
		return multierr.Append(err, m.db.Shutdown())
	}
	m.olm = om
	m.setState(StateRunning)
	m.log.Infof("running as %s", identity)
	return nil
}

// Olm returns the running encryption machine, or nil unless the machine is running.
func (m *Machine) Olm() *olm.Machine {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state != StateRunning {
		return nil
	}
	return m.olm
}

// Metrics returns the collector shared by the store and the olm machine.
func (m *Machine) Metrics() *metrics.Collector {
	return m.metrics
}

func register[T any](m *Machine, name string, subscribe func(*olm.Machine) *feed.Subscription[T], sink bridge.Sink[T]) (*bridge.Task, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state != StateRunning {
		return nil, fmt.Errorf("%w: sinks need a running machine", ErrWrongState)
	}
	t := bridge.Start[T](m.ctx, m.config.Logger("bridge"), m.metrics, name, subscribe(m.olm), sink)
	m.tasks = append(m.tasks, t)
	return t, nil
}

func (m *Machine) RegisterRoomKeyUpdatedSink(sink bridge.Sink[[]olm.RoomKeyInfo]) (*bridge.Task, error) {
	return register(m, "room_keys", (*olm.Machine).RoomKeyUpdates, sink)
}

func (m *Machine) RegisterRoomKeysWithheldSink(sink bridge.Sink[[]olm.RoomKeyWithheldInfo]) (*bridge.Task, error) {
	return register(m, "withheld", (*olm.Machine).WithheldUpdates, sink)
}

func (m *Machine) RegisterUserIdentityUpdatedSink(sink bridge.Sink[[]ids.UserID]) (*bridge.Task, error) {
	return register(m, "identities", (*olm.Machine).IdentityUpdates, sink)
}

func (m *Machine) RegisterDevicesUpdatedSink(sink bridge.Sink[olm.DeviceChanges]) (*bridge.Task, error) {
	return register(m, "devices", (*olm.Machine).DeviceUpdates, sink)
}

func (m *Machine) RegisterSecretsInboxSink(sink bridge.Sink[olm.GossippedSecret]) (*bridge.Task, error) {
	return register(m, "secrets", (*olm.Machine).SecretUpdates, sink)
}

// Close stops every sink, closes the olm machine and shuts the store. Calling it again does nothing.
// Sinks still running when Close is called may call back into the machine; they see it closed.
func (m *Machine) Close() error {
	m.lock.Lock()
	if m.state == StateClosed {
		m.lock.Unlock()
		return nil
	}
	m.cancel()
	tasks := m.tasks
	m.tasks = nil
	for _, t := range tasks {
		t.Stop()
	}
	om := m.olm
	m.setState(StateClosed)
	m.lock.Unlock()

	for _, t := range tasks {
		t.Wait()
	}
	var err error
	if om != nil {
		err = multierr.Append(err, om.Close())
	}
	return multierr.Append(err, m.db.Shutdown())
}
