package olm

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/internal/db"
	"github.com/meow-io/go-e2ee/requests"
)

type account struct {
	UserID          string `db:"user_id"`
	DeviceID        string `db:"device_id"`
	Pickle          []byte `db:"pickle"`
	UploadedKeys    bool   `db:"uploaded_keys"`
	OneTimeKeyCount int    `db:"otk_count"`
	NeedsFallback   bool   `db:"needs_fallback"`
}

type trackedUser struct {
	UserID     string `db:"user_id"`
	Dirty      bool   `db:"dirty"`
	Generation uint64 `db:"generation"`
}

type deviceRow struct {
	UserID      string `db:"user_id"`
	DeviceID    string `db:"device_id"`
	Curve25519  string `db:"curve25519"`
	Ed25519     string `db:"ed25519"`
	DisplayName string `db:"display_name"`
	Keys        []byte `db:"keys"`
	Deleted     bool   `db:"deleted"`
	LocalTrust  int    `db:"local_trust"`
}

type identityRow struct {
	UserID          string `db:"user_id"`
	Master          string `db:"master"`
	MasterJSON      []byte `db:"master_json"`
	SelfSigning     string `db:"self_signing"`
	SelfSigningJSON []byte `db:"self_signing_json"`
	UserSigning     string `db:"user_signing"`
	UserSigningJSON []byte `db:"user_signing_json"`
	Verified        bool   `db:"verified"`
	WasVerified     bool   `db:"was_verified"`
}

type roomKey struct {
	RoomID          string `db:"room_id"`
	SenderKey       string `db:"sender_key"`
	SessionID       string `db:"session_id"`
	Algorithm       string `db:"algorithm"`
	SessionKey      string `db:"session_key"`
	FirstIndex      uint32 `db:"first_index"`
	ClaimedEd25519  string `db:"claimed_ed25519"`
	ForwardingChain string `db:"forwarding_chain"`
	Imported        bool   `db:"imported"`
	SharedHistory   bool   `db:"shared_history"`
	BackedUp        bool   `db:"backed_up"`
}

func (rk *roomKey) id() ids.RoomKeyID {
	return ids.RoomKeyID{RoomID: ids.RoomID(rk.RoomID), SenderKey: rk.SenderKey, SessionID: rk.SessionID}
}

func (rk *roomKey) chain() []string {
	chain := []string{}
	if rk.ForwardingChain != "" {
		_ = json.Unmarshal([]byte(rk.ForwardingChain), &chain)
	}
	return chain
}

func (rk *roomKey) setChain(chain []string) {
	if len(chain) == 0 {
		rk.ForwardingChain = ""
		return
	}
	b, _ := json.Marshal(chain)
	rk.ForwardingChain = string(b)
}

func (rk *roomKey) info() RoomKeyInfo {
	return RoomKeyInfo{Algorithm: rk.Algorithm, RoomID: ids.RoomID(rk.RoomID), SenderKey: rk.SenderKey, SessionID: rk.SessionID}
}

type withheldRow struct {
	RoomID    string `db:"room_id"`
	SessionID string `db:"session_id"`
	SenderKey string `db:"sender_key"`
	Code      string `db:"code"`
	Reason    string `db:"reason"`
}

type outboundSession struct {
	RoomID           string `db:"room_id"`
	SessionID        string `db:"session_id"`
	Pickle           []byte `db:"pickle"`
	MessageIndex     uint32 `db:"message_index"`
	CreatedMs        uint64 `db:"created_ms"`
	Algorithm        string `db:"algorithm"`
	OnlyTrusted      bool   `db:"only_trusted"`
	SharedHistory    bool   `db:"shared_history"`
	RotationPeriodMs int64  `db:"rotation_period_ms"`
	RotationMessages uint32 `db:"rotation_messages"`
	Invalidated      bool   `db:"invalidated"`
}

type share struct {
	SessionID    string `db:"session_id"`
	UserID       string `db:"user_id"`
	DeviceID     string `db:"device_id"`
	Curve25519   string `db:"curve25519"`
	MessageIndex uint32 `db:"message_index"`
	TxnID        string `db:"txn_id"`
	WithheldCode string `db:"withheld_code"`
}

type roomSettingsRow struct {
	RoomID           string `db:"room_id"`
	Algorithm        string `db:"algorithm"`
	OnlyTrusted      bool   `db:"only_trusted"`
	RotationPeriodMs int64  `db:"rotation_period_ms"`
	RotationMessages uint32 `db:"rotation_messages"`
}

type backupState struct {
	Version   string `db:"version"`
	PublicKey string `db:"public_key"`
	Enabled   bool   `db:"enabled"`
}

type inboxEntry struct {
	ID           int64  `db:"id"`
	Name         string `db:"name"`
	Value        string `db:"value"`
	SenderUser   string `db:"sender_user"`
	SenderDevice string `db:"sender_device"`
	ReceivedMs   uint64 `db:"received_ms"`
}

type keyRequest struct {
	RequestID string `db:"request_id"`
	RoomID    string `db:"room_id"`
	SenderKey string `db:"sender_key"`
	SessionID string `db:"session_id"`
}

// storedRequest is an outgoing request that cannot be rebuilt from the rest of the store, kept until
// it is acknowledged.
type storedRequest struct {
	ID      int64  `db:"id"`
	TxnID   string `db:"txn_id"`
	Kind    int    `db:"kind"`
	Payload []byte `db:"payload"`
}

type bundleDataRow struct {
	RoomID       string `db:"room_id"`
	SenderUser   string `db:"sender_user"`
	SenderDevice string `db:"sender_device"`
	Verification int    `db:"verification"`
	URL          string `db:"url"`
	Info         []byte `db:"info"`
}

type database struct {
	*db.Database
	roomKeys *lru.Cache
}

var migrations = []*db.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE _account (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					pickle BLOB NOT NULL,
					uploaded_keys BOOLEAN NOT NULL DEFAULT FALSE,
					otk_count INTEGER NOT NULL DEFAULT 0,
					needs_fallback BOOLEAN NOT NULL DEFAULT TRUE
				);

				CREATE TABLE _tracked_users (
					user_id TEXT PRIMARY KEY,
					dirty BOOLEAN NOT NULL,
					generation INTEGER NOT NULL
				);

				CREATE TABLE _devices (
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					curve25519 TEXT NOT NULL,
					ed25519 TEXT NOT NULL,
					display_name TEXT NOT NULL,
					keys BLOB NOT NULL,
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					local_trust INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (user_id, device_id)
				);
				CREATE INDEX devices_curve25519 ON _devices (curve25519);

				CREATE TABLE _identities (
					user_id TEXT PRIMARY KEY,
					master TEXT NOT NULL,
					master_json BLOB NOT NULL,
					self_signing TEXT NOT NULL,
					self_signing_json BLOB,
					user_signing TEXT NOT NULL,
					user_signing_json BLOB,
					verified BOOLEAN NOT NULL DEFAULT FALSE,
					was_verified BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE TABLE _room_keys (
					room_id TEXT NOT NULL,
					sender_key TEXT NOT NULL,
					session_id TEXT NOT NULL,
					algorithm TEXT NOT NULL,
					session_key TEXT NOT NULL,
					first_index INTEGER NOT NULL,
					claimed_ed25519 TEXT NOT NULL,
					forwarding_chain TEXT NOT NULL,
					imported BOOLEAN NOT NULL,
					shared_history BOOLEAN NOT NULL,
					backed_up BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (room_id, sender_key, session_id)
				);
				CREATE INDEX room_keys_backed_up ON _room_keys (backed_up);

				CREATE TABLE _withheld (
					room_id TEXT NOT NULL,
					session_id TEXT NOT NULL,
					sender_key TEXT NOT NULL,
					code TEXT NOT NULL,
					reason TEXT NOT NULL,
					PRIMARY KEY (room_id, session_id)
				);

				CREATE TABLE _outbound_sessions (
					room_id TEXT PRIMARY KEY,
					session_id TEXT NOT NULL,
					pickle BLOB NOT NULL,
					message_index INTEGER NOT NULL,
					created_ms INTEGER NOT NULL,
					algorithm TEXT NOT NULL,
					only_trusted BOOLEAN NOT NULL,
					shared_history BOOLEAN NOT NULL,
					rotation_period_ms INTEGER NOT NULL,
					rotation_messages INTEGER NOT NULL,
					invalidated BOOLEAN NOT NULL DEFAULT FALSE
				);

				CREATE TABLE _shares (
					session_id TEXT NOT NULL,
					user_id TEXT NOT NULL,
					device_id TEXT NOT NULL,
					curve25519 TEXT NOT NULL,
					message_index INTEGER NOT NULL,
					txn_id TEXT NOT NULL,
					withheld_code TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (session_id, user_id, device_id)
				);
				CREATE INDEX shares_txn_id ON _shares (txn_id);

				CREATE TABLE _room_settings (
					room_id TEXT PRIMARY KEY,
					algorithm TEXT NOT NULL,
					only_trusted BOOLEAN NOT NULL,
					rotation_period_ms INTEGER NOT NULL,
					rotation_messages INTEGER NOT NULL
				);

				CREATE TABLE _backup (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					version TEXT NOT NULL,
					public_key TEXT NOT NULL,
					enabled BOOLEAN NOT NULL
				);

				CREATE TABLE _secrets (
					name TEXT PRIMARY KEY,
					value TEXT NOT NULL
				);

				CREATE TABLE _secret_inbox (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL,
					value TEXT NOT NULL,
					sender_user TEXT NOT NULL,
					sender_device TEXT NOT NULL,
					received_ms INTEGER NOT NULL
				);
				CREATE INDEX secret_inbox_name ON _secret_inbox (name);

				CREATE TABLE _secret_requests (
					request_id TEXT PRIMARY KEY,
					name TEXT NOT NULL
				);

				CREATE TABLE _key_requests (
					request_id TEXT PRIMARY KEY,
					room_id TEXT NOT NULL,
					sender_key TEXT NOT NULL,
					session_id TEXT NOT NULL
				);
				CREATE UNIQUE INDEX key_requests_session ON _key_requests (room_id, sender_key, session_id);

				CREATE TABLE _bundle_data (
					room_id TEXT NOT NULL,
					sender_user TEXT NOT NULL,
					sender_device TEXT NOT NULL,
					verification INTEGER NOT NULL,
					url TEXT NOT NULL,
					info BLOB NOT NULL,
					PRIMARY KEY (room_id, sender_user)
				);
			`)
			return err
		},
	},
	{
		Name: "Create outgoing request table",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE _outgoing_requests (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					txn_id TEXT NOT NULL UNIQUE,
					kind INTEGER NOT NULL,
					payload BLOB NOT NULL
				);
			`)
			return err
		},
	},
}

func newDatabase(internalDB *db.Database, cacheSize int) (*database, error) {
	if err := internalDB.Migrate("olm", migrations); err != nil {
		return nil, err
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &database{Database: internalDB, roomKeys: cache}, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (db *database) account() (*account, error) {
	a := &account{}
	if err := db.Tx.Get(a, "SELECT user_id, device_id, pickle, uploaded_keys, otk_count, needs_fallback FROM _account WHERE id = 1"); err != nil {
		return nil, err
	}
	return a, nil
}

func (db *database) insertAccount(a *account) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _account (id, user_id, device_id, pickle, uploaded_keys, otk_count, needs_fallback) VALUES (1, :user_id, :device_id, :pickle, :uploaded_keys, :otk_count, :needs_fallback)", a); err != nil {
		return fmt.Errorf("olm: inserting account: %w", err)
	}
	return nil
}

func (db *database) updatePickle(p []byte) error {
	_, err := db.Tx.Exec("UPDATE _account SET pickle = ? WHERE id = 1", p)
	return err
}

func (db *database) updateKeyCounts(uploaded bool, otkCount int, needsFallback bool) error {
	_, err := db.Tx.Exec("UPDATE _account SET uploaded_keys = ?, otk_count = ?, needs_fallback = ? WHERE id = 1", uploaded, otkCount, needsFallback)
	return err
}

func (db *database) trackedUsers() ([]*trackedUser, error) {
	var users []*trackedUser
	if err := db.Tx.Select(&users, "SELECT * FROM _tracked_users ORDER BY user_id"); err != nil {
		return nil, err
	}
	return users, nil
}

func (db *database) upsertTrackedUser(u *trackedUser) error {
	_, err := db.Tx.NamedExec("INSERT INTO _tracked_users (user_id, dirty, generation) VALUES (:user_id, :dirty, :generation) ON CONFLICT(user_id) DO UPDATE SET dirty = :dirty, generation = :generation", u)
	return err
}

func (db *database) devices(userID ids.UserID) ([]*deviceRow, error) {
	var devices []*deviceRow
	if err := db.Tx.Select(&devices, "SELECT * FROM _devices WHERE user_id = ? ORDER BY device_id", string(userID)); err != nil {
		return nil, err
	}
	return devices, nil
}

func (db *database) device(userID ids.UserID, deviceID ids.DeviceID) (*deviceRow, error) {
	d := &deviceRow{}
	if err := db.Tx.Get(d, "SELECT * FROM _devices WHERE user_id = ? AND device_id = ?", string(userID), string(deviceID)); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) deviceByCurveKey(userID ids.UserID, curveKey string) (*deviceRow, error) {
	d := &deviceRow{}
	if err := db.Tx.Get(d, "SELECT * FROM _devices WHERE user_id = ? AND curve25519 = ? ORDER BY deleted LIMIT 1", string(userID), curveKey); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) deviceByAnyCurveKey(curveKey string) (*deviceRow, error) {
	d := &deviceRow{}
	if err := db.Tx.Get(d, "SELECT * FROM _devices WHERE curve25519 = ? ORDER BY deleted LIMIT 1", curveKey); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) upsertDevice(d *deviceRow) error {
	_, err := db.Tx.NamedExec("INSERT INTO _devices (user_id, device_id, curve25519, ed25519, display_name, keys, deleted, local_trust) VALUES (:user_id, :device_id, :curve25519, :ed25519, :display_name, :keys, :deleted, :local_trust) ON CONFLICT(user_id, device_id) DO UPDATE SET curve25519 = :curve25519, ed25519 = :ed25519, display_name = :display_name, keys = :keys, deleted = :deleted, local_trust = :local_trust", d)
	return err
}

func (db *database) identity(userID ids.UserID) (*identityRow, error) {
	i := &identityRow{}
	if err := db.Tx.Get(i, "SELECT * FROM _identities WHERE user_id = ?", string(userID)); err != nil {
		return nil, err
	}
	return i, nil
}

func (db *database) upsertIdentity(i *identityRow) error {
	_, err := db.Tx.NamedExec("INSERT INTO _identities (user_id, master, master_json, self_signing, self_signing_json, user_signing, user_signing_json, verified, was_verified) VALUES (:user_id, :master, :master_json, :self_signing, :self_signing_json, :user_signing, :user_signing_json, :verified, :was_verified) ON CONFLICT(user_id) DO UPDATE SET master = :master, master_json = :master_json, self_signing = :self_signing, self_signing_json = :self_signing_json, user_signing = :user_signing, user_signing_json = :user_signing_json, verified = :verified, was_verified = :was_verified", i)
	return err
}

// roomKey reads through the cache. Callers must not mutate the returned row. A row read from the
// store only enters the cache once the transaction commits, so a rollback never leaves it behind.
func (db *database) roomKey(id ids.RoomKeyID) (*roomKey, error) {
	if v, ok := db.roomKeys.Get(id); ok {
		return v.(*roomKey), nil
	}
	rk := &roomKey{}
	if err := db.Tx.Get(rk, "SELECT * FROM _room_keys WHERE room_id = ? AND sender_key = ? AND session_id = ?", string(id.RoomID), id.SenderKey, id.SessionID); err != nil {
		return nil, err
	}
	db.AfterCommit(func() { db.roomKeys.Add(id, rk) })
	return rk, nil
}

func (db *database) roomKeyOrNil(id ids.RoomKeyID) (*roomKey, error) {
	rk, err := db.roomKey(id)
	if notFound(err) {
		return nil, nil
	}
	return rk, err
}

// roomKeyBySession finds a room key when the sender key is unknown.
func (db *database) roomKeyBySession(roomID ids.RoomID, sessionID string) (*roomKey, error) {
	rk := &roomKey{}
	if err := db.Tx.Get(rk, "SELECT * FROM _room_keys WHERE room_id = ? AND session_id = ? LIMIT 1", string(roomID), sessionID); err != nil {
		return nil, err
	}
	return rk, nil
}

func (db *database) upsertRoomKey(rk *roomKey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _room_keys (room_id, sender_key, session_id, algorithm, session_key, first_index, claimed_ed25519, forwarding_chain, imported, shared_history, backed_up) VALUES (:room_id, :sender_key, :session_id, :algorithm, :session_key, :first_index, :claimed_ed25519, :forwarding_chain, :imported, :shared_history, :backed_up) ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET algorithm = :algorithm, session_key = :session_key, first_index = :first_index, claimed_ed25519 = :claimed_ed25519, forwarding_chain = :forwarding_chain, imported = :imported, shared_history = :shared_history, backed_up = :backed_up", rk); err != nil {
		return err
	}
	id := rk.id()
	db.roomKeys.Remove(id)
	db.AfterCommit(func() { db.roomKeys.Add(id, rk) })
	return nil
}

func (db *database) allRoomKeys() ([]*roomKey, error) {
	var keys []*roomKey
	if err := db.Tx.Select(&keys, "SELECT * FROM _room_keys ORDER BY room_id, sender_key, session_id"); err != nil {
		return nil, err
	}
	return keys, nil
}

func (db *database) roomKeysForRoom(roomID ids.RoomID) ([]*roomKey, error) {
	var keys []*roomKey
	if err := db.Tx.Select(&keys, "SELECT * FROM _room_keys WHERE room_id = ? ORDER BY sender_key, session_id", string(roomID)); err != nil {
		return nil, err
	}
	return keys, nil
}

func (db *database) roomKeysToBackUp(limit int) ([]*roomKey, error) {
	var keys []*roomKey
	if err := db.Tx.Select(&keys, "SELECT * FROM _room_keys WHERE backed_up = FALSE ORDER BY room_id, sender_key, session_id LIMIT ?", limit); err != nil {
		return nil, err
	}
	return keys, nil
}

func (db *database) markRoomKeysBackedUp(keys []ids.RoomKeyID) error {
	for _, id := range keys {
		if _, err := db.Tx.Exec("UPDATE _room_keys SET backed_up = TRUE WHERE room_id = ? AND sender_key = ? AND session_id = ?", string(id.RoomID), id.SenderKey, id.SessionID); err != nil {
			return err
		}
		db.roomKeys.Remove(id)
	}
	db.AfterCommit(func() {
		for _, id := range keys {
			db.roomKeys.Remove(id)
		}
	})
	return nil
}

func (db *database) resetBackedUp() error {
	if _, err := db.Tx.Exec("UPDATE _room_keys SET backed_up = FALSE"); err != nil {
		return err
	}
	db.roomKeys.Purge()
	db.AfterCommit(db.roomKeys.Purge)
	return nil
}

func (db *database) roomKeyCounts() (*RoomKeyCounts, error) {
	c := &RoomKeyCounts{}
	if err := db.Tx.Get(&c.Total, "SELECT count(*) FROM _room_keys"); err != nil {
		return nil, err
	}
	if err := db.Tx.Get(&c.BackedUp, "SELECT count(*) FROM _room_keys WHERE backed_up = TRUE"); err != nil {
		return nil, err
	}
	return c, nil
}

func (db *database) withheld(roomID ids.RoomID, sessionID string) (*withheldRow, error) {
	w := &withheldRow{}
	if err := db.Tx.Get(w, "SELECT * FROM _withheld WHERE room_id = ? AND session_id = ?", string(roomID), sessionID); err != nil {
		return nil, err
	}
	return w, nil
}

func (db *database) withheldForRoom(roomID ids.RoomID) ([]*withheldRow, error) {
	var ws []*withheldRow
	if err := db.Tx.Select(&ws, "SELECT * FROM _withheld WHERE room_id = ? ORDER BY session_id", string(roomID)); err != nil {
		return nil, err
	}
	return ws, nil
}

func (db *database) upsertWithheld(w *withheldRow) error {
	_, err := db.Tx.NamedExec("INSERT INTO _withheld (room_id, session_id, sender_key, code, reason) VALUES (:room_id, :session_id, :sender_key, :code, :reason) ON CONFLICT(room_id, session_id) DO UPDATE SET sender_key = :sender_key, code = :code, reason = :reason", w)
	return err
}

func (db *database) deleteWithheld(roomID ids.RoomID, sessionID string) error {
	_, err := db.Tx.Exec("DELETE FROM _withheld WHERE room_id = ? AND session_id = ?", string(roomID), sessionID)
	return err
}

func (db *database) outboundSession(roomID ids.RoomID) (*outboundSession, error) {
	s := &outboundSession{}
	if err := db.Tx.Get(s, "SELECT * FROM _outbound_sessions WHERE room_id = ?", string(roomID)); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *database) upsertOutboundSession(s *outboundSession) error {
	_, err := db.Tx.NamedExec("INSERT INTO _outbound_sessions (room_id, session_id, pickle, message_index, created_ms, algorithm, only_trusted, shared_history, rotation_period_ms, rotation_messages, invalidated) VALUES (:room_id, :session_id, :pickle, :message_index, :created_ms, :algorithm, :only_trusted, :shared_history, :rotation_period_ms, :rotation_messages, :invalidated) ON CONFLICT(room_id) DO UPDATE SET session_id = :session_id, pickle = :pickle, message_index = :message_index, created_ms = :created_ms, algorithm = :algorithm, only_trusted = :only_trusted, shared_history = :shared_history, rotation_period_ms = :rotation_period_ms, rotation_messages = :rotation_messages, invalidated = :invalidated", s)
	return err
}

func (db *database) shares(sessionID string) ([]*share, error) {
	var ss []*share
	if err := db.Tx.Select(&ss, "SELECT * FROM _shares WHERE session_id = ? ORDER BY user_id, device_id", sessionID); err != nil {
		return nil, err
	}
	return ss, nil
}

func (db *database) upsertShare(s *share) error {
	_, err := db.Tx.NamedExec("INSERT INTO _shares (session_id, user_id, device_id, curve25519, message_index, txn_id, shared, withheld_code) VALUES (:session_id, :user_id, :device_id, :curve25519, :message_index, :txn_id, :shared, :withheld_code) ON CONFLICT(session_id, user_id, device_id) DO UPDATE SET curve25519 = :curve25519, message_index = :message_index, txn_id = :txn_id, shared = :shared, withheld_code = :withheld_code", s)
	return err
}

func (db *database) storedRequests() ([]*storedRequest, error) {
	var rs []*storedRequest
	if err := db.Tx.Select(&rs, "SELECT * FROM _outgoing_requests ORDER BY id"); err != nil {
		return nil, err
	}
	return rs, nil
}

func (db *database) insertStoredRequest(req *requests.OutgoingRequest) error {
	p, err := json.Marshal(req.Payload)
	if err != nil {
		return err
	}
	_, err = db.Tx.Exec("INSERT INTO _outgoing_requests (txn_id, kind, payload) VALUES (?, ?, ?) ON CONFLICT(txn_id) DO NOTHING", string(req.TransactionID), int(req.Kind), p)
	return err
}

func (db *database) deleteStoredRequest(txn ids.TransactionID) error {
	_, err := db.Tx.Exec("DELETE FROM _outgoing_requests WHERE txn_id = ?", string(txn))
	return err
}

func (db *database) roomSettings(roomID ids.RoomID) (*roomSettingsRow, error) {
	s := &roomSettingsRow{}
	if err := db.Tx.Get(s, "SELECT * FROM _room_settings WHERE room_id = ?", string(roomID)); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *database) upsertRoomSettings(s *roomSettingsRow) error {
	_, err := db.Tx.NamedExec("INSERT INTO _room_settings (room_id, algorithm, only_trusted, rotation_period_ms, rotation_messages) VALUES (:room_id, :algorithm, :only_trusted, :rotation_period_ms, :rotation_messages) ON CONFLICT(room_id) DO UPDATE SET algorithm = :algorithm, only_trusted = :only_trusted, rotation_period_ms = :rotation_period_ms, rotation_messages = :rotation_messages", s)
	return err
}

func (db *database) backupState() (*backupState, error) {
	b := &backupState{}
	if err := db.Tx.Get(b, "SELECT version, public_key, enabled FROM _backup WHERE id = 1"); err != nil {
		if notFound(err) {
			return &backupState{}, nil
		}
		return nil, err
	}
	return b, nil
}

func (db *database) upsertBackupState(b *backupState) error {
	_, err := db.Tx.NamedExec("INSERT INTO _backup (id, version, public_key, enabled) VALUES (1, :version, :public_key, :enabled) ON CONFLICT(id) DO UPDATE SET version = :version, public_key = :public_key, enabled = :enabled", b)
	return err
}

func (db *database) secret(name string) (string, error) {
	var value string
	if err := db.Tx.Get(&value, "SELECT value FROM _secrets WHERE name = ?", name); err != nil {
		if notFound(err) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (db *database) upsertSecret(name, value string) error {
	_, err := db.Tx.Exec("INSERT INTO _secrets (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value", name, value)
	return err
}

func (db *database) insertInboxEntry(e *inboxEntry) error {
	_, err := db.Tx.NamedExec("INSERT INTO _secret_inbox (name, value, sender_user, sender_device, received_ms) VALUES (:name, :value, :sender_user, :sender_device, :received_ms)", e)
	return err
}

func (db *database) inbox(name string) ([]*inboxEntry, error) {
	var entries []*inboxEntry
	if err := db.Tx.Select(&entries, "SELECT * FROM _secret_inbox WHERE name = ? ORDER BY id", name); err != nil {
		return nil, err
	}
	return entries, nil
}

func (db *database) deleteInbox(name string) error {
	_, err := db.Tx.Exec("DELETE FROM _secret_inbox WHERE name = ?", name)
	return err
}

func (db *database) secretRequestName(requestID string) (string, error) {
	var name string
	if err := db.Tx.Get(&name, "SELECT name FROM _secret_requests WHERE request_id = ?", requestID); err != nil {
		return "", err
	}
	return name, nil
}

func (db *database) hasSecretRequest(name string) (bool, error) {
	var n int
	if err := db.Tx.Get(&n, "SELECT count(*) FROM _secret_requests WHERE name = ?", name); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *database) insertSecretRequest(requestID, name string) error {
	_, err := db.Tx.Exec("INSERT INTO _secret_requests (request_id, name) VALUES (?, ?)", requestID, name)
	return err
}

func (db *database) deleteSecretRequests(name string) error {
	_, err := db.Tx.Exec("DELETE FROM _secret_requests WHERE name = ?", name)
	return err
}

func (db *database) keyRequest(id ids.RoomKeyID) (*keyRequest, error) {
	k := &keyRequest{}
	if err := db.Tx.Get(k, "SELECT * FROM _key_requests WHERE room_id = ? AND sender_key = ? AND session_id = ?", string(id.RoomID), id.SenderKey, id.SessionID); err != nil {
		return nil, err
	}
	return k, nil
}

func (db *database) insertKeyRequest(k *keyRequest) error {
	_, err := db.Tx.NamedExec("INSERT INTO _key_requests (request_id, room_id, sender_key, session_id) VALUES (:request_id, :room_id, :sender_key, :session_id)", k)
	return err
}

func (db *database) deleteKeyRequest(requestID string) error {
	_, err := db.Tx.Exec("DELETE FROM _key_requests WHERE request_id = ?", requestID)
	return err
}

func (db *database) bundleData(roomID ids.RoomID, sender ids.UserID) (*bundleDataRow, error) {
	b := &bundleDataRow{}
	if err := db.Tx.Get(b, "SELECT * FROM _bundle_data WHERE room_id = ? AND sender_user = ?", string(roomID), string(sender)); err != nil {
		return nil, err
	}
	return b, nil
}

func (db *database) upsertBundleData(b *bundleDataRow) error {
	_, err := db.Tx.NamedExec("INSERT INTO _bundle_data (room_id, sender_user, sender_device, verification, url, info) VALUES (:room_id, :sender_user, :sender_device, :verification, :url, :info) ON CONFLICT(room_id, sender_user) DO UPDATE SET sender_device = :sender_device, verification = :verification, url = :url, info = :info", b)
	return err
}
