package olm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
)

func exportedRoomKey(rk *roomKey) *ExportedRoomKey {
	return &ExportedRoomKey{
		Algorithm:         rk.Algorithm,
		RoomID:            ids.RoomID(rk.RoomID),
		SenderKey:         rk.SenderKey,
		SessionID:         rk.SessionID,
		SessionKey:        rk.SessionKey,
		SenderClaimedKeys: map[string]string{keyAlgorithmEd25519: rk.ClaimedEd25519},
		ForwardingChain:   rk.chain(),
		SharedHistory:     rk.SharedHistory,
	}
}

// ExportRoomKeys returns every stored room key accepted by filter. A nil filter accepts all keys.
func (m *Machine) ExportRoomKeys(ctx context.Context, filter func(RoomKeyInfo) bool) ([]*ExportedRoomKey, error) {
	var out []*ExportedRoomKey
	err := m.db.RunReadOnly("exporting room keys", func() error {
		keys, err := m.db.allRoomKeys()
		if err != nil {
			return err
		}
		for _, rk := range keys {
			if filter != nil && !filter(rk.info()) {
				continue
			}
			out = append(out, exportedRoomKey(rk))
		}
		return nil
	})
	return out, err
}

// EncryptExportedRoomKeys seals keys in the passphrase protected export format.
func EncryptExportedRoomKeys(keys []*ExportedRoomKey, passphrase string, rounds uint32) (string, error) {
	if keys == nil {
		keys = []*ExportedRoomKey{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return crypto.EncryptKeyExport(b, passphrase, rounds)
}

// DecryptExportedRoomKeys opens an export. It returns each key undecoded so that malformed entries can
// be counted on import instead of failing the whole file.
func DecryptExportedRoomKeys(data, passphrase string) ([]json.RawMessage, error) {
	b, err := crypto.DecryptKeyExport(data, passphrase)
	if err != nil {
		return nil, err
	}
	var keys []json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return nil, fmt.Errorf("olm: decoding key export: %w", err)
	}
	return keys, nil
}

func (m *Machine) exportedToRoomKey(raw json.RawMessage) (*roomKey, error) {
	var k ExportedRoomKey
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, err
	}
	if k.Algorithm != event.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, k.Algorithm)
	}
	if k.RoomID == "" || k.SenderKey == "" {
		return nil, fmt.Errorf("olm: exported key %s lacks room or sender", k.SessionID)
	}
	id, index, err := m.core.GroupSessionInfo(k.SessionKey)
	if err != nil {
		return nil, err
	}
	if id != k.SessionID {
		return nil, fmt.Errorf("olm: session key belongs to %s", id)
	}
	return m.importedRoomKey(k.RoomID, k.SenderKey, id, index, k.Algorithm, k.SessionKey, k.SenderClaimedKeys, k.ForwardingChain, k.SharedHistory), nil
}

// ImportExportedRoomKeys merges keys from an export. Stored keys at the same or an earlier index are
// kept.
func (m *Machine) ImportExportedRoomKeys(ctx context.Context, keys []json.RawMessage, progress ProgressFunc) (*RoomKeyImportResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	var candidates []*roomKey
	failures := 0
	for _, raw := range keys {
		rk, err := m.exportedToRoomKey(raw)
		if err != nil {
			m.log.Debugf("skipping exported key: %v", err)
			failures++
			continue
		}
		candidates = append(candidates, rk)
	}
	return m.importRoomKeys(ctx, "importing exported room keys", candidates, failures, progress)
}
