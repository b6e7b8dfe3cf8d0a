package olm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
)

// mergeRoomKey stores candidate unless the stored copy of the same session starts at the same or an
// earlier message index. It reports whether the store changed.
func (m *Machine) mergeRoomKey(candidate *roomKey) (bool, error) {
	existing, err := m.db.roomKeyOrNil(candidate.id())
	if err != nil {
		return false, err
	}
	if existing != nil && existing.FirstIndex <= candidate.FirstIndex {
		return false, nil
	}
	if err := m.db.upsertRoomKey(candidate); err != nil {
		return false, fmt.Errorf("olm: storing room key %s: %w", candidate.id(), err)
	}
	return true, nil
}

func (m *Machine) receiveRoomKey(dec *decryptedToDevice, c *event.RoomKeyContent) error {
	if c.Algorithm != event.AlgorithmMegolm {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, c.Algorithm)
	}
	sessionID, index, err := m.core.GroupSessionInfo(c.SessionKey)
	if err != nil {
		return err
	}
	if sessionID != c.SessionID {
		return fmt.Errorf("olm: room key session id %s does not match its key", c.SessionID)
	}
	rk := &roomKey{
		RoomID:         string(c.RoomID),
		SenderKey:      dec.senderKey,
		SessionID:      sessionID,
		Algorithm:      c.Algorithm,
		SessionKey:     c.SessionKey,
		FirstIndex:     index,
		ClaimedEd25519: dec.plaintext.Keys[keyAlgorithmEd25519],
		SharedHistory:  c.SharedHistory,
	}
	changed, err := m.mergeRoomKey(rk)
	if err != nil || !changed {
		return err
	}
	if err := m.db.deleteWithheld(c.RoomID, sessionID); err != nil {
		return err
	}
	m.publishRoomKeys([]RoomKeyInfo{rk.info()})
	return nil
}

// receiveForwardedRoomKey accepts keys only as answers to our own requests, from our own devices.
func (m *Machine) receiveForwardedRoomKey(dec *decryptedToDevice, c *event.ForwardedRoomKeyContent) error {
	if dec.sender != m.identity.UserID || dec.device == nil {
		m.log.Warnf("rejecting forwarded room key from %s", dec.sender)
		return nil
	}
	if c.Algorithm != event.AlgorithmMegolm {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, c.Algorithm)
	}
	id := ids.RoomKeyID{RoomID: c.RoomID, SenderKey: c.SenderKey, SessionID: c.SessionID}
	req, err := m.db.keyRequest(id)
	if notFound(err) {
		m.log.Warnf("rejecting unrequested forwarded room key %s", id)
		return nil
	} else if err != nil {
		return err
	}
	sessionID, index, err := m.core.GroupSessionInfo(c.SessionKey)
	if err != nil {
		return err
	}
	if sessionID != c.SessionID {
		return fmt.Errorf("olm: forwarded key session id %s does not match its key", c.SessionID)
	}
	rk := &roomKey{
		RoomID:         string(c.RoomID),
		SenderKey:      c.SenderKey,
		SessionID:      sessionID,
		Algorithm:      c.Algorithm,
		SessionKey:     c.SessionKey,
		FirstIndex:     index,
		ClaimedEd25519: c.SenderClaimedEd25519Key,
		Imported:       true,
		SharedHistory:  c.SharedHistory,
	}
	rk.setChain(append(append([]string{}, c.ForwardingCurve25519KeyChain...), dec.senderKey))
	changed, err := m.mergeRoomKey(rk)
	if err != nil {
		return err
	}
	if changed {
		if err := m.db.deleteWithheld(c.RoomID, sessionID); err != nil {
			return err
		}
		m.publishRoomKeys([]RoomKeyInfo{rk.info()})
	}
	if err := m.db.deleteKeyRequest(req.RequestID); err != nil {
		return err
	}
	m.sendToOwnDevices(event.TypeRoomKeyRequest, &event.RoomKeyRequestContent{
		Action:             event.ActionRequestCancellation,
		RequestID:          req.RequestID,
		RequestingDeviceID: m.identity.DeviceID,
	})
	return nil
}

func (m *Machine) receiveWithheld(c *event.RoomKeyWithheldContent) error {
	if c.RoomID == "" || c.SessionID == "" {
		m.log.Debugf("withheld notice %s without session from %s", c.Code, c.FromDevice)
		return nil
	}
	w := &withheldRow{RoomID: string(c.RoomID), SessionID: c.SessionID, SenderKey: c.SenderKey, Code: string(c.Code), Reason: c.Reason}
	if err := m.db.upsertWithheld(w); err != nil {
		return err
	}
	m.publishWithheld([]RoomKeyWithheldInfo{{RoomID: c.RoomID, SessionID: c.SessionID, SenderKey: c.SenderKey, Code: c.Code, Reason: c.Reason}})
	return nil
}

// requestRoomKey asks our other devices for a missing room key, once per session.
func (m *Machine) requestRoomKey(id ids.RoomKeyID) error {
	return m.db.Run("requesting room key", func() error {
		_, err := m.db.keyRequest(id)
		if err == nil {
			return nil
		} else if !notFound(err) {
			return err
		}
		k := &keyRequest{RequestID: uuid.NewString(), RoomID: string(id.RoomID), SenderKey: id.SenderKey, SessionID: id.SessionID}
		if err := m.db.insertKeyRequest(k); err != nil {
			return err
		}
		m.sendToOwnDevices(event.TypeRoomKeyRequest, &event.RoomKeyRequestContent{
			Action: event.ActionRequest,
			Body: &event.RequestedKeyInfo{
				Algorithm: event.AlgorithmMegolm,
				RoomID:    id.RoomID,
				SenderKey: id.SenderKey,
				SessionID: id.SessionID,
			},
			RequestID:          k.RequestID,
			RequestingDeviceID: m.identity.DeviceID,
		})
		return nil
	})
}

// ownVerifiedDevice returns the requesting device when it is one of our own other devices and we
// trust it.
func (m *Machine) ownVerifiedDevice(sender ids.UserID, device ids.DeviceID) (*deviceRow, error) {
	if sender != m.identity.UserID || device == m.identity.DeviceID {
		return nil, nil
	}
	d, err := m.db.device(sender, device)
	if notFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if d.Deleted {
		return nil, nil
	}
	t, err := m.trustOf(d)
	if err != nil {
		return nil, err
	}
	if t.level != event.Verified {
		return nil, nil
	}
	return d, nil
}

// receiveRoomKeyRequest answers a request from one of our verified devices with a forwarded key. It
// runs with the core persisted on commit.
func (m *Machine) receiveRoomKeyRequest(sender ids.UserID, c *event.RoomKeyRequestContent) error {
	if c.Action != event.ActionRequest || c.Body == nil {
		return nil
	}
	if !m.RoomKeyForwardingEnabled() {
		return nil
	}
	d, err := m.ownVerifiedDevice(sender, c.RequestingDeviceID)
	if err != nil {
		return err
	} else if d == nil {
		m.log.Debugf("ignoring room key request from %s/%s", sender, c.RequestingDeviceID)
		return nil
	}
	var rk *roomKey
	if c.Body.SenderKey != "" {
		rk, err = m.db.roomKeyOrNil(ids.RoomKeyID{RoomID: c.Body.RoomID, SenderKey: c.Body.SenderKey, SessionID: c.Body.SessionID})
	} else {
		rk, err = m.db.roomKeyBySession(c.Body.RoomID, c.Body.SessionID)
		if notFound(err) {
			rk, err = nil, nil
		}
	}
	if err != nil || rk == nil {
		return err
	}
	if !m.core.HasSession(d.Curve25519) {
		m.log.Debugf("no session to forward room key to %s", c.RequestingDeviceID)
		return nil
	}
	return m.sendToDevice(d, event.TypeForwardedRoomKey, &event.ForwardedRoomKeyContent{
		Algorithm:                    rk.Algorithm,
		RoomID:                       ids.RoomID(rk.RoomID),
		SenderKey:                    rk.SenderKey,
		SessionID:                    rk.SessionID,
		SessionKey:                   rk.SessionKey,
		SenderClaimedEd25519Key:      rk.ClaimedEd25519,
		ForwardingCurve25519KeyChain: rk.chain(),
		SharedHistory:                rk.SharedHistory,
	})
}

func (m *Machine) RoomKeyRequestsEnabled() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.keyRequests
}

func (m *Machine) SetRoomKeyRequestsEnabled(enabled bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.keyRequests = enabled
}

func (m *Machine) RoomKeyForwardingEnabled() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.forwarding
}

func (m *Machine) SetRoomKeyForwardingEnabled(enabled bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.forwarding = enabled
}

// importRoomKeys merges candidates in batches of ImportProgressInterval, reporting progress after
// each batch. failures counts candidates that could not be parsed.
func (m *Machine) importRoomKeys(ctx context.Context, label string, candidates []*roomKey, failures int, progress ProgressFunc) (*RoomKeyImportResult, error) {
	result := &RoomKeyImportResult{TotalCount: len(candidates), Keys: map[ids.RoomID]map[string][]string{}}
	interval := m.config.ImportProgressInterval
	if interval <= 0 {
		interval = len(candidates)
	}
	total := len(candidates) + failures
	for start := 0; start < len(candidates) || start == 0; start += interval {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + interval
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		var imported []*roomKey
		if err := m.db.Run(label, func() error {
			var infos []RoomKeyInfo
			for _, rk := range batch {
				changed, err := m.mergeRoomKey(rk)
				if err != nil {
					return err
				}
				if !changed {
					continue
				}
				if err := m.db.deleteWithheld(ids.RoomID(rk.RoomID), rk.SessionID); err != nil {
					return err
				}
				imported = append(imported, rk)
				infos = append(infos, rk.info())
			}
			m.publishRoomKeys(infos)
			return nil
		}); err != nil {
			return result, err
		}
		for _, rk := range imported {
			room := ids.RoomID(rk.RoomID)
			if result.Keys[room] == nil {
				result.Keys[room] = map[string][]string{}
			}
			result.Keys[room][rk.SenderKey] = append(result.Keys[room][rk.SenderKey], rk.SessionID)
		}
		result.ImportedCount += len(imported)
		m.metrics.RoomKeysImported(len(imported))
		if progress != nil {
			progress(end, total, failures)
		}
		if end >= len(candidates) {
			break
		}
	}
	return result, nil
}
