package olm

import (
	"context"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

type recipient struct {
	device   *deviceRow
	withheld event.WithheldCode
}

// recipients sorts the devices of users into those that may receive the room key and those that get
// a withheld notice instead.
func (m *Machine) recipients(users []ids.UserID, onlyTrusted bool) (map[ids.Identity]*recipient, error) {
	out := map[ids.Identity]*recipient{}
	for _, u := range dedupeUsers(users) {
		rows, err := m.db.devices(u)
		if err != nil {
			return nil, err
		}
		for _, d := range rows {
			id := ids.Identity{UserID: u, DeviceID: ids.DeviceID(d.DeviceID)}
			if d.Deleted || m.isOwnDevice(id.UserID, id.DeviceID) {
				continue
			}
			r := &recipient{device: d}
			if LocalTrust(d.LocalTrust) == LocalTrustBlackListed {
				r.withheld = event.WithheldBlacklisted
			} else if onlyTrusted {
				t, err := m.trustOf(d)
				if err != nil {
					return nil, err
				}
				if t.level != event.Verified {
					r.withheld = event.WithheldUnverified
				}
			}
			out[id] = r
		}
	}
	return out, nil
}

// needsRotation reports why the current outbound session can no longer be used, or "" if it can.
func (m *Machine) needsRotation(s *outboundSession, settings EncryptionSettings, shares []*share, recipients map[ids.Identity]*recipient) string {
	switch {
	case s == nil:
		return "no session"
	case s.Invalidated:
		return "invalidated"
	case s.Algorithm != settings.Algorithm:
		return "algorithm changed"
	case s.OnlyTrusted != settings.OnlyAllowTrustedDevices:
		return "trust setting changed"
	case s.RotationMessages > 0 && s.MessageIndex >= s.RotationMessages:
		return "message limit reached"
	case s.RotationPeriodMs > 0 && m.clock.CurrentTimeMs()-s.CreatedMs >= uint64(s.RotationPeriodMs):
		return "rotation period elapsed"
	}
	for _, sh := range shares {
		if sh.WithheldCode != "" {
			continue
		}
		r, ok := recipients[ids.Identity{UserID: ids.UserID(sh.UserID), DeviceID: ids.DeviceID(sh.DeviceID)}]
		if !ok || r.withheld != "" {
			return fmt.Sprintf("%s/%s left", sh.UserID, sh.DeviceID)
		}
		if r.device.Curve25519 != sh.Curve25519 {
			return fmt.Sprintf("%s/%s changed keys", sh.UserID, sh.DeviceID)
		}
	}
	return ""
}

// rotate replaces the room's outbound session and stores our own inbound copy of it.
func (m *Machine) rotate(roomID ids.RoomID, settings EncryptionSettings) (*outboundSession, error) {
	ogs, err := m.core.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("olm: creating group session: %w", err)
	}
	s := &outboundSession{
		RoomID:           string(roomID),
		SessionID:        ogs.SessionID,
		Pickle:           ogs.Pickle,
		MessageIndex:     ogs.MessageIndex,
		CreatedMs:        m.clock.CurrentTimeMs(),
		Algorithm:        settings.Algorithm,
		OnlyTrusted:      settings.OnlyAllowTrustedDevices,
		SharedHistory:    settings.SharedHistory,
		RotationPeriodMs: settings.RotationPeriod.Milliseconds(),
		RotationMessages: settings.RotationPeriodMessages,
	}
	if err := m.db.upsertOutboundSession(s); err != nil {
		return nil, err
	}
	key, err := m.core.GroupSessionKey(ogs)
	if err != nil {
		return nil, err
	}
	keys := m.core.IdentityKeys()
	rk := &roomKey{
		RoomID:         string(roomID),
		SenderKey:      keys.Curve25519,
		SessionID:      ogs.SessionID,
		Algorithm:      settings.Algorithm,
		SessionKey:     key,
		FirstIndex:     ogs.MessageIndex,
		ClaimedEd25519: keys.Ed25519,
		SharedHistory:  settings.SharedHistory,
	}
	if _, err := m.mergeRoomKey(rk); err != nil {
		return nil, err
	}
	m.publishRoomKeys([]RoomKeyInfo{rk.info()})
	return s, nil
}

// ShareRoomKey makes sure every eligible device of users holds the room's current session, rotating it
// first when needed. It returns the to-device requests it enqueued. Devices without an olm session are
// skipped; GetMissingSessions creates them. Calls for the same room must not run concurrently.
func (m *Machine) ShareRoomKey(ctx context.Context, roomID ids.RoomID, users []ids.UserID, settings EncryptionSettings) ([]*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if settings.Algorithm != event.AlgorithmMegolm {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, settings.Algorithm)
	}
	var out []*requests.OutgoingRequest
	err := m.runWithCore("sharing room key", func() error {
		stored, err := m.db.roomSettings(roomID)
		if err != nil && !notFound(err) {
			return err
		}
		if stored != nil && stored.OnlyTrusted {
			settings.OnlyAllowTrustedDevices = true
		}

		recipients, err := m.recipients(users, settings.OnlyAllowTrustedDevices)
		if err != nil {
			return err
		}
		s, err := m.db.outboundSession(roomID)
		if notFound(err) {
			s = nil
		} else if err != nil {
			return err
		}
		var shares []*share
		if s != nil {
			if shares, err = m.db.shares(s.SessionID); err != nil {
				return err
			}
		}
		if reason := m.needsRotation(s, settings, shares, recipients); reason != "" {
			m.log.Debugf("rotating outbound session of %s: %s", roomID, reason)
			if s, err = m.rotate(roomID, settings); err != nil {
				return err
			}
			shares = nil
		}

		existing := map[ids.Identity]*share{}
		for _, sh := range shares {
			existing[ids.Identity{UserID: ids.UserID(sh.UserID), DeviceID: ids.DeviceID(sh.DeviceID)}] = sh
		}
		ogs := &core.OutboundGroupSession{SessionID: s.SessionID, MessageIndex: s.MessageIndex, Pickle: s.Pickle}
		sessionKey, err := m.core.GroupSessionKey(ogs)
		if err != nil {
			return err
		}
		content := &event.RoomKeyContent{
			Algorithm:     s.Algorithm,
			RoomID:        roomID,
			SessionID:     s.SessionID,
			SessionKey:    sessionKey,
			SharedHistory: s.SharedHistory,
		}
		senderKey := m.core.IdentityKeys().Curve25519

		var keyMessages, withheldMessages []deviceMessage
		var keyShares, withheldShares []*share
		for id, r := range recipients {
			prev := existing[id]
			sh := &share{
				SessionID:    s.SessionID,
				UserID:       string(id.UserID),
				DeviceID:     string(id.DeviceID),
				Curve25519:   r.device.Curve25519,
				MessageIndex: s.MessageIndex,
			}
			if r.withheld != "" {
				if prev != nil {
					continue
				}
				sh.WithheldCode = string(r.withheld)
				withheldMessages = append(withheldMessages, deviceMessage{id.UserID, id.DeviceID, mustJSON(&event.RoomKeyWithheldContent{
					Algorithm:  s.Algorithm,
					RoomID:     roomID,
					SessionID:  s.SessionID,
					SenderKey:  senderKey,
					Code:       r.withheld,
					FromDevice: m.identity.DeviceID,
				})})
				withheldShares = append(withheldShares, sh)
				continue
			}
			if prev != nil && prev.WithheldCode == "" {
				continue
			}
			if !m.core.HasSession(r.device.Curve25519) {
				continue
			}
			enc, err := m.encryptForDevice(r.device, event.TypeRoomKey, content)
			if err != nil {
				return err
			}
			keyMessages = append(keyMessages, deviceMessage{id.UserID, id.DeviceID, enc})
			keyShares = append(keyShares, sh)
		}

		record := func(eventType string, msgs []deviceMessage, rows []*share) error {
			byDevice := map[ids.Identity]*share{}
			for _, sh := range rows {
				byDevice[ids.Identity{UserID: ids.UserID(sh.UserID), DeviceID: ids.DeviceID(sh.DeviceID)}] = sh
			}
			for _, req := range m.toDeviceRequests(eventType, msgs) {
				p := req.Payload.(*requests.ToDeviceRequest)
				for user, devices := range p.Messages {
					for device := range devices {
						sh := byDevice[ids.Identity{UserID: user, DeviceID: device}]
						sh.TxnID = string(req.TransactionID)
						if err := m.db.upsertShare(sh); err != nil {
							return err
						}
					}
				}
				m.enqueue(req)
				out = append(out, req)
			}
			return nil
		}
		sortMessages(keyMessages)
		sortMessages(withheldMessages)
		if err := record(event.TypeEncrypted, keyMessages, keyShares); err != nil {
			return err
		}
		if err := record(event.TypeRoomKeyWithheld, withheldMessages, withheldShares); err != nil {
			return err
		}
		if n := len(keyMessages); n > 0 {
			m.db.AfterCommit(func() { m.metrics.RoomKeySharedWith(n) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortMessages(msgs []deviceMessage) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].user != msgs[j].user {
			return msgs[i].user < msgs[j].user
		}
		return msgs[i].device < msgs[j].device
	})
}

// InvalidateGroupSession forces the next ShareRoomKey for the room to rotate. It reports whether the
// room had a session to invalidate.
func (m *Machine) InvalidateGroupSession(roomID ids.RoomID) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	invalidated := false
	err := m.db.Run("invalidating group session", func() error {
		s, err := m.db.outboundSession(roomID)
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		if s.Invalidated {
			return nil
		}
		s.Invalidated = true
		invalidated = true
		return m.db.upsertOutboundSession(s)
	})
	return invalidated, err
}
