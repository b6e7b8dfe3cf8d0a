package olm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

// EncryptRoomEvent encrypts content with the room's current outbound session. The session must
// have been shared with ShareRoomKey first.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID ids.RoomID, eventType string, content json.RawMessage) (json.RawMessage, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	var out json.RawMessage
	err := m.db.Run("encrypting room event", func() error {
		s, err := m.db.outboundSession(roomID)
		if notFound(err) {
			return fmt.Errorf("%w: %s", ErrMissingOutboundSession, roomID)
		} else if err != nil {
			return err
		}
		if s.Invalidated {
			return fmt.Errorf("%w: %s", ErrMissingOutboundSession, roomID)
		}
		pt, err := json.Marshal(&event.MegolmPlaintext{Type: eventType, Content: content, RoomID: roomID})
		if err != nil {
			return err
		}
		ogs := &core.OutboundGroupSession{SessionID: s.SessionID, MessageIndex: s.MessageIndex, Pickle: s.Pickle}
		ct, err := m.core.GroupEncrypt(ogs, pt)
		if err != nil {
			return fmt.Errorf("olm: encrypting for %s: %w", roomID, err)
		}
		s.Pickle = ogs.Pickle
		s.MessageIndex = ogs.MessageIndex
		if err := m.db.upsertOutboundSession(s); err != nil {
			return err
		}
		out, err = json.Marshal(&event.MegolmEncryptedContent{
			Algorithm:  event.AlgorithmMegolm,
			SenderKey:  m.core.IdentityKeys().Curve25519,
			Ciphertext: ct,
			SessionID:  s.SessionID,
			DeviceID:   m.identity.DeviceID,
		})
		return err
	})
	return out, err
}

// QueueRoomEvent encrypts content and enqueues it as a room message.
func (m *Machine) QueueRoomEvent(ctx context.Context, roomID ids.RoomID, eventType string, content json.RawMessage) (*requests.OutgoingRequest, error) {
	enc, err := m.EncryptRoomEvent(ctx, roomID, eventType, content)
	if err != nil {
		return nil, err
	}
	req := requests.NewOutgoingRequest(&requests.RoomMessageRequest{RoomID: roomID, EventType: event.TypeEncrypted, Content: enc})
	if err := m.db.Run("queueing room event", func() error {
		m.enqueue(req)
		return nil
	}); err != nil {
		return nil, err
	}
	return req, nil
}

func megolmError(code DecryptionErrorCode, format string, args ...interface{}) *MegolmError {
	return &MegolmError{Code: code, Description: fmt.Sprintf(format, args...)}
}

// roomKeyFor finds the stored key of an encrypted room event.
func (m *Machine) roomKeyFor(roomID ids.RoomID, c *event.MegolmEncryptedContent) (*roomKey, error) {
	if c.SenderKey != "" {
		return m.db.roomKeyOrNil(ids.RoomKeyID{RoomID: roomID, SenderKey: c.SenderKey, SessionID: c.SessionID})
	}
	rk, err := m.db.roomKeyBySession(roomID, c.SessionID)
	if notFound(err) {
		return nil, nil
	}
	return rk, err
}

func (m *Machine) missingKeyError(roomID ids.RoomID, sessionID string) (*MegolmError, error) {
	merr := megolmError(MissingRoomKey, "no room key for session %s", sessionID)
	w, err := m.db.withheld(roomID, sessionID)
	if err == nil {
		merr.WithheldCode = event.WithheldCode(w.Code)
		if w.Reason != "" {
			merr.Description = w.Reason
		}
	} else if !notFound(err) {
		return nil, err
	}
	return merr, nil
}

// roomEventInfo describes who sent a room event encrypted with rk.
func (m *Machine) roomEventInfo(sender ids.UserID, rk *roomKey) (*event.EncryptionInfo, trust, *MegolmError, error) {
	info := &event.EncryptionInfo{
		Sender:                  sender,
		SenderCurve25519Key:     rk.SenderKey,
		SenderClaimedEd25519Key: rk.ClaimedEd25519,
		SessionID:               rk.SessionID,
		ForwardingChain:         rk.chain(),
	}
	d, mismatched, err := m.senderDevice(sender, rk.SenderKey)
	if err != nil {
		return nil, trust{}, nil, err
	}
	if mismatched {
		info.Verification = event.MismatchedSender
		return info, trust{level: event.MismatchedSender}, nil, nil
	}
	if d != nil && d.Ed25519 != rk.ClaimedEd25519 {
		return nil, trust{}, megolmError(MismatchedIdentityKeys, "session claims ed25519 key %s, device has %s", rk.ClaimedEd25519, d.Ed25519), nil
	}
	t, err := m.trustOf(d)
	if err != nil {
		return nil, trust{}, nil, err
	}
	if d != nil {
		info.SenderDevice = ids.DeviceID(d.DeviceID)
	}
	info.Verification = t.level
	return info, t, nil, nil
}

// trustError maps a sender that fails the trust requirement to a decryption error.
func (m *Machine) trustError(t trust) *MegolmError {
	switch t.level {
	case event.UnknownDevice:
		return megolmError(UnknownSenderDevice, "sender device is unknown")
	case event.UnsignedDevice:
		return megolmError(UnsignedSenderDevice, "sender device is not cross-signed")
	case event.VerificationViolation:
		return megolmError(SenderIdentityVerificationViolation, "sender identity changed since it was verified")
	case event.MismatchedSender:
		return megolmError(MismatchedSender, "sender does not own the session's device")
	default:
		// TODO: UnverifiedIdentity is permitted by every trust requirement; find out whether this can be reached.
		m.log.Warnf("unexpected trust level %s rejected by %d", t.level, m.config.TrustRequirement)
		return megolmError(UnableToDecrypt, "sender is %s", t.level)
	}
}

// DecryptRoomEvent decrypts an m.room.encrypted event. Failures are returned as *MegolmError. A
// missing key triggers a single key request to our other devices when requests are enabled.
func (m *Machine) DecryptRoomEvent(ctx context.Context, ev *event.RoomEvent) (*DecryptedRoomEvent, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	var c event.MegolmEncryptedContent
	if err := json.Unmarshal(ev.Content, &c); err != nil {
		return nil, megolmError(UnableToDecrypt, "malformed content: %v", err)
	}
	if c.Algorithm != event.AlgorithmMegolm {
		return nil, megolmError(UnableToDecrypt, "unsupported algorithm %s", c.Algorithm)
	}
	if m.config.EncryptionDisabled {
		return nil, megolmError(UnableToDecrypt, "encryption is disabled")
	}

	var out *DecryptedRoomEvent
	var merr *MegolmError
	var missing *ids.RoomKeyID
	err := m.db.RunReadOnly("decrypting room event", func() error {
		rk, err := m.roomKeyFor(ev.RoomID, &c)
		if err != nil {
			return err
		}
		if rk == nil {
			missing = &ids.RoomKeyID{RoomID: ev.RoomID, SenderKey: c.SenderKey, SessionID: c.SessionID}
			merr, err = m.missingKeyError(ev.RoomID, c.SessionID)
			return err
		}
		pt, index, err := m.core.GroupDecrypt(rk.SessionKey, c.Ciphertext)
		if errors.Is(err, core.ErrUnknownMessageIndex) {
			id := rk.id()
			missing = &id
			merr = megolmError(UnknownMessageIndex, "room key starts at index %d", rk.FirstIndex)
			return nil
		} else if err != nil {
			merr = megolmError(UnableToDecrypt, "%v", err)
			return nil
		}
		var mp event.MegolmPlaintext
		if err := json.Unmarshal(pt, &mp); err != nil || mp.Type == "" {
			merr = megolmError(UnableToDecrypt, "malformed plaintext")
			return nil
		}
		if mp.RoomID != ev.RoomID {
			merr = megolmError(UnableToDecrypt, "event for %s decrypted as %s", ev.RoomID, mp.RoomID)
			return nil
		}
		info, t, infoErr, err := m.roomEventInfo(ev.Sender, rk)
		if err != nil {
			return err
		}
		if infoErr != nil {
			merr = infoErr
			return nil
		}
		if !m.config.TrustRequirement.Permits(t.level, t.legacy) {
			merr = m.trustError(t)
			return nil
		}
		out = &DecryptedRoomEvent{Type: mp.Type, Content: mp.Content, MessageIndex: index, EncryptionInfo: info}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if merr != nil {
		if missing != nil && m.RoomKeyRequestsEnabled() {
			if err := m.requestRoomKey(*missing); err != nil {
				m.log.Warnf("requesting room key %s: %v", missing, err)
			}
		}
		return nil, merr
	}
	return out, nil
}

// GetRoomEventEncryptionInfo describes the sender of an encrypted room event without decrypting it.
func (m *Machine) GetRoomEventEncryptionInfo(ctx context.Context, ev *event.RoomEvent) (*event.EncryptionInfo, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	var c event.MegolmEncryptedContent
	if err := json.Unmarshal(ev.Content, &c); err != nil {
		return nil, megolmError(UnableToDecrypt, "malformed content: %v", err)
	}
	var info *event.EncryptionInfo
	var merr *MegolmError
	err := m.db.RunReadOnly("reading encryption info", func() error {
		rk, err := m.roomKeyFor(ev.RoomID, &c)
		if err != nil {
			return err
		}
		if rk == nil {
			merr, err = m.missingKeyError(ev.RoomID, c.SessionID)
			return err
		}
		info, _, merr, err = m.roomEventInfo(ev.Sender, rk)
		return err
	})
	if err != nil {
		return nil, err
	}
	if merr != nil {
		return nil, merr
	}
	return info, nil
}
