package olm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

// roomKeyBundle is the plaintext of the attachment shared with users invited to a room.
type roomKeyBundle struct {
	RoomKeys []json.RawMessage                `json:"room_keys"`
	Withheld []*event.RoomKeyWithheldContent `json:"withheld"`
}

// BuildRoomKeyBundle encrypts the room's shared-history keys and withheld notices as an attachment.
// It returns nil when the room has no such keys.
func (m *Machine) BuildRoomKeyBundle(roomID ids.RoomID) (*EncryptedRoomKeyBundle, error) {
	bundle := &roomKeyBundle{RoomKeys: []json.RawMessage{}, Withheld: []*event.RoomKeyWithheldContent{}}
	err := m.db.RunReadOnly("building room key bundle", func() error {
		keys, err := m.db.roomKeysForRoom(roomID)
		if err != nil {
			return err
		}
		for _, rk := range keys {
			if rk.SharedHistory {
				bundle.RoomKeys = append(bundle.RoomKeys, mustJSON(exportedRoomKey(rk)))
			}
		}
		withheld, err := m.db.withheldForRoom(roomID)
		if err != nil {
			return err
		}
		for _, w := range withheld {
			bundle.Withheld = append(bundle.Withheld, &event.RoomKeyWithheldContent{
				Algorithm: event.AlgorithmMegolm,
				RoomID:    ids.RoomID(w.RoomID),
				SessionID: w.SessionID,
				SenderKey: w.SenderKey,
				Code:      event.WithheldCode(w.Code),
				Reason:    w.Reason,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(bundle.RoomKeys) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	ct, info, err := crypto.EncryptAttachment(b)
	if err != nil {
		return nil, err
	}
	return &EncryptedRoomKeyBundle{Ciphertext: ct, Info: info}, nil
}

// ShareRoomKeyBundleData sends the location of an uploaded bundle to the devices of user. With
// onlyTrusted set, devices we have not verified are skipped and ErrUntrustedDevice is returned when
// none remain.
func (m *Machine) ShareRoomKeyBundleData(ctx context.Context, user ids.UserID, roomID ids.RoomID, url string, info *crypto.MediaEncryptionInfo, onlyTrusted bool) ([]*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	content := &event.RoomKeyBundleContent{RoomID: roomID, File: event.EncryptedFile{URL: url, MediaEncryptionInfo: *info}}
	var out []*requests.OutgoingRequest
	err := m.runWithCore("sharing room key bundle", func() error {
		rows, err := m.db.devices(user)
		if err != nil {
			return err
		}
		var msgs []deviceMessage
		untrusted := 0
		for _, d := range rows {
			if d.Deleted || m.isOwnDevice(user, ids.DeviceID(d.DeviceID)) || !m.core.HasSession(d.Curve25519) {
				continue
			}
			if onlyTrusted {
				t, err := m.trustOf(d)
				if err != nil {
					return err
				}
				if t.level != event.Verified {
					untrusted++
					continue
				}
			}
			enc, err := m.encryptForDevice(d, event.TypeRoomKeyBundle, content)
			if err != nil {
				return err
			}
			msgs = append(msgs, deviceMessage{user, ids.DeviceID(d.DeviceID), enc})
		}
		if len(msgs) == 0 && untrusted > 0 {
			return fmt.Errorf("%w: no verified device of %s", ErrUntrustedDevice, user)
		}
		for _, req := range m.toDeviceRequests(event.TypeEncrypted, msgs) {
			m.enqueue(req)
			out = append(out, req)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Machine) receiveRoomKeyBundleData(dec *decryptedToDevice, c *event.RoomKeyBundleContent) error {
	if dec.device == nil || c.RoomID == "" || c.File.URL == "" {
		m.log.Warnf("ignoring room key bundle from %s", dec.sender)
		return nil
	}
	info, err := json.Marshal(&c.File.MediaEncryptionInfo)
	if err != nil {
		return err
	}
	return m.db.upsertBundleData(&bundleDataRow{
		RoomID:       string(c.RoomID),
		SenderUser:   string(dec.sender),
		SenderDevice: dec.device.DeviceID,
		Verification: int(dec.trust.level),
		URL:          c.File.URL,
		Info:         info,
	})
}

// GetReceivedRoomKeyBundleData returns the bundle pointer inviter sent us for a room, or nil.
func (m *Machine) GetReceivedRoomKeyBundleData(roomID ids.RoomID, inviter ids.UserID) (*StoredRoomKeyBundleData, error) {
	var out *StoredRoomKeyBundleData
	err := m.db.RunReadOnly("reading room key bundle data", func() error {
		b, err := m.db.bundleData(roomID, inviter)
		if notFound(err) {
			return nil
		} else if err != nil {
			return err
		}
		var info crypto.MediaEncryptionInfo
		if err := json.Unmarshal(b.Info, &info); err != nil {
			return err
		}
		out = &StoredRoomKeyBundleData{
			SenderUser:         ids.UserID(b.SenderUser),
			SenderDevice:       ids.DeviceID(b.SenderDevice),
			SenderVerification: event.VerificationLevel(b.Verification),
			RoomID:             ids.RoomID(b.RoomID),
			URL:                b.URL,
			EncryptionInfo:     &info,
		}
		return nil
	})
	return out, err
}

// ReceiveRoomKeyBundle decrypts a downloaded bundle and imports the keys that belong to its room.
func (m *Machine) ReceiveRoomKeyBundle(ctx context.Context, data *StoredRoomKeyBundleData, blob []byte, progress ProgressFunc) (*RoomKeyImportResult, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	pt, err := crypto.DecryptAttachment(blob, data.EncryptionInfo)
	if err != nil {
		return nil, err
	}
	var bundle roomKeyBundle
	if err := json.Unmarshal(pt, &bundle); err != nil {
		return nil, fmt.Errorf("olm: decoding room key bundle: %w", err)
	}

	var candidates []*roomKey
	failures := 0
	for _, raw := range bundle.RoomKeys {
		rk, err := m.exportedToRoomKey(raw)
		if err != nil || ids.RoomID(rk.RoomID) != data.RoomID {
			failures++
			continue
		}
		rk.SharedHistory = true
		candidates = append(candidates, rk)
	}

	if err := m.db.Run("storing bundled withheld notices", func() error {
		var infos []RoomKeyWithheldInfo
		for _, w := range bundle.Withheld {
			if w == nil || w.RoomID != data.RoomID || w.SessionID == "" {
				continue
			}
			if _, err := m.db.roomKeyBySession(w.RoomID, w.SessionID); err == nil {
				continue
			} else if !notFound(err) {
				return err
			}
			if err := m.db.upsertWithheld(&withheldRow{RoomID: string(w.RoomID), SessionID: w.SessionID, SenderKey: w.SenderKey, Code: string(w.Code), Reason: w.Reason}); err != nil {
				return err
			}
			infos = append(infos, RoomKeyWithheldInfo{RoomID: w.RoomID, SessionID: w.SessionID, SenderKey: w.SenderKey, Code: w.Code, Reason: w.Reason})
		}
		m.publishWithheld(infos)
		return nil
	}); err != nil {
		return nil, err
	}
	return m.importRoomKeys(ctx, "importing room key bundle", candidates, failures, progress)
}
