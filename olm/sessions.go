package olm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

func dedupeUsers(users []ids.UserID) []ids.UserID {
	seen := map[ids.UserID]bool{}
	out := make([]ids.UserID, 0, len(users))
	for _, u := range users {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Machine) claimedDevices() map[ids.Identity]bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	out := map[ids.Identity]bool{}
	for _, devices := range m.claims {
		for _, d := range devices {
			out[d] = true
		}
	}
	return out
}

// GetMissingSessions enqueues a single one-time key claim for every device of users we cannot yet
// encrypt to, and returns it. It returns nil when no session is missing. Calls for overlapping users
// must not run concurrently.
func (m *Machine) GetMissingSessions(ctx context.Context, users []ids.UserID) (*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	var req *requests.OutgoingRequest
	err := m.db.Run("finding missing sessions", func() error {
		claimed := m.claimedDevices()
		p := &requests.KeysClaimRequest{TimeoutMs: m.config.KeyQueryTimeoutMs, OneTimeKeys: map[ids.UserID]map[ids.DeviceID]string{}}
		var devices []ids.Identity
		for _, u := range dedupeUsers(users) {
			rows, err := m.db.devices(u)
			if err != nil {
				return err
			}
			for _, d := range rows {
				id := ids.Identity{UserID: u, DeviceID: ids.DeviceID(d.DeviceID)}
				if d.Deleted || m.isOwnDevice(id.UserID, id.DeviceID) || claimed[id] || m.core.HasSession(d.Curve25519) {
					continue
				}
				if p.OneTimeKeys[u] == nil {
					p.OneTimeKeys[u] = map[ids.DeviceID]string{}
				}
				p.OneTimeKeys[u][id.DeviceID] = keyAlgorithmSignedOTK
				devices = append(devices, id)
			}
		}
		if len(devices) == 0 {
			return nil
		}
		req = requests.NewOutgoingRequest(p)
		m.db.AfterCommit(func() {
			m.lock.Lock()
			m.claims[req.TransactionID] = devices
			m.lock.Unlock()
			m.ledger.EnqueueRequest(req)
		})
		return nil
	})
	return req, err
}

func (m *Machine) applyKeysClaim(req *requests.OutgoingRequest, resp *requests.KeysClaimResponse) error {
	return m.runWithCore("creating olm sessions", func() error {
		for user, devices := range resp.OneTimeKeys {
			for deviceID, keys := range devices {
				d, err := m.db.device(user, deviceID)
				if notFound(err) {
					m.log.Warnf("claimed key for unknown device %s/%s", user, deviceID)
					continue
				} else if err != nil {
					return err
				}
				if m.core.HasSession(d.Curve25519) {
					continue
				}
				for id, key := range keys {
					sk := key
					if err := m.verifyDeviceSignature(user, deviceID, d.Ed25519, &sk, sk.Signatures); err != nil {
						m.log.Warnf("one-time key %s of %s/%s: %v", id, user, deviceID, err)
						continue
					}
					if err := m.core.CreateOutboundSession(d.Curve25519, sk.Key); err != nil {
						m.log.Warnf("creating session with %s/%s: %v", user, deviceID, err)
						continue
					}
					break
				}
			}
		}
		for server := range resp.Failures {
			m.log.Warnf("claiming keys from %s failed", server)
		}
		m.db.AfterCommit(func() {
			m.lock.Lock()
			delete(m.claims, req.TransactionID)
			m.lock.Unlock()
		})
		return nil
	})
}

// encryptForDevice wraps content in an olm message for d. It must run inside runWithCore.
func (m *Machine) encryptForDevice(d *deviceRow, eventType string, content interface{}) (json.RawMessage, error) {
	c, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	keys := m.core.IdentityKeys()
	pt, err := json.Marshal(&event.OlmPlaintext{
		Type:          eventType,
		Content:       c,
		Sender:        m.identity.UserID,
		SenderDevice:  m.identity.DeviceID,
		Recipient:     ids.UserID(d.UserID),
		RecipientKeys: map[string]string{keyAlgorithmEd25519: d.Ed25519},
		Keys:          map[string]string{keyAlgorithmEd25519: keys.Ed25519},
	})
	if err != nil {
		return nil, err
	}
	msg, err := m.core.EncryptOlm(d.Curve25519, pt)
	if err != nil {
		return nil, fmt.Errorf("olm: encrypting for %s/%s: %w", d.UserID, d.DeviceID, err)
	}
	return json.Marshal(&event.OlmEncryptedContent{
		Algorithm:  event.AlgorithmOlm,
		SenderKey:  keys.Curve25519,
		Ciphertext: map[string]event.OlmCiphertext{d.Curve25519: {Type: msg.Type, Body: msg.Body}},
	})
}

type deviceMessage struct {
	user    ids.UserID
	device  ids.DeviceID
	content json.RawMessage
}

// toDeviceRequests splits messages into requests of at most ToDeviceBatchSize messages each.
func (m *Machine) toDeviceRequests(eventType string, messages []deviceMessage) []*requests.OutgoingRequest {
	size := m.config.ToDeviceBatchSize
	if size <= 0 {
		size = len(messages)
	}
	var out []*requests.OutgoingRequest
	for start := 0; start < len(messages); start += size {
		end := start + size
		if end > len(messages) {
			end = len(messages)
		}
		p := &requests.ToDeviceRequest{EventType: eventType, Messages: map[ids.UserID]map[ids.DeviceID]json.RawMessage{}}
		for _, msg := range messages[start:end] {
			if p.Messages[msg.user] == nil {
				p.Messages[msg.user] = map[ids.DeviceID]json.RawMessage{}
			}
			p.Messages[msg.user][msg.device] = msg.content
		}
		out = append(out, requests.NewOutgoingRequest(p))
	}
	return out
}

// sendToDevice olm-encrypts one event to one device and enqueues it after commit.
func (m *Machine) sendToDevice(d *deviceRow, eventType string, content interface{}) error {
	enc, err := m.encryptForDevice(d, eventType, content)
	if err != nil {
		return err
	}
	for _, req := range m.toDeviceRequests(event.TypeEncrypted, []deviceMessage{{ids.UserID(d.UserID), ids.DeviceID(d.DeviceID), enc}}) {
		m.enqueue(req)
	}
	return nil
}

// sendToOwnDevices enqueues a plaintext event to every device of our own user.
func (m *Machine) sendToOwnDevices(eventType string, content interface{}) {
	p := &requests.ToDeviceRequest{
		EventType: eventType,
		Messages:  map[ids.UserID]map[ids.DeviceID]json.RawMessage{m.identity.UserID: {"*": mustJSON(content)}},
	}
	m.enqueue(requests.NewOutgoingRequest(p))
}
