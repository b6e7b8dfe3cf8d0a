package olm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
)

var expectedSecrets = []string{
	SecretCrossSigningMaster,
	SecretCrossSigningSelfSigning,
	SecretCrossSigningUserSigning,
	SecretBackupKey,
}

func isCrossSigningSecret(name string) bool {
	switch name {
	case SecretCrossSigningMaster, SecretCrossSigningSelfSigning, SecretCrossSigningUserSigning:
		return true
	}
	return false
}

// publicCrossSigningKey returns the published public key a cross-signing secret must match.
func publicCrossSigningKey(i *identityRow, name string) string {
	switch name {
	case SecretCrossSigningMaster:
		return i.Master
	case SecretCrossSigningSelfSigning:
		return i.SelfSigning
	case SecretCrossSigningUserSigning:
		return i.UserSigning
	}
	return ""
}

// receiveSecret accepts a secret we asked for from one of our own verified devices.
func (m *Machine) receiveSecret(dec *decryptedToDevice, c *event.SecretSendContent) error {
	if dec.sender != m.identity.UserID || dec.device == nil || dec.trust.level != event.Verified {
		m.log.Warnf("rejecting secret from %s", dec.sender)
		return nil
	}
	name, err := m.db.secretRequestName(c.RequestID)
	if notFound(err) {
		m.log.Warnf("rejecting unrequested secret %s", c.RequestID)
		return nil
	} else if err != nil {
		return err
	}

	if isCrossSigningSecret(name) {
		i, err := m.identityOrNil(m.identity.UserID)
		if err != nil {
			return err
		}
		pub, err := publicKeyFromSeed(c.Secret)
		if i == nil || err != nil || pub != publicCrossSigningKey(i, name) {
			m.log.Warnf("received %s does not match our public cross-signing key", name)
			return nil
		}
		if err := m.db.upsertSecret(name, c.Secret); err != nil {
			return err
		}
		return m.db.deleteSecretRequests(name)
	}

	now := m.clock.CurrentTimeMs()
	if err := m.db.insertInboxEntry(&inboxEntry{
		Name:         name,
		Value:        c.Secret,
		SenderUser:   string(dec.sender),
		SenderDevice: dec.device.DeviceID,
		ReceivedMs:   now,
	}); err != nil {
		return err
	}
	if err := m.db.deleteSecretRequests(name); err != nil {
		return err
	}
	secret := GossippedSecret{
		Name:         name,
		Value:        c.Secret,
		SenderUser:   dec.sender,
		SenderDevice: ids.DeviceID(dec.device.DeviceID),
		ReceivedAt:   time.UnixMilli(int64(now)),
	}
	m.db.AfterCommit(func() {
		m.secretFeed.Publish(secret)
	})
	return nil
}

// receiveSecretRequest answers one of our verified devices with a secret we hold. It runs with the
// core persisted on commit.
func (m *Machine) receiveSecretRequest(sender ids.UserID, c *event.SecretRequestContent) error {
	if c.Action != event.ActionRequest || c.Name == "" {
		return nil
	}
	if !m.RoomKeyForwardingEnabled() {
		return nil
	}
	d, err := m.ownVerifiedDevice(sender, c.RequestingDeviceID)
	if err != nil {
		return err
	} else if d == nil {
		m.log.Debugf("ignoring secret request from %s/%s", sender, c.RequestingDeviceID)
		return nil
	}
	value, err := m.db.secret(c.Name)
	if err != nil || value == "" {
		return err
	}
	if !m.core.HasSession(d.Curve25519) {
		m.log.Debugf("no session to send %s to %s", c.Name, c.RequestingDeviceID)
		return nil
	}
	return m.sendToDevice(d, event.TypeSecretSend, &event.SecretSendContent{RequestID: c.RequestID, Secret: value})
}

// GetSecretsFromInbox returns the gossiped values of a secret in arrival order.
func (m *Machine) GetSecretsFromInbox(name string) ([]string, error) {
	var out []string
	err := m.db.RunReadOnly("reading secret inbox", func() error {
		entries, err := m.db.inbox(name)
		if err != nil {
			return err
		}
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return nil
	})
	return out, err
}

func (m *Machine) DeleteSecretsFromInbox(name string) error {
	return m.db.Run("clearing secret inbox", func() error {
		return m.db.deleteInbox(name)
	})
}

// RequestMissingSecretsIfNeeded asks our other devices for every expected secret we neither hold nor
// already requested. It reports whether any request was sent.
func (m *Machine) RequestMissingSecretsIfNeeded(ctx context.Context) (bool, error) {
	if m.isClosed() {
		return false, ErrClosed
	}
	sent := false
	err := m.db.Run("requesting missing secrets", func() error {
		for _, name := range expectedSecrets {
			value, err := m.db.secret(name)
			if err != nil {
				return err
			}
			if value != "" {
				continue
			}
			pending, err := m.db.hasSecretRequest(name)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			requestID := uuid.NewString()
			if err := m.db.insertSecretRequest(requestID, name); err != nil {
				return err
			}
			m.sendToOwnDevices(event.TypeSecretRequest, &event.SecretRequestContent{
				Name:               name,
				Action:             event.ActionRequest,
				RequestID:          requestID,
				RequestingDeviceID: m.identity.DeviceID,
			})
			sent = true
		}
		return nil
	})
	return sent, err
}
