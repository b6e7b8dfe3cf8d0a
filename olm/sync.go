package olm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-e2ee/core"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
)

// ReceiveSyncChanges applies the encryption-relevant part of a sync and classifies every to-device
// event. The result has one entry per input event, in input order. A failing event never stops the
// rest of the batch.
func (m *Machine) ReceiveSyncChanges(ctx context.Context, changes *SyncChanges) ([]event.Processed, error) {
	closed := m.isClosed()
	if !closed {
		if err := m.runWithCore("receiving sync changes", func() error {
			if err := m.receiveDeviceLists(changes.ChangedDevices); err != nil {
				return err
			}
			return m.receiveKeyCounts(changes.OneTimeKeyCounts, changes.UnusedFallbackKeys)
		}); err != nil {
			return nil, err
		}
	}

	out := make([]event.Processed, 0, len(changes.ToDeviceEvents))
	for _, raw := range changes.ToDeviceEvents {
		var p event.Processed
		if closed {
			p = classifyWithoutMachine(raw)
		} else {
			p = m.processToDevice(ctx, raw)
		}
		m.metrics.ToDeviceProcessed(p.Kind().String())
		out = append(out, p)
	}
	return out, nil
}

func isObject(raw json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{"))
}

func parseToDevice(raw json.RawMessage) (*event.ToDevice, bool) {
	if !isObject(raw) {
		return nil, false
	}
	var ev event.ToDevice
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, false
	}
	if ev.Type == "" || ev.Sender == "" || !isObject(ev.Content) {
		return nil, false
	}
	return &ev, true
}

func classifyWithoutMachine(raw json.RawMessage) event.Processed {
	ev, ok := parseToDevice(raw)
	if !ok {
		return &event.Invalid{Raw: raw}
	}
	if ev.Type != event.TypeEncrypted {
		return &event.PlainText{Raw: raw}
	}
	return &event.UnableToDecrypt{Raw: raw, Reason: event.UTDMissingMachine}
}

func (m *Machine) processToDevice(ctx context.Context, raw json.RawMessage) event.Processed {
	ev, ok := parseToDevice(raw)
	if !ok {
		return &event.Invalid{Raw: raw}
	}
	if ev.Type != event.TypeEncrypted {
		if err := m.db.Run("receiving plaintext to-device event", func() error {
			return m.receivePlaintext(ev)
		}); err != nil {
			m.log.Warnf("applying %s from %s: %v", ev.Type, ev.Sender, err)
		}
		return &event.PlainText{Raw: raw}
	}

	var content event.OlmEncryptedContent
	if err := json.Unmarshal(ev.Content, &content); err != nil || content.SenderKey == "" {
		return &event.Invalid{Raw: raw}
	}
	if m.config.EncryptionDisabled {
		return &event.UnableToDecrypt{Raw: raw, Reason: event.UTDEncryptionDisabled}
	}

	var result event.Processed
	err := m.runWithCore("decrypting to-device event", func() error {
		var err error
		result, err = m.decryptToDevice(raw, ev, &content)
		return err
	})
	if err != nil {
		m.log.Warnf("side effects of %s from %s failed: %v", ev.Type, ev.Sender, err)
		if err := m.db.Run("saving core", m.saveCore); err != nil {
			m.log.Warnf("saving core: %v", err)
		}
		return &event.UnableToDecrypt{Raw: raw, Reason: event.UTDDecryptionFailure}
	}
	return result
}

type decryptedToDevice struct {
	sender    ids.UserID
	senderKey string
	device    *deviceRow
	trust     trust
	plaintext *event.OlmPlaintext
}

// decryptToDevice runs inside runWithCore. An error means the side effects failed and the
// transaction must roll back.
func (m *Machine) decryptToDevice(raw json.RawMessage, ev *event.ToDevice, content *event.OlmEncryptedContent) (event.Processed, error) {
	utd := func(reason event.UTDReason, format string, args ...interface{}) (event.Processed, error) {
		m.log.Debugf("unable to decrypt to-device event from %s: %s", ev.Sender, fmt.Sprintf(format, args...))
		return &event.UnableToDecrypt{Raw: raw, Reason: reason}, nil
	}
	if content.Algorithm != event.AlgorithmOlm {
		return utd(event.UTDDecryptionFailure, "unsupported algorithm %s", content.Algorithm)
	}
	keys := m.core.IdentityKeys()
	ct, ok := content.Ciphertext[keys.Curve25519]
	if !ok {
		return utd(event.UTDDecryptionFailure, "no ciphertext for our key")
	}
	pt, err := m.core.DecryptOlm(content.SenderKey, core.OlmMessage{Type: ct.Type, Body: ct.Body})
	if err != nil {
		return utd(event.UTDDecryptionFailure, "%v", err)
	}
	var plaintext event.OlmPlaintext
	if err := json.Unmarshal(pt, &plaintext); err != nil || plaintext.Type == "" || !isObject(plaintext.Content) {
		return utd(event.UTDDecryptionFailure, "malformed plaintext")
	}
	if plaintext.Sender != ev.Sender {
		return utd(event.UTDDecryptionFailure, "plaintext sender %s does not match %s", plaintext.Sender, ev.Sender)
	}
	if plaintext.Recipient != m.identity.UserID || plaintext.RecipientKeys[keyAlgorithmEd25519] != keys.Ed25519 {
		return utd(event.UTDDecryptionFailure, "not addressed to this device")
	}

	d, mismatched, err := m.senderDevice(ev.Sender, content.SenderKey)
	if err != nil {
		return nil, err
	}
	t, err := m.trustOf(d)
	if err != nil {
		return nil, err
	}
	if mismatched || (d != nil && plaintext.Keys[keyAlgorithmEd25519] != d.Ed25519) {
		t = trust{level: event.MismatchedSender}
		d = nil
	}
	if !m.config.TrustRequirement.Permits(t.level, t.legacy) {
		return utd(event.UTDUnverifiedSenderDevice, "sender is %s", t.level)
	}

	dec := &decryptedToDevice{sender: ev.Sender, senderKey: content.SenderKey, device: d, trust: t, plaintext: &plaintext}
	if err := m.receiveDecrypted(dec); err != nil {
		return nil, err
	}

	info := event.ToDeviceEncryptionInfo{
		Sender:              ev.Sender,
		SenderCurve25519Key: content.SenderKey,
		Verification:        t.level,
	}
	if d != nil {
		info.SenderDevice = ids.DeviceID(d.DeviceID)
	}
	return &event.Decrypted{
		Raw:            mustJSON(&event.ToDevice{Sender: ev.Sender, Type: plaintext.Type, Content: plaintext.Content}),
		EncryptionInfo: info,
	}, nil
}

func (m *Machine) receiveDecrypted(dec *decryptedToDevice) error {
	pt := dec.plaintext
	switch pt.Type {
	case event.TypeRoomKey:
		var c event.RoomKeyContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveRoomKey(dec, &c)
	case event.TypeForwardedRoomKey:
		var c event.ForwardedRoomKeyContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveForwardedRoomKey(dec, &c)
	case event.TypeRoomKeyWithheld:
		var c event.RoomKeyWithheldContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveWithheld(&c)
	case event.TypeSecretSend:
		var c event.SecretSendContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveSecret(dec, &c)
	case event.TypeSecretRequest:
		var c event.SecretRequestContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveSecretRequest(dec.sender, &c)
	case event.TypeRoomKeyRequest:
		var c event.RoomKeyRequestContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveRoomKeyRequest(dec.sender, &c)
	case event.TypeRoomKeyBundle:
		var c event.RoomKeyBundleContent
		if err := json.Unmarshal(pt.Content, &c); err != nil {
			return err
		}
		return m.receiveRoomKeyBundleData(dec, &c)
	default:
		return nil
	}
}

func (m *Machine) receivePlaintext(ev *event.ToDevice) error {
	switch ev.Type {
	case event.TypeRoomKeyWithheld:
		var c event.RoomKeyWithheldContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			return err
		}
		return m.receiveWithheld(&c)
	case event.TypeSecretRequest:
		var c event.SecretRequestContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			return err
		}
		return m.runWithCoreSaved(func() error { return m.receiveSecretRequest(ev.Sender, &c) })
	case event.TypeRoomKeyRequest:
		var c event.RoomKeyRequestContent
		if err := json.Unmarshal(ev.Content, &c); err != nil {
			return err
		}
		return m.runWithCoreSaved(func() error { return m.receiveRoomKeyRequest(ev.Sender, &c) })
	default:
		return nil
	}
}

// runWithCoreSaved runs fn in the current transaction and persists the core before it commits.
func (m *Machine) runWithCoreSaved(fn func() error) error {
	m.db.BeforeCommit(m.saveCore)
	return fn()
}
