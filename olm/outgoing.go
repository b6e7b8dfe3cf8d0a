package olm

import (
	"context"
	"fmt"

	"github.com/meow-io/go-e2ee/crypto"
	"github.com/meow-io/go-e2ee/event"
	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/requests"
)

// OutgoingRequests returns every request waiting to be sent. Key uploads and queries owed by the
// current state are enqueued first. Calling it again before acknowledging returns the same requests.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]*requests.OutgoingRequest, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	if err := m.runWithCore("preparing outgoing requests", func() error {
		if err := m.queueKeysUpload(); err != nil {
			return err
		}
		return m.queueKeyQuery()
	}); err != nil {
		return nil, err
	}
	return m.ledger.Drain(), nil
}

// MarkRequestAsSent hands the homeserver's response for a request back to the machine. A second
// acknowledgement of the same request is reported as requests.AckNotFound.
func (m *Machine) MarkRequestAsSent(ctx context.Context, txn ids.TransactionID, kind requests.Kind, body []byte) (requests.AckResult, error) {
	if m.isClosed() {
		return requests.AckNotFound, ErrClosed
	}
	return m.ledger.Acknowledge(txn, kind, body, m.applyResponse)
}

func (m *Machine) applyResponse(req *requests.OutgoingRequest, resp requests.Response) error {
	if err := m.applyResponseOf(req, resp); err != nil {
		return err
	}
	if !stored(req.Kind) {
		return nil
	}
	return m.db.Run("forgetting sent request", func() error {
		return m.db.deleteStoredRequest(req.TransactionID)
	})
}

func (m *Machine) applyResponseOf(req *requests.OutgoingRequest, resp requests.Response) error {
	switch r := resp.(type) {
	case *requests.KeysUploadResponse:
		return m.applyKeysUpload(req, r)
	case *requests.KeysQueryResponse:
		return m.applyKeysQuery(req, r)
	case *requests.KeysClaimResponse:
		return m.applyKeysClaim(req, r)
	case *requests.ToDeviceResponse:
		return nil
	case *requests.SignatureUploadResponse:
		for user, failures := range r.Failures {
			for key, reason := range failures {
				m.log.Warnf("signature upload for %s %s failed: %s", user, key, reason)
			}
		}
		return nil
	case *requests.RoomMessageResponse:
		m.log.Debugf("room message %s sent as %s", req.TransactionID, r.EventID)
		return nil
	case *requests.KeysBackupResponse:
		return m.applyKeysBackup(req, r)
	default:
		return fmt.Errorf("olm: unexpected response %T", resp)
	}
}

// queueKeysUpload enqueues an upload when our device keys were never published, the server runs low
// on one-time keys or a new fallback key is needed.
func (m *Machine) queueKeysUpload() error {
	if len(m.ledger.Pending(requests.KindKeysUpload)) > 0 {
		return nil
	}
	a, err := m.db.account()
	if err != nil {
		return err
	}
	max := m.core.MaxOneTimeKeys()
	lowOnKeys := a.OneTimeKeyCount < max/2
	if a.UploadedKeys && !lowOnKeys && !a.NeedsFallback {
		return nil
	}

	p := &requests.KeysUploadRequest{}
	if !a.UploadedKeys {
		p.DeviceKeys = m.signedDeviceKeys()
	}
	if lowOnKeys {
		want := max - a.OneTimeKeyCount - len(m.core.UnpublishedOneTimeKeys())
		if want > 0 {
			if err := m.core.GenerateOneTimeKeys(want); err != nil {
				return fmt.Errorf("olm: generating one-time keys: %w", err)
			}
		}
	}
	if a.NeedsFallback && len(m.core.UnpublishedFallbackKey()) == 0 {
		if err := m.core.GenerateFallbackKey(); err != nil {
			return fmt.Errorf("olm: generating fallback key: %w", err)
		}
	}
	if otks := m.core.UnpublishedOneTimeKeys(); len(otks) > 0 {
		p.OneTimeKeys = map[string]requests.SignedKey{}
		for id, key := range otks {
			p.OneTimeKeys[keyID(keyAlgorithmSignedOTK, id)] = m.signedKey(key, false)
		}
	}
	if fallback := m.core.UnpublishedFallbackKey(); len(fallback) > 0 {
		p.FallbackKeys = map[string]requests.SignedKey{}
		for id, key := range fallback {
			p.FallbackKeys[keyID(keyAlgorithmSignedOTK, id)] = m.signedKey(key, true)
		}
	}
	if p.DeviceKeys == nil && len(p.OneTimeKeys) == 0 && len(p.FallbackKeys) == 0 {
		return nil
	}
	m.enqueue(requests.NewOutgoingRequest(p))
	return nil
}

func (m *Machine) signedKey(key string, fallback bool) requests.SignedKey {
	sk := requests.SignedKey{Key: key, Fallback: fallback}
	msg, err := crypto.CanonicalJSON(&sk)
	if err != nil {
		panic(fmt.Sprintf("olm: encoding signed key: %v", err))
	}
	sk.Signatures = requests.Signatures{
		m.identity.UserID: {keyID(keyAlgorithmEd25519, string(m.identity.DeviceID)): m.core.Sign(msg)},
	}
	return sk
}

func (m *Machine) deviceKeys() *requests.DeviceKeys {
	keys := m.core.IdentityKeys()
	return &requests.DeviceKeys{
		UserID:     m.identity.UserID,
		DeviceID:   m.identity.DeviceID,
		Algorithms: []string{event.AlgorithmOlm, event.AlgorithmMegolm},
		Keys: map[string]string{
			keyID(keyAlgorithmCurve25519, string(m.identity.DeviceID)): keys.Curve25519,
			keyID(keyAlgorithmEd25519, string(m.identity.DeviceID)):    keys.Ed25519,
		},
	}
}

func (m *Machine) signedDeviceKeys() *requests.DeviceKeys {
	dk := m.deviceKeys()
	msg, err := crypto.CanonicalJSON(dk)
	if err != nil {
		panic(fmt.Sprintf("olm: encoding device keys: %v", err))
	}
	dk.Signatures = requests.Signatures{
		m.identity.UserID: {keyID(keyAlgorithmEd25519, string(m.identity.DeviceID)): m.core.Sign(msg)},
	}
	return dk
}

func (m *Machine) applyKeysUpload(req *requests.OutgoingRequest, resp *requests.KeysUploadResponse) error {
	p, ok := req.Payload.(*requests.KeysUploadRequest)
	if !ok {
		return fmt.Errorf("olm: unexpected payload %T for keys upload", req.Payload)
	}
	return m.runWithCore("applying keys upload", func() error {
		a, err := m.db.account()
		if err != nil {
			return err
		}
		m.core.MarkKeysAsPublished()
		needsFallback := a.NeedsFallback && len(p.FallbackKeys) == 0
		return m.db.updateKeyCounts(a.UploadedKeys || p.DeviceKeys != nil, resp.OneTimeKeyCounts[keyAlgorithmSignedOTK], needsFallback)
	})
}

// receiveKeyCounts records the key counts of a sync and enqueues an upload if they run low.
func (m *Machine) receiveKeyCounts(counts map[string]int, unusedFallback []string) error {
	a, err := m.db.account()
	if err != nil {
		return err
	}
	count := a.OneTimeKeyCount
	if counts != nil {
		count = counts[keyAlgorithmSignedOTK]
	}
	needsFallback := a.NeedsFallback
	if unusedFallback != nil {
		needsFallback = true
		for _, alg := range unusedFallback {
			if alg == keyAlgorithmSignedOTK {
				needsFallback = false
			}
		}
	}
	if err := m.db.updateKeyCounts(a.UploadedKeys, count, needsFallback); err != nil {
		return err
	}
	if count < m.core.MaxOneTimeKeys()/2 || needsFallback {
		return m.queueKeysUpload()
	}
	return nil
}
