package requests

import (
	"fmt"
	"sync"

	"github.com/meow-io/go-e2ee/ids"
	"github.com/meow-io/go-e2ee/metrics"
	"go.uber.org/zap"
)

type OutgoingRequest struct {
	TransactionID ids.TransactionID
	Kind          Kind
	Payload       Payload
}

type AckResult int

const (
	AckApplied AckResult = iota
	AckNotFound
)

func (r AckResult) String() string {
	switch r {
	case AckApplied:
		return "applied"
	case AckNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type RequestTypeMismatchError struct {
	TransactionID ids.TransactionID
	Expected      Kind
	Got           Kind
}

func (e *RequestTypeMismatchError) Error() string {
	return fmt.Sprintf("requests: %s is a %s request, acknowledged as %s", e.TransactionID, e.Expected, e.Got)
}

type ResponseDecodeError struct {
	TransactionID ids.TransactionID
	Kind          Kind
	Err           error
}

func (e *ResponseDecodeError) Error() string {
	return fmt.Sprintf("requests: decoding %s response for %s: %v", e.Kind, e.TransactionID, e.Err)
}

func (e *ResponseDecodeError) Unwrap() error {
	return e.Err
}

// ApplyFunc applies the side effects of a decoded response. The entry stays in the ledger if it fails.
type ApplyFunc func(req *OutgoingRequest, resp Response) error

// Ledger holds outgoing requests from enqueue until they are acknowledged with a usable response.
type Ledger struct {
	lock     sync.Mutex
	log      *zap.SugaredLogger
	metrics  *metrics.Collector
	entries  map[ids.TransactionID]*OutgoingRequest
	order    []ids.TransactionID
	applying map[ids.TransactionID]bool
}

func NewLedger(log *zap.SugaredLogger, m *metrics.Collector) *Ledger {
	return &Ledger{
		log:      log,
		metrics:  m,
		entries:  map[ids.TransactionID]*OutgoingRequest{},
		applying: map[ids.TransactionID]bool{},
	}
}

// NewOutgoingRequest allocates a transaction id for p without enqueueing it.
func NewOutgoingRequest(p Payload) *OutgoingRequest {
	return &OutgoingRequest{TransactionID: ids.NewTransactionID(), Kind: p.Kind(), Payload: p}
}

func (l *Ledger) Enqueue(p Payload) *OutgoingRequest {
	req := NewOutgoingRequest(p)
	l.EnqueueRequest(req)
	return req
}

// EnqueueRequest adds a request built with NewOutgoingRequest. Enqueueing the same id twice is a no-op.
func (l *Ledger) EnqueueRequest(req *OutgoingRequest) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.entries[req.TransactionID]; ok {
		return
	}
	l.entries[req.TransactionID] = req
	l.order = append(l.order, req.TransactionID)
	l.gauge(req.Kind)
}

// Drain returns every pending request in enqueue order. It does not remove anything.
func (l *Ledger) Drain() []*OutgoingRequest {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]*OutgoingRequest, 0, len(l.order))
	for _, txn := range l.order {
		out = append(out, l.entries[txn])
	}
	return out
}

func (l *Ledger) Get(txn ids.TransactionID) (*OutgoingRequest, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	req, ok := l.entries[txn]
	return req, ok
}

func (l *Ledger) Pending(kind Kind) []*OutgoingRequest {
	l.lock.Lock()
	defer l.lock.Unlock()

	var out []*OutgoingRequest
	for _, txn := range l.order {
		if req := l.entries[txn]; req.Kind == kind {
			out = append(out, req)
		}
	}
	return out
}

func (l *Ledger) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.entries)
}

// Remove discards a pending request without applying any response.
func (l *Ledger) Remove(txn ids.TransactionID) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.removeNoLock(txn)
}

func (l *Ledger) removeNoLock(txn ids.TransactionID) bool {
	req, ok := l.entries[txn]
	if !ok {
		return false
	}
	delete(l.entries, txn)
	for i, t := range l.order {
		if t == txn {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.gauge(req.Kind)
	return true
}

func (l *Ledger) gauge(kind Kind) {
	if l.metrics == nil {
		return
	}
	n := 0
	for _, req := range l.entries {
		if req.Kind == kind {
			n++
		}
	}
	l.metrics.PendingRequests(kind.String(), n)
}

// Acknowledge correlates a response with its pending request. Unknown or already acknowledged ids
// report AckNotFound without error.
func (l *Ledger) Acknowledge(txn ids.TransactionID, kind Kind, body []byte, apply ApplyFunc) (AckResult, error) {
	l.lock.Lock()
	req, ok := l.entries[txn]
	if !ok || l.applying[txn] {
		l.lock.Unlock()
		l.log.Warnf("acknowledgement for unknown request %s (%s)", txn, kind)
		l.count(kind, AckNotFound.String())
		return AckNotFound, nil
	}
	if req.Kind != kind {
		l.lock.Unlock()
		l.count(kind, "type_mismatch")
		return AckNotFound, &RequestTypeMismatchError{TransactionID: txn, Expected: req.Kind, Got: kind}
	}
	l.applying[txn] = true
	l.lock.Unlock()

	err := l.apply(req, body, apply)

	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.applying, txn)
	if err != nil {
		l.count(kind, "failed")
		return AckNotFound, err
	}
	l.removeNoLock(txn)
	l.count(kind, AckApplied.String())
	return AckApplied, nil
}

func (l *Ledger) apply(req *OutgoingRequest, body []byte, apply ApplyFunc) error {
	resp, err := DecodeResponse(req.Kind, body)
	if err != nil {
		return &ResponseDecodeError{TransactionID: req.TransactionID, Kind: req.Kind, Err: err}
	}
	if apply == nil {
		return nil
	}
	return apply(req, resp)
}

func (l *Ledger) count(kind Kind, result string) {
	if l.metrics != nil {
		l.metrics.Acknowledged(kind.String(), result)
	}
}
