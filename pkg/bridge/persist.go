package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carelinehq/careline/pkg/store"
)

// TranscriptStore is the slice of the store the session mutates during a
// live call.
type TranscriptStore interface {
	StartCall(ctx context.Context, callID int64, streamSID string) error
	AppendFragment(ctx context.Context, callID int64, role, text string) error
	FinishCall(ctx context.Context, callID int64) (*store.Call, error)
}

const (
	opStart = iota
	opFragment
)

type persistOp struct {
	kind      int
	streamSID string
	role      string
	text      string
}

// persister serializes store writes for one call on a single worker, so
// fragments land in arrival order while the relay loops never wait on the
// database. A full queue drops the op rather than stalling audio.
type persister struct {
	store     TranscriptStore
	callID    int64
	ops       chan persistOp
	opsMu     sync.RWMutex
	done      chan struct{}
	closed    atomic.Bool
	dropped   atomic.Int64
	opTimeout time.Duration
	log       *slog.Logger
}

func newPersister(ts TranscriptStore, callID int64, queueSize int, opTimeout time.Duration, log *slog.Logger) *persister {
	if queueSize <= 0 {
		queueSize = 256
	}
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	p := &persister{
		store:     ts,
		callID:    callID,
		ops:       make(chan persistOp, queueSize),
		done:      make(chan struct{}),
		opTimeout: opTimeout,
		log:       log,
	}
	go p.run()
	return p
}

func (p *persister) run() {
	defer close(p.done)
	for op := range p.ops {
		ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
		var err error
		switch op.kind {
		case opStart:
			err = p.store.StartCall(ctx, p.callID, op.streamSID)
		case opFragment:
			err = p.store.AppendFragment(ctx, p.callID, op.role, op.text)
		}
		cancel()
		if err != nil {
			p.log.Warn("persist_op_failed", "call_id", p.callID, "error", err.Error())
		}
	}
}

// Start records the stream start. Ordered ahead of any fragment because both
// go through the same queue.
func (p *persister) Start(streamSID string) {
	p.enqueue(persistOp{kind: opStart, streamSID: streamSID})
}

// Fragment queues one transcript append.
func (p *persister) Fragment(role, text string) {
	p.enqueue(persistOp{kind: opFragment, role: role, text: text})
}

// enqueue holds the read lock for the whole push so Close cannot close the
// channel out from under a concurrent producer.
func (p *persister) enqueue(op persistOp) {
	p.opsMu.RLock()
	defer p.opsMu.RUnlock()
	if p.closed.Load() {
		return
	}
	select {
	case p.ops <- op:
	default:
		p.dropped.Add(1)
		p.log.Warn("persist_queue_full", "call_id", p.callID)
	}
}

// Dropped reports ops discarded on a full queue.
func (p *persister) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops intake and waits up to drainTimeout for queued ops to land.
// Safe to call more than once. Returns false if the worker was abandoned
// mid-drain.
func (p *persister) Close(drainTimeout time.Duration) bool {
	if p.closed.CompareAndSwap(false, true) {
		p.opsMu.Lock()
		close(p.ops)
		p.opsMu.Unlock()
	}
	select {
	case <-p.done:
		return true
	case <-time.After(drainTimeout):
		p.log.Warn("persist_drain_timeout", "call_id", p.callID)
		return false
	}
}
