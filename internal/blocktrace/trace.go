// Package blocktrace records a deterministic, replayable log of block-level
// scheduling decisions: the canonical "what happened" independent of
// execution timing or goroutine interleaving.
package blocktrace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// EventKind is the stable, canonical discriminator for Event. These values
// are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventAcquired EventKind = "Acquired"
	EventSkipped  EventKind = "Skipped"
	EventRetried  EventKind = "Retried"
	EventSucceeded EventKind = "Succeeded"
	EventFailed   EventKind = "Failed"
	EventOrphaned EventKind = "Orphaned"
)

func kindOrder(k EventKind) int {
	switch k {
	case EventAcquired:
		return 10
	case EventSkipped:
		return 20
	case EventRetried:
		return 30
	case EventSucceeded:
		return 40
	case EventFailed:
		return 50
	case EventOrphaned:
		return 60
	default:
		return 1000
	}
}

// Event is a single logical transition for one block.
//
// Determinism constraints: no timestamps, no error strings, nothing derived
// from pointer identity or map iteration.
type Event struct {
	Kind    EventKind
	TaskID  int
	BlockID int
}

// Trace is the canonical, ordered record of a pipeline run.
type Trace struct {
	PipelineHash string
	Events       []Event
}

// Validate checks basic invariants.
func (t *Trace) Validate() error {
	if t == nil {
		return errors.New("blocktrace: trace is nil")
	}
	if t.PipelineHash == "" {
		return errors.New("blocktrace: pipelineHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("blocktrace: events[%d].kind is required", i)
		}
	}
	return nil
}

// Canonicalize sorts Events into a total order independent of recording
// order: by (taskID, blockID, kind).
func (t *Trace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if a.BlockID != b.BlockID {
			return a.BlockID < b.BlockID
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
}

// CanonicalJSON returns the canonical JSON encoding of a canonicalized copy
// of the trace, without mutating the receiver.
func (t Trace) CanonicalJSON() ([]byte, error) {
	cp := Trace{PipelineHash: t.PipelineHash, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the deterministic sha256 hex digest of the canonical JSON
// encoding.
func (t Trace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalJSON fixes field order.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t.PipelineHash == "" {
		return nil, errors.New("blocktrace: pipelineHash is required")
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	buf.WriteString(`"pipelineHash":`)
	ph, _ := json.Marshal(t.PipelineHash)
	buf.Write(ph)
	buf.WriteString(`,"events":[`)
	for i, e := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// Sink is the minimal interface the distributor depends on. Record must
// never panic or block.
type Sink interface {
	Record(event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(Event) {}

// Recorder is a concurrency-safe in-memory Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Record appends event. Safe for concurrent use.
func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Trace builds a Trace from every event recorded so far, canonicalized.
func (r *Recorder) Trace(pipelineHash string) Trace {
	r.mu.Lock()
	events := make([]Event, len(r.events))
	copy(events, r.events)
	r.mu.Unlock()

	tr := Trace{PipelineHash: pipelineHash, Events: events}
	tr.Canonicalize()
	return tr
}
