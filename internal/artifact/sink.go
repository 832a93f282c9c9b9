// Package artifact collects side-channel outputs, such as charts, that tools produce during a turn. Artifacts are
// kept out of the conversation log and handed to the caller when the turn completes.
package artifact

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Artifact is a serializable output produced by a tool
type Artifact struct {
	TurnID    string          `json:"turnId"`
	Kind      string          `json:"kind"`
	Title     string          `json:"title,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Sink buffers artifacts per turn. It is safe for concurrent use
type Sink struct {
	mu      sync.Mutex
	buckets map[string][]Artifact
	// turns holds the state shared with the emitters of turns that have not been drained or discarded yet
	turns map[string]*turnState
}

// turnState is shared by every emitter bound to one turn. Once closed, emits through those emitters are dropped
type turnState struct {
	closed bool
}

func NewSink() *Sink {
	return &Sink{
		buckets: map[string][]Artifact{},
		turns:   map[string]*turnState{},
	}
}

// Emit appends an artifact to the bucket of the given turn
func (s *Sink) Emit(turnID string, a Artifact) {
	s.emit(turnID, nil, a)
}

func (s *Sink) emit(turnID string, state *turnState, a Artifact) bool {
	a.TurnID = turnID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state != nil && state.closed {
		return false
	}
	s.buckets[turnID] = append(s.buckets[turnID], a)
	return true
}

// Drain returns the artifacts emitted for the given turn, in emission order, and empties the bucket. Emitters bound
// to the turn stop accepting artifacts
func (s *Sink) Drain(turnID string) []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifacts := s.buckets[turnID]
	delete(s.buckets, turnID)
	s.closeLocked(turnID)
	return artifacts
}

// Discard empties the bucket of the given turn. Emitters bound to the turn stop accepting artifacts
func (s *Sink) Discard(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, turnID)
	s.closeLocked(turnID)
}

func (s *Sink) closeLocked(turnID string) {
	if state, ok := s.turns[turnID]; ok {
		state.closed = true
		delete(s.turns, turnID)
	}
}

// bind returns the open state of the given turn, creating it if needed
func (s *Sink) bind(turnID string) *turnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.turns[turnID]
	if !ok {
		state = &turnState{}
		s.turns[turnID] = state
	}
	return state
}

// Pending returns the number of artifacts waiting to be drained across all turns
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bucket := range s.buckets {
		n += len(bucket)
	}
	return n
}

// Emitter binds a sink to a single turn so that tool handlers can emit artifacts without knowing the turn
type Emitter struct {
	sink   *Sink
	turnID string
	state  *turnState
}

// Emit adds an artifact to the bound turn's bucket. It reports false, and drops the artifact, if the turn has already
// been drained or discarded, as happens when a handler outlives its call timeout
func (e Emitter) Emit(a Artifact) bool {
	return e.sink.emit(e.turnID, e.state, a)
}

type emitterKey struct{}

// WithEmitter returns a context carrying an emitter for the given sink and turn
func WithEmitter(ctx context.Context, sink *Sink, turnID string) context.Context {
	return context.WithValue(ctx, emitterKey{}, Emitter{sink: sink, turnID: turnID, state: sink.bind(turnID)})
}

// FromContext returns the emitter carried by ctx, if any
func FromContext(ctx context.Context) (Emitter, bool) {
	e, ok := ctx.Value(emitterKey{}).(Emitter)
	return e, ok && e.sink != nil
}
