package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================
// CALL SESSION TRACKING
// ============================================

// State is one step of the per-call lifecycle
type State int

const (
	StateInit State = iota
	StateConnected
	StateSessionEstablished
	StateGreetingSent
	StateActive
	StateClosing
	StateClosed
)

// String returns the lifecycle state name
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateSessionEstablished:
		return "session_established"
	case StateGreetingSent:
		return "greeting_sent"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallSession is the in-memory state of one bridged call
type CallSession struct {
	ID        uuid.UUID
	StartedAt time.Time

	mu        sync.Mutex
	streamSID string
	callSID   string
	state     State
	recordID  uuid.UUID
	hasRecord bool

	bargeIn BargeIn
	commits *CommitScheduler
}

// SetRecordID links the session to its persisted call record
func (cs *CallSession) SetRecordID(id uuid.UUID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.recordID = id
	cs.hasRecord = true
}

// RecordID returns the persisted call record ID, if one was linked
func (cs *CallSession) RecordID() (uuid.UUID, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.recordID, cs.hasRecord
}

// SetIdentifiers records the stream and call identifiers from the start event
func (cs *CallSession) SetIdentifiers(streamSID, callSID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.streamSID = streamSID
	cs.callSID = callSID
}

// StreamSID returns the captured stream identifier, empty before start
func (cs *CallSession) StreamSID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.streamSID
}

// CallSID returns the captured call identifier, empty before start
func (cs *CallSession) CallSID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.callSID
}

// SetState moves the session to a new lifecycle state
func (cs *CallSession) SetState(s State) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.state = s
}

// State returns the current lifecycle state
func (cs *CallSession) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// SessionStatus is the JSON shape served by the status endpoint
type SessionStatus struct {
	ID        uuid.UUID `json:"id"`
	StreamSID string    `json:"stream_sid"`
	CallSID   string    `json:"call_sid"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

// Status snapshots the session for the status endpoint
func (cs *CallSession) Status() SessionStatus {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return SessionStatus{
		ID:        cs.ID,
		StreamSID: cs.streamSID,
		CallSID:   cs.callSID,
		State:     cs.state.String(),
		StartedAt: cs.StartedAt,
	}
}

// Registry tracks live call sessions. Sessions are added when a call starts
// and removed explicitly on teardown; there is no background reaper.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*CallSession
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*CallSession)}
}

// Add inserts a session
func (r *Registry) Add(cs *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[cs.ID] = cs
}

// Remove deletes a session and reports whether it was present
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

// Get returns the session with the given ID, or nil
func (r *Registry) Get(id uuid.UUID) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List snapshots all live sessions
func (r *Registry) List() []SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionStatus, 0, len(r.sessions))
	for _, cs := range r.sessions {
		out = append(out, cs.Status())
	}
	return out
}
