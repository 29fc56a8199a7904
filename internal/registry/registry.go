// Package registry implements the Sandbox Registry (spec §4.G): an
// in-memory, process-lifetime state machine keyed by sandbox id, with a
// per-id async mutex serializing state-changing operations and a shared
// read lock for execs.
//
// The transition-table technique and Subscribe broadcast are grounded on
// the teacher's agents/core.AgentFSM, generalized from the teacher's
// build-specific states/events to spec §4.G's
// Created/Running/Stopped/Deleted/Failed states and
// create/start/exec/stop/delete/error events.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one of the five Sandbox lifecycle states (spec §4.G).
type State string

const (
	Created State = "created"
	Running State = "running"
	Stopped State = "stopped"
	Deleted State = "deleted"
	Failed  State = "failed"
)

// Event is one of the six transition triggers (spec §4.G).
type Event string

const (
	EventCreate Event = "create"
	EventStart  Event = "start"
	EventExec   Event = "exec"
	EventStop   Event = "stop"
	EventDelete Event = "delete"
	EventError  Event = "error"
)

type transition struct {
	From  State
	Event Event
	To    State
}

// table is the canonical transition table from spec §4.G's chart. Every
// non-terminal state additionally transitions to Failed on EventError,
// appended programmatically below rather than repeated per-row.
var table = []transition{
	{Created, EventStart, Running},
	{Stopped, EventStart, Running},
	{Running, EventExec, Running},
	{Running, EventStop, Stopped},
	{Created, EventDelete, Deleted},
	{Stopped, EventDelete, Deleted},
}

func init() {
	for _, s := range []State{Created, Running, Stopped} {
		table = append(table, transition{s, EventError, Failed})
	}
}

// Transition is published to subscribers by Create, Transition and
// ReconcileRunning; Seed and Remove publish nothing. This keeps the
// teacher's Subscribe(chan StateTransition) mechanism. The Facade does not
// subscribe: it emits audit events itself after each operation.
type Transition struct {
	ID         string
	SandboxID  string
	FromState  State
	ToState    State
	Event      Event
	Reason     string
	OccurredAt time.Time
}

// entry is one sandbox's FSM slot. Its own RWMutex is the "per-id async
// mutex" spec §4.G requires: state-changing operations take it exclusively,
// exec takes it shared.
type entry struct {
	mu    sync.RWMutex
	state State
}

// Registry holds the live, in-memory view of every known sandbox.
type Registry struct {
	mu      sync.Mutex // guards entries and subscribers, not individual entry state
	entries map[string]*entry
	subs    []chan Transition
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Subscribe returns a channel receiving every Transition. Slow subscribers
// drop transitions rather than blocking the registry.
func (r *Registry) Subscribe(buffer int) chan Transition {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Transition, buffer)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) Unsubscribe(ch chan Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub == ch {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (r *Registry) publish(t Transition) {
	r.mu.Lock()
	subs := r.subs
	r.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// Create registers a brand-new sandbox id in the Created state. Fails if
// the id is already registered.
func (r *Registry) Create(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("sandbox %s already registered", id)
	}
	r.entries[id] = &entry{state: Created}
	r.publishLocked(Transition{
		ID: uuid.NewString(), SandboxID: id, FromState: "", ToState: Created,
		Event: EventCreate, OccurredAt: time.Now(),
	})
	return nil
}

// publishLocked is publish() without re-taking r.mu; only safe to call
// while r.mu is already held by the caller.
func (r *Registry) publishLocked(t Transition) {
	subs := r.subs
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// Get returns the current state of id.
func (r *Registry) Get(id string) (State, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, true
}

// Transition applies event to id's state machine under an exclusive lock,
// per spec §4.G ("a per-id async mutex serializes state-changing
// operations"). reason is attached to the emitted Transition (e.g.
// "host_restart" for reconciliation-driven stops).
func (r *Registry) Transition(id string, event Event, reason string) (State, error) {
	e := r.lookup(id)
	if e == nil {
		return "", fmt.Errorf("sandbox %s not registered", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	to, ok := lookupTransition(from, event)
	if !ok {
		return from, fmt.Errorf("invalid transition: state=%s event=%s", from, event)
	}

	e.state = to
	r.publish(Transition{
		ID: uuid.NewString(), SandboxID: id, FromState: from, ToState: to,
		Event: event, Reason: reason, OccurredAt: time.Now(),
	})
	return to, nil
}

// BeginExec takes a shared read lock on id's entry and asserts it is
// Running, per spec §4.E.1 and §4.G ("exec takes a shared read on the same
// lock"). The caller MUST call the returned release function exactly once.
func (r *Registry) BeginExec(id string) (release func(), err error) {
	e := r.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("sandbox %s not registered", id)
	}
	e.mu.RLock()
	if e.state != Running {
		e.mu.RUnlock()
		return nil, fmt.Errorf("sandbox %s is not running (state=%s)", id, e.state)
	}
	return func() { e.mu.RUnlock() }, nil
}

// Remove deletes id from the in-memory registry. Per spec §4.G, Deleted is
// a tombstone only for the registry; persistent removal is the Metadata
// Store's job.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

func lookupTransition(from State, event Event) (State, bool) {
	for _, t := range table {
		if t.From == from && t.Event == event {
			return t.To, true
		}
	}
	return "", false
}

// Seed registers id directly in state (bypassing the transition table),
// used only by startup reconciliation (spec §4.G.4) to hydrate the
// registry from durable records without replaying history.
func (r *Registry) Seed(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{state: state}
}

// ReconcileRunning downgrades id from Running to Stopped, recording
// reason=host_restart, per spec §4.G.4 ("any sandbox found in Running is
// downgraded to Stopped ... no children survived the restart"). Intended
// to run once per seeded Running entry at startup, before any caller can
// observe it.
func (r *Registry) ReconcileRunning(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	from := e.state
	if from == Running {
		e.state = Stopped
	}
	to := e.state
	e.mu.Unlock()
	if from == Running {
		r.publish(Transition{
			ID: uuid.NewString(), SandboxID: id, FromState: from, ToState: to,
			Event: EventStop, Reason: "host_restart", OccurredAt: time.Now(),
		})
	}
}
