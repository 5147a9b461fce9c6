package app

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"notification_scheduler/internal/domain/agentstatus"
)

type agentRef struct {
	workspaceID int64
	agentID     int64
}

// BoardEntry is the live state of one agent.
type BoardEntry struct {
	WorkspaceID int64
	AgentID     int64
	State       agentstatus.State
	Since       time.Time
}

// StatusBoard is an immutable point-in-time view of every agent's state. Agents that are
// absent are Disconnected.
type StatusBoard struct {
	entries map[agentRef]BoardEntry
}

var emptyBoard = &StatusBoard{entries: map[agentRef]BoardEntry{}}

func (b *StatusBoard) State(workspaceID, agentID int64) agentstatus.State {
	if e, ok := b.entries[agentRef{workspaceID, agentID}]; ok {
		return e.State
	}
	return agentstatus.StateDisconnected
}

// Connected lists the Connected agent ids of a workspace in ascending order.
func (b *StatusBoard) Connected(workspaceID int64) []int64 {
	out := make([]int64, 0)
	for k, e := range b.entries {
		if k.workspaceID == workspaceID && e.State == agentstatus.StateConnected {
			out = append(out, k.agentID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries lists the non-disconnected agents of a workspace, or of all workspaces for 0.
func (b *StatusBoard) Entries(workspaceID int64) []BoardEntry {
	out := make([]BoardEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if workspaceID == 0 || e.WorkspaceID == workspaceID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkspaceID != out[j].WorkspaceID {
			return out[i].WorkspaceID < out[j].WorkspaceID
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// boardPublisher owns the current board. Readers Load without locking; writers copy.
type boardPublisher struct {
	mu  sync.Mutex
	cur atomic.Pointer[StatusBoard]
}

func (p *boardPublisher) load() *StatusBoard {
	if b := p.cur.Load(); b != nil {
		return b
	}
	return emptyBoard
}

func (p *boardPublisher) set(e BoardEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.load()
	next := make(map[agentRef]BoardEntry, len(old.entries)+1)
	for k, v := range old.entries {
		next[k] = v
	}
	k := agentRef{e.WorkspaceID, e.AgentID}
	if e.State == agentstatus.StateDisconnected {
		delete(next, k)
	} else {
		next[k] = e
	}
	p.cur.Store(&StatusBoard{entries: next})
}

func (p *boardPublisher) replace(entries []BoardEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[agentRef]BoardEntry, len(entries))
	for _, e := range entries {
		if e.State != agentstatus.StateDisconnected {
			next[agentRef{e.WorkspaceID, e.AgentID}] = e
		}
	}
	p.cur.Store(&StatusBoard{entries: next})
}

// keyedMutex serialises work per agent without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[agentRef]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[agentRef]*refMutex)}
}

// Lock blocks until key is held and returns the unlock func.
func (k *keyedMutex) Lock(key agentRef) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
