package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrOutsideHandlerScope is the panic value raised when agent state is mutated
// while no handler of the owning agent is executing. It marks a programming
// error and is never converted into a step failure.
var ErrOutsideHandlerScope = errors.New("agent: state mutated outside handler scope")

type scopeKey struct{}

type scope struct {
	agentID string
	active  atomic.Bool
}

func enterScope(ctx context.Context, agentID string) (context.Context, *scope) {
	s := &scope{agentID: agentID}
	s.active.Store(true)

	return context.WithValue(ctx, scopeKey{}, s), s
}

func (s *scope) close() { s.active.Store(false) }

// InScope reports whether ctx belongs to a currently executing handler of agentID.
func InScope(ctx context.Context, agentID string) bool {
	s, ok := ctx.Value(scopeKey{}).(*scope)
	return ok && s.agentID == agentID && s.active.Load()
}

// State is a single-writer cell owned by one agent. Reads are always allowed;
// writes require the owner's handler scope.
type State[S any] struct {
	owner string
	mu    sync.RWMutex
	value S
}

// NewState creates a state cell owned by agentID.
func NewState[S any](agentID string, initial S) *State[S] {
	return &State[S]{owner: agentID, value: initial}
}

// Get returns the current value.
func (s *State[S]) Get() S {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.value
}

// Set replaces the value. It panics with ErrOutsideHandlerScope when ctx is
// not an active handler scope of the owner.
func (s *State[S]) Set(ctx context.Context, v S) {
	s.mustBeInScope(ctx)

	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

// Update applies fn to the value under the same scope rule as Set.
func (s *State[S]) Update(ctx context.Context, fn func(S) S) {
	s.mustBeInScope(ctx)

	s.mu.Lock()
	s.value = fn(s.value)
	s.mu.Unlock()
}

func (s *State[S]) mustBeInScope(ctx context.Context) {
	if !InScope(ctx, s.owner) {
		panic(ErrOutsideHandlerScope)
	}
}
