package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/makermesh/core"
	"github.com/hupe1980/makermesh/logging"
)

// CallbackType names the runtime lifecycle point a callback observes.
type CallbackType string

const (
	// CallbackCreated fires after an agent was activated and hosted.
	CallbackCreated CallbackType = "created"
	// CallbackDestroyed fires after an agent left the live table.
	CallbackDestroyed CallbackType = "destroyed"
	// CallbackLinked fires after a parent/child edge was added.
	CallbackLinked CallbackType = "linked"
	// CallbackUnlinked fires after a parent/child edge was removed.
	CallbackUnlinked CallbackType = "unlinked"
	// CallbackDelivered fires for every envelope handed to an agent's
	// mailbox, before the agent handles it.
	CallbackDelivered CallbackType = "delivered"
)

// CallbackContext describes the lifecycle event.
type CallbackContext struct {
	AgentID  string
	Kind     string
	ParentID string
	// Envelope is set for CallbackDelivered only.
	Envelope *core.Envelope
}

// Callback observes runtime lifecycle events. Errors are logged by the
// runtime and never abort the operation that fired the callback.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cc *CallbackContext) error
}

// FunctionCallback adapts a function to Callback.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cc *CallbackContext) error
}

// NewFunctionCallback creates a callback of the given type.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, cc *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

func (c *FunctionCallback) Execute(ctx context.Context, cc *CallbackContext) error {
	return c.fn(ctx, cc)
}

// CallbackManager holds callbacks per type and runs them in registration
// order. It is safe for concurrent registration and execution.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	t := callback.Type()
	cm.callbacks[t] = append(cm.callbacks[t], callback)
}

// ExecuteCallbacks runs every callback of type t. The first error stops the
// remaining callbacks of that type and is returned.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, t CallbackType, cc *CallbackContext) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[t]
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, cc); err != nil {
			return fmt.Errorf("runtime: %s callback: %w", t, err)
		}
	}

	return nil
}

// LoggingCallback writes one debug line per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback logs events of callbackType through logger.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	return &LoggingCallback{callbackType: callbackType, logger: logger}
}

func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	args := []any{"event", string(c.callbackType), "agent_id", cc.AgentID, "kind", cc.Kind}

	if cc.ParentID != "" {
		args = append(args, "parent_id", cc.ParentID)
	}

	if cc.Envelope != nil {
		args = append(args, "envelope_id", cc.Envelope.ID, "payload_type", cc.Envelope.PayloadType, "direction", string(cc.Envelope.Direction))
	}

	c.logger.Debug("Runtime event", args...)

	return nil
}
