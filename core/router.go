package core

import (
	"context"
	"errors"
	"fmt"
)

// Topology is a point-in-time snapshot of an agent's position in the tree.
type Topology struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids,omitempty"`
}

// HasParent reports whether the agent is linked below another agent.
func (t Topology) HasParent() bool { return t.ParentID != "" }

// SelfFunc handles an envelope on the routing agent itself.
type SelfFunc func(ctx context.Context, env Envelope) error

// SendFunc delivers an envelope to another agent.
type SendFunc func(ctx context.Context, targetID string, env Envelope) error

// Route decides the delivery targets for env from node's point of view.
//
//   - DirectionSelf invokes self only, unless node.ID already appears in the
//     publishers chain (cycle guard).
//   - DirectionDown sends to every child.
//   - DirectionUp sends to the parent, if any.
//   - DirectionBoth sends to the parent and every child.
//
// Forwarded copies record node.ID in the publishers chain. All targets are
// attempted; send failures are joined into the returned error.
func Route(ctx context.Context, env Envelope, node Topology, self SelfFunc, sendTo SendFunc) error {
	switch env.Direction {
	case DirectionSelf, "":
		if env.VisitedBy(node.ID) {
			return nil
		}

		if self == nil {
			return nil
		}

		return self(ctx, env)
	case DirectionUp:
		if !node.HasParent() {
			return nil
		}

		return sendTo(ctx, node.ParentID, env.Forwarded(node.ID))
	case DirectionDown:
		return sendAll(ctx, env.Forwarded(node.ID), node.ChildIDs, sendTo)
	case DirectionBoth:
		targets := make([]string, 0, len(node.ChildIDs)+1)
		if node.HasParent() {
			targets = append(targets, node.ParentID)
		}

		targets = append(targets, node.ChildIDs...)

		return sendAll(ctx, env.Forwarded(node.ID), targets, sendTo)
	default:
		return fmt.Errorf("core: unknown direction %q", env.Direction)
	}
}

func sendAll(ctx context.Context, env Envelope, targets []string, sendTo SendFunc) error {
	var errs []error

	for _, id := range targets {
		if err := sendTo(ctx, id, env); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}
