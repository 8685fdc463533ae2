// Package logging provides a tiny abstraction over slog so downstream code can
// depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer MeshLogger with contextual
// helpers (component, run) and domain specific logging helpers for steps,
// votes, connectors and workflow runs.
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	rt := runtime.New(func(o *runtime.Options) { o.Logger = logger.WithComponent("runtime") })
//
// The interface stays minimal so any structured logger can be plugged in.
package logging
