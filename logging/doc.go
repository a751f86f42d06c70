// Package logging provides a tiny abstraction over slog so MeshLink
// components can depend on a minimal interface (Logger) while allowing users
// to plug any structured logger. It also offers a richer MeshLogger with
// contextual helpers (service, component) and domain specific logging
// helpers for messages, task transitions and circuit breakers.
package logging
