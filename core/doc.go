// Package core defines the canonical MeshLink message envelope, the message
// type registry with payload schemas and type guards, the shared domain
// records (ServiceInfo, TaskInfo) and the error taxonomy used across all
// MeshLink components. Everything in this package is pure data plus
// side-effect free helpers; transport, timers and state live in the
// component packages built on top of it.
package core
