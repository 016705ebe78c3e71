// Package core defines the domain contracts of the jobs host: identities
// and roles, capability sets, sessions, durable tasks, trigger events and
// the boundary interfaces toward the transport layer, the reasoning engine
// and the durable store.
//
// The package intentionally contains only types and interfaces (plus small
// pure helpers on them). Concrete implementations live in sibling packages
// (identity, capability, session, task, trigger, store/...) so that higher
// level packages never depend on a specific storage or model backend.
package core
