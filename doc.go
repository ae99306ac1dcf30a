// Package virtstor holds the core types and helpers shared across the virtstor
// storage coordination codebase: UUID identities, error codes, logging setup,
// retry/backoff, and small concurrency utilities. The in-process lock broker
// lives in rm, persisted volume records and the generation/legality protocol
// in storage, cross-host volume leases in lease, and the subchain merge job in
// merge. External tools are wrapped behind the qemuimg and blockdev packages.
//
// Nothing here is a singleton: callers construct the services they need and
// pass them explicitly, one independent instance per process or per test.
package virtstor
