// Package rm implements the in-process resource broker: named lockable
// resources grouped into namespaces, shared/exclusive admission with a FIFO
// wait queue per resource, and bulk ownership tracking for logical operations.
//
// The broker serializes threads within one host only. Cluster-wide exclusivity
// is the lease package's job; the two are normally used together (see merge).
//
// A Manager is an explicit instance, constructed once at process start and
// passed to every consumer; tests construct their own.
package rm
