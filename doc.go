// Package statevault provides crash-resilient, concurrency-safe persistence
// for small pieces of shared state accessed by multiple independent
// processes on the same filesystem or through a remote object store.
//
// The safety layer is composed of four pieces: a cross-process lock file
// with staleness detection and jittered backoff (lockfile), an atomic
// write-temp-then-rename primitive (fsatomic), a pooled and
// health-monitored connection manager for remote stores (pool), and a
// transactional wrapper with snapshot/rollback semantics over a batch of
// key updates (txn). The Vault type in this package wires them together
// behind one explicitly constructed, explicitly shut-down object.
package statevault
