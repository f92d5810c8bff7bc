// Package store is the single owner of persisted agent state: settings,
// stats, scan history, per-tab results, the threat chain and the tampered
// flag. Callers never touch a Backend directly; every mutation goes through
// State, which serializes writers per key and retries on version conflicts.
package store

import (
	"context"
	"errors"
)

var (
	// ErrConflict means the stored version changed between read and write.
	ErrConflict = errors.New("store: version conflict")
	// ErrUnavailable wraps backend I/O failures. It is retryable.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Backend is a versioned key/value store with compare-and-swap writes.
//
// Get returns a nil value and version 0 for a missing key. Put succeeds only
// when the stored version equals expect (0 meaning "must not exist") and
// returns the new version.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	Put(ctx context.Context, key string, value []byte, expect int64) (int64, error)
	Ping(ctx context.Context) error
}

// Storage keys.
const (
	KeyHistory       = "bv_scan_history"
	KeyChain         = "bv_threat_chain"
	KeyStats         = "bv_stats"
	KeySettings      = "bv_settings"
	KeyTabState      = "bv_tab_state"
	KeyChainTampered = "bv_chain_tampered"
)
