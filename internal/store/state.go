package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/retry"
	"github.com/mbd888/vigilant/internal/scan"
	"github.com/mbd888/vigilant/internal/syncutil"
)

var _ ledger.Store = (*State)(nil)

// State provides typed access to persisted agent state.
type State struct {
	backend Backend
	locks   *syncutil.KeyLock
	retry   retry.Policy
	now     func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the clock used for history timestamps and the daily
// stats reset.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithRetryPolicy overrides how conflicting or failed writes are retried.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *State) { s.retry = p }
}

// DefaultRetryPolicy retries version conflicts and backend outages.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Retryable: func(err error) bool {
			return errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable)
		},
	}
}

// NewState wraps backend.
func NewState(backend Backend, opts ...Option) *State {
	s := &State{
		backend: backend,
		locks:   syncutil.NewKeyLock(),
		retry:   DefaultRetryPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the backend.
func (s *State) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// load decodes key into dst. It reports false when the key is absent.
func (s *State) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, _, err := s.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// update runs a read-modify-write on key. Writers to the same key are
// serialized in-process; a version conflict from another process re-reads
// and re-applies fn. Errors returned by fn are not retried.
func (s *State) update(ctx context.Context, key string, fn func(raw []byte) (any, error)) error {
	return s.locks.Do(ctx, key, func() error {
		return s.retry.Do(ctx, func() error {
			raw, version, err := s.backend.Get(ctx, key)
			if err != nil {
				return err
			}
			next, err := fn(raw)
			if err != nil {
				return retry.Permanent(err)
			}
			encoded, err := json.Marshal(next)
			if err != nil {
				return retry.Permanent(fmt.Errorf("encode %s: %w", key, err))
			}
			_, err = s.backend.Put(ctx, key, encoded, version)
			return err
		})
	})
}

func decodeInto(key string, raw []byte, dst any) error {
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Settings returns the stored settings merged over defaults.
func (s *State) Settings(ctx context.Context) (scan.Settings, error) {
	var patch scan.SettingsPatch
	if _, err := s.load(ctx, KeySettings, &patch); err != nil {
		return scan.Settings{}, err
	}
	return patch.Over(scan.DefaultSettings()), nil
}

// SaveSettings merges patch over the defaults (not over the stored value)
// and persists the result.
func (s *State) SaveSettings(ctx context.Context, patch scan.SettingsPatch) (scan.Settings, error) {
	merged := patch.Over(scan.DefaultSettings())
	err := s.update(ctx, KeySettings, func([]byte) (any, error) {
		return merged, nil
	})
	if err != nil {
		return scan.Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return merged, nil
}

// EnsureSettingsDefaults re-persists the stored settings merged over the
// defaults so that newly added keys are materialized.
func (s *State) EnsureSettingsDefaults(ctx context.Context) (scan.Settings, error) {
	var merged scan.Settings
	err := s.update(ctx, KeySettings, func(raw []byte) (any, error) {
		var patch scan.SettingsPatch
		if err := decodeInto(KeySettings, raw, &patch); err != nil {
			return nil, err
		}
		merged = patch.Over(scan.DefaultSettings())
		return merged, nil
	})
	if err != nil {
		return scan.Settings{}, fmt.Errorf("ensure settings: %w", err)
	}
	return merged, nil
}

// Stats returns the current counters, zeroed if none are stored.
func (s *State) Stats(ctx context.Context) (scan.Stats, error) {
	st := scan.NewStats(s.now())
	if _, err := s.load(ctx, KeyStats, &st); err != nil {
		return scan.Stats{}, err
	}
	return st, nil
}

// UpdateStats records one scan outcome and returns the new counters.
func (s *State) UpdateStats(ctx context.Context, blocked bool) (scan.Stats, error) {
	var out scan.Stats
	err := s.update(ctx, KeyStats, func(raw []byte) (any, error) {
		now := s.now()
		st := scan.NewStats(now)
		if err := decodeInto(KeyStats, raw, &st); err != nil {
			return nil, err
		}
		st.Record(blocked, now)
		out = st
		return st, nil
	})
	if err != nil {
		return scan.Stats{}, fmt.Errorf("update stats: %w", err)
	}
	return out, nil
}

// ResetDailyStatsIfNeeded zeroes threatsToday when the stored day is stale.
func (s *State) ResetDailyStatsIfNeeded(ctx context.Context) (scan.Stats, error) {
	var out scan.Stats
	err := s.update(ctx, KeyStats, func(raw []byte) (any, error) {
		now := s.now()
		st := scan.NewStats(now)
		if err := decodeInto(KeyStats, raw, &st); err != nil {
			return nil, err
		}
		st.ResetIfNewDay(now)
		out = st
		return st, nil
	})
	if err != nil {
		return scan.Stats{}, fmt.Errorf("reset daily stats: %w", err)
	}
	return out, nil
}

// History returns the scan history, newest first.
func (s *State) History(ctx context.Context) ([]scan.HistoryEntry, error) {
	var h []scan.HistoryEntry
	if _, err := s.load(ctx, KeyHistory, &h); err != nil {
		return nil, err
	}
	if h == nil {
		h = []scan.HistoryEntry{}
	}
	return h, nil
}

// RecordHistory prepends r to the history, dropping the oldest entries past
// scan.MaxHistory.
func (s *State) RecordHistory(ctx context.Context, r scan.Result) (scan.HistoryEntry, error) {
	entry := scan.NewHistoryEntry(r, s.now())
	err := s.update(ctx, KeyHistory, func(raw []byte) (any, error) {
		var h []scan.HistoryEntry
		if err := decodeInto(KeyHistory, raw, &h); err != nil {
			return nil, err
		}
		out := make([]scan.HistoryEntry, 0, min(len(h)+1, scan.MaxHistory))
		out = append(out, entry)
		for _, e := range h {
			if len(out) == scan.MaxHistory {
				break
			}
			out = append(out, e)
		}
		return out, nil
	})
	if err != nil {
		return scan.HistoryEntry{}, fmt.Errorf("record history: %w", err)
	}
	return entry, nil
}

// ClearHistory empties the history. Stats and the ledger are untouched.
func (s *State) ClearHistory(ctx context.Context) error {
	err := s.update(ctx, KeyHistory, func([]byte) (any, error) {
		return []scan.HistoryEntry{}, nil
	})
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// tabStates is keyed by the decimal tab id.
type tabStates map[string]scan.Result

// SetTabState replaces the tab's current scan result.
func (s *State) SetTabState(ctx context.Context, tabID int, r scan.Result) error {
	err := s.update(ctx, KeyTabState, func(raw []byte) (any, error) {
		m := tabStates{}
		if err := decodeInto(KeyTabState, raw, &m); err != nil {
			return nil, err
		}
		m[strconv.Itoa(tabID)] = r
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("set tab state: %w", err)
	}
	return nil
}

// TabState returns the tab's current scan result.
func (s *State) TabState(ctx context.Context, tabID int) (scan.Result, bool, error) {
	m := tabStates{}
	if _, err := s.load(ctx, KeyTabState, &m); err != nil {
		return scan.Result{}, false, err
	}
	r, ok := m[strconv.Itoa(tabID)]
	return r, ok, nil
}

// DeleteTabState drops the tab's scan result. Unknown tabs are a no-op.
func (s *State) DeleteTabState(ctx context.Context, tabID int) error {
	err := s.update(ctx, KeyTabState, func(raw []byte) (any, error) {
		m := tabStates{}
		if err := decodeInto(KeyTabState, raw, &m); err != nil {
			return nil, err
		}
		delete(m, strconv.Itoa(tabID))
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("delete tab state: %w", err)
	}
	return nil
}

// LoadChain returns the persisted threat chain.
func (s *State) LoadChain(ctx context.Context) ([]ledger.Block, error) {
	var chain []ledger.Block
	if _, err := s.load(ctx, KeyChain, &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// UpdateChain applies fn to the chain as one serialized read-modify-write.
func (s *State) UpdateChain(ctx context.Context, fn func([]ledger.Block) ([]ledger.Block, error)) error {
	return s.update(ctx, KeyChain, func(raw []byte) (any, error) {
		var chain []ledger.Block
		if err := decodeInto(KeyChain, raw, &chain); err != nil {
			return nil, err
		}
		return fn(chain)
	})
}

// SetTampered stores the chain-tampered flag.
func (s *State) SetTampered(ctx context.Context, tampered bool) error {
	return s.update(ctx, KeyChainTampered, func([]byte) (any, error) {
		return tampered, nil
	})
}

// Tampered reports the chain-tampered flag.
func (s *State) Tampered(ctx context.Context) (bool, error) {
	var tampered bool
	if _, err := s.load(ctx, KeyChainTampered, &tampered); err != nil {
		return false, err
	}
	return tampered, nil
}

// Install seeds empty history, stats and tab state when the chain has not
// been created yet. It mirrors a first install and is a no-op afterwards.
func (s *State) Install(ctx context.Context) error {
	chain, err := s.LoadChain(ctx)
	if err != nil {
		return err
	}
	if len(chain) > 0 {
		return nil
	}
	if err := s.ClearHistory(ctx); err != nil {
		return err
	}
	if err := s.update(ctx, KeyStats, func([]byte) (any, error) {
		return scan.NewStats(s.now()), nil
	}); err != nil {
		return fmt.Errorf("seed stats: %w", err)
	}
	if err := s.update(ctx, KeyTabState, func([]byte) (any, error) {
		return tabStates{}, nil
	}); err != nil {
		return fmt.Errorf("seed tab state: %w", err)
	}
	return nil
}
