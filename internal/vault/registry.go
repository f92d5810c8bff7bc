package vault

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidHash       = errors.New("vault: hash must be 64 hex characters")
	ErrInvalidConfidence = errors.New("vault: confidence must be within [0,1]")
)

// Threat statuses.
const (
	StatusReported  = "reported"
	StatusVerified  = "verified"
	StatusDismissed = "dismissed"
)

// DefaultSource is recorded when a submission names none.
const DefaultSource = "extension"

// verifiedConfidence is the confidence above which a threat counts as
// verified even without a verified status.
const verifiedConfidence = 0.8

// recentLimit bounds the recent-threats sample in Stats.
const recentLimit = 10

// Threat is one registry entry.
type Threat struct {
	Hash       string    `json:"hash"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Confidence float64   `json:"confidence"`
	ThreatType string    `json:"threatType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SourceCount is one row of the source breakdown.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Stats summarizes the registry.
type Stats struct {
	TotalThreats    int           `json:"totalThreats"`
	VerifiedThreats int           `json:"verifiedThreats"`
	RecentThreats   []Threat      `json:"recentThreats"`
	TotalSyncs      int           `json:"totalSyncs"`
	SourceBreakdown []SourceCount `json:"sourceBreakdown"`
	LastUpdated     time.Time     `json:"lastUpdated"`
}

// SyncResponse is the body of GET /vault/sync.
type SyncResponse struct {
	Hashes    []string `json:"hashes"`
	Timestamp int64    `json:"timestamp"`
	Count     int      `json:"count"`
}

// Registry stores threat hashes for the serving side.
type Registry interface {
	// Submit inserts a threat, or for a known hash keeps the original
	// createdAt and raises the confidence.
	Submit(ctx context.Context, t Threat) (Threat, error)
	// HashesSince returns hashes created strictly after sinceMs (unix ms).
	HashesSince(ctx context.Context, sinceMs int64) ([]string, error)
	RecordSync(ctx context.Context, sinceMs int64, returned int) error
	Stats(ctx context.Context) (Stats, error)
}

// normalizeThreat validates t and fills defaults.
func normalizeThreat(t Threat, now time.Time) (Threat, error) {
	t.Hash = strings.ToLower(t.Hash)
	if !ValidHash(t.Hash) {
		return Threat{}, ErrInvalidHash
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return Threat{}, ErrInvalidConfidence
	}
	t.Source = strings.ToLower(strings.TrimSpace(t.Source))
	if t.Source == "" {
		t.Source = DefaultSource
	}
	if t.Status == "" {
		t.Status = StatusReported
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func isVerified(t Threat) bool {
	return t.Status == StatusVerified || t.Confidence > verifiedConfidence
}

// MemoryRegistry is an in-memory Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	threats map[string]Threat
	syncs   int
	now     func() time.Time
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{threats: make(map[string]Threat), now: time.Now}
}

func (r *MemoryRegistry) Submit(_ context.Context, t Threat) (Threat, error) {
	t, err := normalizeThreat(t, r.now())
	if err != nil {
		return Threat{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.threats[t.Hash]; ok {
		existing.Confidence = max(existing.Confidence, t.Confidence)
		if t.Status == StatusVerified {
			existing.Status = StatusVerified
		}
		r.threats[t.Hash] = existing
		return existing, nil
	}
	r.threats[t.Hash] = t
	return t, nil
}

func (r *MemoryRegistry) HashesSince(_ context.Context, sinceMs int64) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]Threat, 0)
	for _, t := range r.threats {
		if t.CreatedAt.UnixMilli() > sinceMs {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

	hashes := make([]string, len(matched))
	for i, t := range matched {
		hashes[i] = t.Hash
	}
	return hashes, nil
}

func (r *MemoryRegistry) RecordSync(_ context.Context, _ int64, _ int) error {
	r.mu.Lock()
	r.syncs++
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Stats(_ context.Context) (Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Threat, 0, len(r.threats))
	bySource := make(map[string]int)
	verified := 0
	for _, t := range r.threats {
		all = append(all, t)
		bySource[t.Source]++
		if isVerified(t) {
			verified++
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > recentLimit {
		all = all[:recentLimit]
	}

	return Stats{
		TotalThreats:    len(r.threats),
		VerifiedThreats: verified,
		RecentThreats:   all,
		TotalSyncs:      r.syncs,
		SourceBreakdown: sortedBreakdown(bySource),
		LastUpdated:     r.now().UTC(),
	}, nil
}

func sortedBreakdown(bySource map[string]int) []SourceCount {
	out := make([]SourceCount, 0, len(bySource))
	for s, n := range bySource {
		out = append(out, SourceCount{Source: s, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Source < out[j].Source
	})
	return out
}
