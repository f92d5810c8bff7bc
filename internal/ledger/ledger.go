// Package ledger implements the append-only, hash-chained record of blocked
// threats. Every block after genesis commits to its predecessor's hash, so
// any post-hoc edit is detectable by Verify.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mbd888/vigilant/internal/idgen"
	"github.com/mbd888/vigilant/internal/logging"
)

var (
	ErrEmptyChain       = errors.New("ledger: chain is empty")
	ErrUnknownBlockType = errors.New("ledger: unknown block type")
)

// Store persists the chain and the tampered flag. UpdateChain must run fn
// as a single serialized read-modify-write: two concurrent appends never
// observe the same tail.
type Store interface {
	LoadChain(ctx context.Context) ([]Block, error)
	UpdateChain(ctx context.Context, fn func(chain []Block) ([]Block, error)) error
	SetTampered(ctx context.Context, tampered bool) error
	Tampered(ctx context.Context) (bool, error)
}

// Ledger appends and verifies blocks over a Store.
type Ledger struct {
	store Store
	now   func() time.Time
	nonce func() uint32
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithNonceSource overrides the random nonce generator.
func WithNonceSource(fn func() uint32) Option {
	return func(l *Ledger) { l.nonce = fn }
}

// New creates a Ledger backed by store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		nonce: idgen.Nonce32,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init writes the genesis block if no chain exists. It reports whether one
// was created. An existing chain is never touched.
func (l *Ledger) Init(ctx context.Context) (bool, error) {
	done := observeOp("init")
	defer done()

	created := false
	err := l.store.UpdateChain(ctx, func(chain []Block) ([]Block, error) {
		if len(chain) > 0 {
			return chain, nil
		}
		g, err := NewGenesis(l.now())
		if err != nil {
			return nil, err
		}
		created = true
		return []Block{g}, nil
	})
	if err != nil {
		return false, fmt.Errorf("init chain: %w", err)
	}
	if created {
		ChainLength.Set(1)
		logging.L(ctx).Info("threat ledger initialized")
	}
	return created, nil
}

// Append records a blocked threat after the current tail. A missing chain
// gets its genesis block first, inside the same update.
func (l *Ledger) Append(ctx context.Context, data ThreatData) (Block, error) {
	done := observeOp("append")
	defer done()

	var appended Block
	var length int
	err := l.store.UpdateChain(ctx, func(chain []Block) ([]Block, error) {
		if len(chain) == 0 {
			g, err := NewGenesis(l.now())
			if err != nil {
				return nil, err
			}
			chain = []Block{g}
		}

		b := next(chain[len(chain)-1], data, l.now())
		b.Nonce = l.nonce()
		h, err := Hash(b)
		if err != nil {
			return nil, err
		}
		b.Hash = h

		appended = b
		length = len(chain) + 1
		return append(chain, b), nil
	})
	if err != nil {
		return Block{}, fmt.Errorf("append block: %w", err)
	}

	ChainLength.Set(float64(length))
	logging.L(ctx).Info("threat block appended",
		"index", appended.Index,
		"threat_type", derefString(appended.ThreatType),
	)
	return appended, nil
}

// VerifyStored verifies the persisted chain. A failure sets the tampered
// flag; success leaves an earlier flag in place.
func (l *Ledger) VerifyStored(ctx context.Context) (Verification, error) {
	done := observeOp("verify")
	defer done()

	chain, err := l.store.LoadChain(ctx)
	if err != nil {
		return Verification{}, fmt.Errorf("load chain: %w", err)
	}

	res := Verify(chain)
	ChainLength.Set(float64(len(chain)))
	if res.Valid {
		return res, nil
	}

	logging.L(ctx).Error("threat ledger integrity check failed",
		"first_broken_at", res.FirstBrokenAt,
		"reason", res.Reason,
	)
	if err := l.store.SetTampered(ctx, true); err != nil {
		return res, fmt.Errorf("flag tampered chain: %w", err)
	}
	Tampered.Set(1)
	return res, nil
}

// Chain returns the persisted chain.
func (l *Ledger) Chain(ctx context.Context) ([]Block, error) {
	return l.store.LoadChain(ctx)
}

// Tampered reports the sticky tampered flag.
func (l *Ledger) Tampered(ctx context.Context) (bool, error) {
	return l.store.Tampered(ctx)
}

// Tail returns the last block of the chain.
func (l *Ledger) Tail(ctx context.Context) (Block, error) {
	chain, err := l.store.LoadChain(ctx)
	if err != nil {
		return Block{}, err
	}
	if len(chain) == 0 {
		return Block{}, ErrEmptyChain
	}
	return chain[len(chain)-1], nil
}

// Export writes the chain to w as a JSON array of blocks.
func (l *Ledger) Export(ctx context.Context, w io.Writer) error {
	chain, err := l.store.LoadChain(ctx)
	if err != nil {
		return fmt.Errorf("load chain: %w", err)
	}
	if chain == nil {
		chain = []Block{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(chain)
}

// Decode reads an exported chain.
func Decode(r io.Reader) ([]Block, error) {
	var chain []Block
	if err := json.NewDecoder(r).Decode(&chain); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	return chain, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
