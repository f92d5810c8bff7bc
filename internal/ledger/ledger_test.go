package ledger

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l := New(store, WithClock(fixedClock()))
	_, err := l.Init(context.Background())
	require.NoError(t, err)
	return l, store
}

func appendN(t *testing.T, l *Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), ThreatData{
			URL:        "http://evil.example/" + strings.Repeat("x", i),
			ThreatType: "PHISHING",
			Signals:    []string{"fake-login-form"},
		})
		require.NoError(t, err)
	}
}

func TestGenesis(t *testing.T) {
	g, err := NewGenesis(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), g.Index)
	assert.Equal(t, strings.Repeat("0", 64), g.PrevHash)
	assert.Equal(t, uint32(0), g.Nonce)
	assert.Equal(t, BlockGenesis, g.Type)
	assert.Nil(t, g.URL)
	assert.Len(t, g.Hash, 64)
	assert.Equal(t, "2026-01-01T00:00:00.000Z", g.Timestamp)
}

func TestHash_CanonicalForm(t *testing.T) {
	url := "http://a.example/<x>&"
	b := Block{
		Index:     3,
		Timestamp: "2026-10-18T12:00:00.000Z",
		Type:      BlockThreatBlocked,
		URL:       &url,
		Signals:   []string{"a<b", "c"},
		PrevHash:  "ab",
		Nonce:     42,
	}
	s, err := canonicalV1(b)
	require.NoError(t, err)
	assert.Equal(t, `32026-10-18T12:00:00.000Zhttp://a.example/<x>&["a<b","c"]ab42`, s)

	b.URL = nil
	b.Signals = nil
	s, err = canonicalV1(b)
	require.NoError(t, err)
	assert.Equal(t, `32026-10-18T12:00:00.000Znull[]ab42`, s)
}

func TestHash_IgnoresUnhashedFields(t *testing.T) {
	g, err := NewGenesis(time.Now())
	require.NoError(t, err)

	before, err := Hash(g)
	require.NoError(t, err)
	g.RiskScore = func() *float64 { v := 99.0; return &v }()
	g.Hash = "ignored"
	after, err := Hash(g)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestHash_UnknownType(t *testing.T) {
	_, err := Hash(Block{Type: "BOGUS"})
	assert.ErrorIs(t, err, ErrUnknownBlockType)
}

func TestInit_OnlyOnce(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	first, err := store.LoadChain(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	created, err := l.Init(ctx)
	require.NoError(t, err)
	assert.False(t, created)

	second, err := store.LoadChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAppend_MonotonicIndicesAndLinks(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 10)

	chain, err := l.Chain(context.Background())
	require.NoError(t, err)
	require.Len(t, chain, 11)

	for i := range chain {
		assert.Equal(t, uint64(i), chain[i].Index)
		if i > 0 {
			assert.Equal(t, chain[i-1].Hash, chain[i].PrevHash)
			assert.Equal(t, BlockThreatBlocked, chain[i].Type)
		}
	}
	assert.True(t, VerifyChain(chain))
}

func TestAppend_CreatesGenesisWhenEmpty(t *testing.T) {
	l := New(NewMemoryStore())
	b, err := l.Append(context.Background(), ThreatData{URL: "http://x.example"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Index)

	chain, err := l.Chain(context.Background())
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, BlockGenesis, chain[0].Type)
}

func TestAppend_UsesNonceSource(t *testing.T) {
	l := New(NewMemoryStore(), WithNonceSource(func() uint32 { return 7 }))
	b, err := l.Append(context.Background(), ThreatData{URL: "http://x.example"})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), b.Nonce)
}

func TestAppend_Concurrent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, ThreatData{URL: "http://race.example"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	chain, err := l.Chain(ctx)
	require.NoError(t, err)
	assert.Len(t, chain, 21)
	assert.True(t, VerifyChain(chain))
}

func TestVerify_DetectsFirstBrokenIndex(t *testing.T) {
	mutations := map[string]func(b *Block){
		"url": func(b *Block) {
			u := "http://benign.example"
			b.URL = &u
		},
		"signals":   func(b *Block) { b.Signals = append(b.Signals, "extra") },
		"timestamp": func(b *Block) { b.Timestamp = "2000-01-01T00:00:00.000Z" },
		"nonce":     func(b *Block) { b.Nonce++ },
		"prevHash":  func(b *Block) { b.PrevHash = strings.Repeat("f", 64) },
		"hash":      func(b *Block) { b.Hash = strings.Repeat("a", 64) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			appendN(t, l, 6)
			chain, err := l.Chain(context.Background())
			require.NoError(t, err)

			mutate(&chain[3])
			res := Verify(chain)
			assert.False(t, res.Valid)
			assert.Equal(t, 3, res.FirstBrokenAt)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestVerify_EmptyAndGenesisOnly(t *testing.T) {
	assert.True(t, VerifyChain(nil))

	g, err := NewGenesis(time.Now())
	require.NoError(t, err)
	assert.True(t, VerifyChain([]Block{g}))
}

func TestVerifyStored_StickyTamperedFlag(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	appendN(t, l, 3)

	res, err := l.VerifyStored(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	tampered, err := l.Tampered(ctx)
	require.NoError(t, err)
	assert.False(t, tampered)

	var original Block
	require.NoError(t, store.UpdateChain(ctx, func(chain []Block) ([]Block, error) {
		original = chain[2]
		chain[2].Signals = []string{"edited"}
		return chain, nil
	}))

	res, err = l.VerifyStored(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, 2, res.FirstBrokenAt)

	// Restoring the block does not clear the flag.
	require.NoError(t, store.UpdateChain(ctx, func(chain []Block) ([]Block, error) {
		chain[2] = original
		return chain, nil
	}))
	res, err = l.VerifyStored(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	tampered, err = l.Tampered(ctx)
	require.NoError(t, err)
	assert.True(t, tampered)

	// Appending to a flagged chain is still allowed.
	_, err = l.Append(ctx, ThreatData{URL: "http://after.example"})
	assert.NoError(t, err)
}

func TestExportDecode_RoundTripVerifies(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 4)

	var buf bytes.Buffer
	require.NoError(t, l.Export(context.Background(), &buf))

	chain, err := Decode(&buf)
	require.NoError(t, err)
	assert.Len(t, chain, 5)
	assert.True(t, VerifyChain(chain))
}

func TestTail(t *testing.T) {
	_, err := New(NewMemoryStore()).Tail(context.Background())
	assert.ErrorIs(t, err, ErrEmptyChain)

	l, _ := newTestLedger(t)
	appendN(t, l, 2)
	tail, err := l.Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tail.Index)
}
