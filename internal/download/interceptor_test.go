package download

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/pipeline"
	"github.com/mbd888/vigilant/internal/store"
)

type recordingController struct {
	mu       sync.Mutex
	commands []string
}

func (r *recordingController) record(cmd string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	return nil
}

func (r *recordingController) Suggest(_ context.Context, id, _ string) error {
	return r.record("suggest:" + id)
}
func (r *recordingController) Pause(_ context.Context, id string) error {
	return r.record("pause:" + id)
}
func (r *recordingController) Resume(_ context.Context, id string) error {
	return r.record("resume:" + id)
}
func (r *recordingController) Cancel(_ context.Context, id string) error {
	return r.record("cancel:" + id)
}

func (r *recordingController) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func fixedScore(v float64) Scorer {
	return func(string, string) float64 { return v }
}

var errUnreachable = errors.New("no listener")

func unreachable() Decider {
	return DeciderFunc(func(context.Context, string, string, float64) (bool, error) {
		return false, errUnreachable
	})
}

func waitResolved(t *testing.T, d *Download) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("download %s not resolved, state %s", d.ID, d.State())
	}
}

func TestIntercept_LowScoreAllowedWithoutPause(t *testing.T) {
	ctrl := &recordingController{}
	i := NewInterceptor(ctrl, unreachable())

	d, err := i.Intercept(context.Background(), Event{ID: "1", Filename: "readme.txt", URL: "https://x.example/readme.txt"})
	require.NoError(t, err)

	select {
	case <-d.Done():
	default:
		t.Fatal("low-risk download should resolve synchronously")
	}
	assert.Equal(t, StateResumed, d.State())
	assert.Equal(t, OutcomeAllowed, d.Outcome())
	assert.False(t, d.Paused())
	assert.Equal(t, []string{"suggest:1"}, ctrl.Commands())
}

func TestIntercept_FallbackPolicy(t *testing.T) {
	tests := []struct {
		name    string
		score   float64
		state   State
		outcome Outcome
		command string
	}{
		{"moderate risk resumes", 0.65, StateResumed, OutcomeFallbackResumed, "resume:d"},
		{"high risk cancels", 0.85, StateCancelled, OutcomeFallbackCancelled, "cancel:d"},
		{"fallback threshold is inclusive", 0.8, StateCancelled, OutcomeFallbackCancelled, "cancel:d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &recordingController{}
			i := NewInterceptor(ctrl, unreachable(), WithScorer(fixedScore(tt.score)))

			d, err := i.Intercept(context.Background(), Event{ID: "d", Filename: "f.exe"})
			require.NoError(t, err)
			waitResolved(t, d)

			assert.Equal(t, tt.state, d.State())
			assert.Equal(t, tt.outcome, d.Outcome())
			assert.Equal(t, []string{"pause:d", "suggest:d", tt.command}, ctrl.Commands())
			require.NoError(t, i.Wait(context.Background()))
		})
	}
}

func TestIntercept_DeciderVerdictWins(t *testing.T) {
	ctrl := &recordingController{}
	allow := DeciderFunc(func(context.Context, string, string, float64) (bool, error) { return false, nil })
	i := NewInterceptor(ctrl, allow, WithScorer(fixedScore(0.95)))

	d, err := i.Intercept(context.Background(), Event{ID: "a", Filename: "tool.exe"})
	require.NoError(t, err)
	waitResolved(t, d)

	assert.Equal(t, StateResumed, d.State())
	assert.Equal(t, OutcomeDecidedAllow, d.Outcome())
}

func TestIntercept_TimeoutThenLateResponseDiscarded(t *testing.T) {
	ctrl := &recordingController{}
	release := make(chan struct{})
	answered := make(chan struct{})
	slow := DeciderFunc(func(context.Context, string, string, float64) (bool, error) {
		<-release
		defer close(answered)
		return true, nil
	})
	i := NewInterceptor(ctrl, slow, WithScorer(fixedScore(0.65)), WithTimeout(20*time.Millisecond))

	d, err := i.Intercept(context.Background(), Event{ID: "late", Filename: "setup.exe"})
	require.NoError(t, err)
	waitResolved(t, d)
	assert.Equal(t, StateResumed, d.State())
	assert.Equal(t, OutcomeFallbackResumed, d.Outcome())

	close(release)
	<-answered
	require.NoError(t, i.Wait(context.Background()))

	assert.Equal(t, StateResumed, d.State())
	assert.Equal(t, []string{"pause:late", "suggest:late", "resume:late"}, ctrl.Commands())

	applied, err := i.Decide(context.Background(), "late", true)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateResumed, d.State())
}

func TestDecide_OutOfBandWinsOnce(t *testing.T) {
	ctrl := &recordingController{}
	hold := make(chan struct{})
	blocked := DeciderFunc(func(ctx context.Context, _, _ string, _ float64) (bool, error) {
		<-hold
		return false, nil
	})
	i := NewInterceptor(ctrl, blocked, WithScorer(fixedScore(0.7)))
	ctx := context.Background()

	d, err := i.Intercept(ctx, Event{ID: "x", Filename: "x.scr"})
	require.NoError(t, err)
	assert.Equal(t, StateScored, d.State())
	assert.Len(t, i.Pending(), 1)

	applied, err := i.Decide(ctx, "x", true)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StateCancelled, d.State())

	close(hold)
	require.NoError(t, i.Wait(ctx))
	assert.Equal(t, StateCancelled, d.State())
	assert.Equal(t, []string{"pause:x", "suggest:x", "cancel:x"}, ctrl.Commands())

	_, err = i.Decide(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIntercept_Validation(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	wait := DeciderFunc(func(context.Context, string, string, float64) (bool, error) {
		<-hold
		return false, nil
	})
	i := NewInterceptor(&recordingController{}, wait, WithScorer(fixedScore(0.9)))

	_, err := i.Intercept(context.Background(), Event{Filename: "x.exe"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = i.Intercept(context.Background(), Event{ID: "dup", Filename: "x.exe"})
	require.NoError(t, err)
	_, err = i.Intercept(context.Background(), Event{ID: "dup", Filename: "x.exe"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestIntercept_ThroughPipeline(t *testing.T) {
	st := store.NewState(store.NewMemoryBackend())
	l := ledger.New(st)
	p := pipeline.New(st, l)
	ctrl := &recordingController{}
	i := NewInterceptor(ctrl, PipelineDecider(p))
	ctx := context.Background()

	d, err := i.Intercept(ctx, Event{ID: "inv", Filename: "invoice.pdf.exe", URL: "https://mail.example/invoice.pdf.exe"})
	require.NoError(t, err)
	waitResolved(t, d)

	assert.Equal(t, 1.0, d.Score())
	assert.Equal(t, StateCancelled, d.State())
	assert.Equal(t, OutcomeDecidedBlock, d.Outcome())

	chain, err := l.Chain(ctx)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, []string{"invoice.pdf.exe"}, chain[1].Signals)
	require.NotNil(t, chain[1].RiskScore)
	assert.Equal(t, 100.0, *chain[1].RiskScore)
}

// slowBackend delays every read or write like a congested disk.
type slowBackend struct {
	*store.MemoryBackend
	getDelay time.Duration
	putDelay time.Duration
}

func (b slowBackend) Get(ctx context.Context, key string) ([]byte, int64, error) {
	time.Sleep(b.getDelay)
	return b.MemoryBackend.Get(ctx, key)
}

func (b slowBackend) Put(ctx context.Context, key string, value []byte, expect int64) (int64, error) {
	time.Sleep(b.putDelay)
	return b.MemoryBackend.Put(ctx, key, value, expect)
}

func TestIntercept_TimeoutNeverHalfRecordsAVerdict(t *testing.T) {
	tests := []struct {
		name     string
		backend  slowBackend
		state    State
		outcome  Outcome
		command  string
		recorded bool
	}{
		{
			name:     "verdict already recording when the timeout fires",
			backend:  slowBackend{MemoryBackend: store.NewMemoryBackend(), putDelay: 40 * time.Millisecond},
			state:    StateCancelled,
			outcome:  OutcomeDecidedBlock,
			command:  "cancel:slow",
			recorded: true,
		},
		{
			name:     "timeout fires before the verdict is recorded",
			backend:  slowBackend{MemoryBackend: store.NewMemoryBackend(), getDelay: 40 * time.Millisecond},
			state:    StateResumed,
			outcome:  OutcomeFallbackResumed,
			command:  "resume:slow",
			recorded: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewState(tt.backend)
			l := ledger.New(st)
			ctrl := &recordingController{}
			i := NewInterceptor(ctrl, PipelineDecider(pipeline.New(st, l)),
				WithScorer(fixedScore(0.7)), WithTimeout(20*time.Millisecond))
			ctx := context.Background()

			d, err := i.Intercept(ctx, Event{ID: "slow", Filename: "setup.exe", URL: "https://x.example/setup.exe"})
			require.NoError(t, err)
			waitResolved(t, d)

			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			require.NoError(t, i.Wait(wctx))

			assert.Equal(t, tt.state, d.State())
			assert.Equal(t, tt.outcome, d.Outcome())
			assert.Equal(t, []string{"pause:slow", "suggest:slow", tt.command}, ctrl.Commands())

			history, err := st.History(ctx)
			require.NoError(t, err)
			stats, err := st.Stats(ctx)
			require.NoError(t, err)
			chain, err := l.Chain(ctx)
			require.NoError(t, err)

			if !tt.recorded {
				assert.Empty(t, history)
				assert.Zero(t, stats.TotalBlocked)
				assert.Empty(t, chain)
				return
			}
			require.Len(t, history, 1)
			assert.Equal(t, uint64(1), stats.TotalBlocked)
			require.Len(t, chain, 2)
			assert.True(t, ledger.VerifyChain(chain))
		})
	}
}
