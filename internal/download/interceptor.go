package download

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/vigilant/internal/logging"
	"github.com/mbd888/vigilant/internal/metrics"
	"github.com/mbd888/vigilant/internal/pipeline"
	"github.com/mbd888/vigilant/internal/scoring"
	"github.com/mbd888/vigilant/internal/traces"
)

// maxRetained bounds how many resolved downloads stay queryable.
const maxRetained = 256

// Controller applies commands to the real transfer.
type Controller interface {
	Suggest(ctx context.Context, id, filename string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Decider decides whether a paused download is blocked. An error, or no
// answer before the timeout, sends the download to the fallback policy.
type Decider interface {
	DecideDownload(ctx context.Context, filename, url string, score float64) (block bool, err error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, filename, url string, score float64) (bool, error)

func (f DeciderFunc) DecideDownload(ctx context.Context, filename, url string, score float64) (bool, error) {
	return f(ctx, filename, url, score)
}

// PipelineDecider routes decisions through the pipeline's DOWNLOAD_THREAT
// handling.
func PipelineDecider(p *pipeline.Pipeline) Decider {
	return DeciderFunc(func(ctx context.Context, filename, url string, score float64) (bool, error) {
		resp, err := p.Dispatch(ctx, pipeline.DownloadThreatRequest{
			Filename:  filename,
			URL:       url,
			RiskScore: score,
		})
		if err != nil {
			return false, err
		}
		dt, ok := resp.(pipeline.DownloadThreatResponse)
		if !ok {
			return false, fmt.Errorf("unexpected decision response %T", resp)
		}
		return dt.Block, nil
	})
}

// Scorer scores a filename in [0,1].
type Scorer func(filename, referrer string) float64

// Interceptor runs the per-download state machine.
type Interceptor struct {
	controller Controller
	decider    Decider
	scorer     Scorer
	timeout    time.Duration
	now        func() time.Time

	mu        sync.Mutex
	downloads map[string]*Download
	retired   []string

	wg sync.WaitGroup
}

// Option configures an Interceptor.
type Option func(*Interceptor)

// WithTimeout bounds the decision round trip. Zero waits for the decider.
func WithTimeout(d time.Duration) Option {
	return func(i *Interceptor) { i.timeout = d }
}

// WithScorer replaces the filename scorer.
func WithScorer(s Scorer) Option {
	return func(i *Interceptor) { i.scorer = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) { i.now = now }
}

// NewInterceptor creates an interceptor.
func NewInterceptor(controller Controller, decider Decider, opts ...Option) *Interceptor {
	i := &Interceptor{
		controller: controller,
		decider:    decider,
		scorer:     scoring.ScoreFilename,
		now:        time.Now,
		downloads:  make(map[string]*Download),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Intercept handles a newly determined download. Low-risk downloads are
// resolved before it returns. High-risk ones are paused and decided in the
// background; wait on the handle's Done channel for the result.
func (i *Interceptor) Intercept(ctx context.Context, ev Event) (*Download, error) {
	if ev.ID == "" || ev.Filename == "" {
		return nil, ErrInvalid
	}
	ctx, span := traces.StartSpan(ctx, "download.intercept", traces.DownloadID(ev.ID))
	defer span.End()
	logger := logging.L(ctx).With("download_id", ev.ID)

	d := newDownload(ev, i.now())
	i.mu.Lock()
	if prev, ok := i.downloads[ev.ID]; ok && !prev.State().Terminal() {
		i.mu.Unlock()
		return nil, ErrDuplicate
	}
	i.downloads[ev.ID] = d
	i.mu.Unlock()

	score := i.scorer(ev.Filename, ev.Referrer)

	if !scoring.ShouldBlock(score) {
		d.scored(score, false)
		i.suggest(ctx, d)
		i.finish(ctx, d, StateResumed, OutcomeAllowed)
		return d, nil
	}

	if err := i.controller.Pause(ctx, d.ID); err != nil {
		logger.Warn("pause failed", "error", err)
	}
	d.scored(score, true)
	metrics.DownloadsPending.Inc()
	logger.Info("download paused for decision", "filename", ev.Filename, "score", score)
	i.suggest(ctx, d)

	i.wg.Add(1)
	go i.decide(context.WithoutCancel(ctx), d)
	return d, nil
}

func (i *Interceptor) suggest(ctx context.Context, d *Download) {
	if err := i.controller.Suggest(ctx, d.ID, d.Filename); err != nil {
		logging.L(ctx).Warn("filename suggestion failed", "download_id", d.ID, "error", err)
	}
}

type decision struct {
	block bool
	err   error
}

func (i *Interceptor) decide(ctx context.Context, d *Download) {
	defer i.wg.Done()

	dctx, cancel := ctx, context.CancelFunc(func() {})
	if i.timeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, i.timeout)
	}
	defer cancel()

	dctx = pipeline.WithCommitGate(dctx, d.claim)

	// Buffered so a decider answering after the timeout never blocks.
	ch := make(chan decision, 1)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		block, err := i.decider.DecideDownload(dctx, d.Filename, d.URL, d.Score())
		ch <- decision{block: block, err: err}
	}()

	select {
	case r := <-ch:
		i.settle(ctx, d, r)
	case <-dctx.Done():
		if !d.expire() {
			// The decider is already recording its verdict; it decides.
			i.settle(ctx, d, <-ch)
			return
		}
		i.fallback(ctx, d, dctx.Err())
	}
}

func (i *Interceptor) settle(ctx context.Context, d *Download, r decision) {
	if r.err != nil {
		i.fallback(ctx, d, r.err)
		return
	}
	i.apply(ctx, d, r.block)
}

func (i *Interceptor) apply(ctx context.Context, d *Download, block bool) bool {
	if block {
		return i.finish(ctx, d, StateCancelled, OutcomeDecidedBlock)
	}
	return i.finish(ctx, d, StateResumed, OutcomeDecidedAllow)
}

// fallback resolves a download whose decision never arrived: cancel only at
// high confidence, otherwise resume.
func (i *Interceptor) fallback(ctx context.Context, d *Download, cause error) {
	logging.L(ctx).Warn("download decision unavailable, applying fallback",
		"download_id", d.ID,
		"score", d.Score(),
		"error", cause,
	)
	if scoring.FallbackCancel(d.Score()) {
		i.finish(ctx, d, StateCancelled, OutcomeFallbackCancelled)
		return
	}
	i.finish(ctx, d, StateResumed, OutcomeFallbackResumed)
}

// finish resolves d and issues the matching command. A download that is
// already resolved is left alone and false is returned.
func (i *Interceptor) finish(ctx context.Context, d *Download, state State, outcome Outcome) bool {
	logger := logging.L(ctx).With("download_id", d.ID)
	if !d.resolve(state, outcome) {
		logger.Debug("late download decision discarded", "outcome", outcome)
		return false
	}

	if d.Paused() {
		metrics.DownloadsPending.Dec()
		var err error
		if state == StateCancelled {
			err = i.controller.Cancel(ctx, d.ID)
		} else {
			err = i.controller.Resume(ctx, d.ID)
		}
		if err != nil {
			logger.Error("download command failed", "state", state, "error", err)
		}
	}
	metrics.DownloadsTotal.WithLabelValues(string(outcome)).Inc()
	logger.Info("download resolved", "state", state, "outcome", outcome)

	i.retire(d.ID)
	return true
}

func (i *Interceptor) retire(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.retired = append(i.retired, id)
	for len(i.retired) > maxRetained {
		oldest := i.retired[0]
		i.retired = i.retired[1:]
		if d, ok := i.downloads[oldest]; ok && d.State().Terminal() {
			delete(i.downloads, oldest)
		}
	}
}

// Decide applies an out-of-band decision to a paused download. It reports
// false when the download was already resolved or the decider is already
// recording its verdict.
func (i *Interceptor) Decide(ctx context.Context, id string, block bool) (bool, error) {
	d, ok := i.Get(id)
	if !ok {
		return false, ErrNotFound
	}
	if !d.Paused() || !d.expire() {
		return false, nil
	}
	return i.apply(ctx, d, block), nil
}

// Get returns the handle for id.
func (i *Interceptor) Get(id string) (*Download, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	d, ok := i.downloads[id]
	return d, ok
}

// Pending returns the downloads still awaiting a decision.
func (i *Interceptor) Pending() []*Download {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []*Download
	for _, d := range i.downloads {
		if !d.State().Terminal() {
			out = append(out, d)
		}
	}
	return out
}

// Wait blocks until every background decision has finished or ctx ends.
func (i *Interceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), fmt.Errorf("%d downloads still pending", len(i.Pending())))
	}
}
