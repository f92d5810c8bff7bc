// Package pipeline is the decision pipeline: the single dispatch point that
// turns scan results and download events into persisted state, ledger
// blocks, badges and notifications, and serves the state snapshot read by
// UI surfaces.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/vigilant/internal/idgen"
	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/logging"
	"github.com/mbd888/vigilant/internal/metrics"
	"github.com/mbd888/vigilant/internal/scan"
	"github.com/mbd888/vigilant/internal/scoring"
	"github.com/mbd888/vigilant/internal/traces"
	"github.com/mbd888/vigilant/internal/vault"
)

const (
	notifyURLMax = 50
	// reportTimeout bounds one background registry report, retries included.
	reportTimeout = 10 * time.Second
)

// State is the persisted state the pipeline reads and writes.
type State interface {
	Settings(ctx context.Context) (scan.Settings, error)
	SaveSettings(ctx context.Context, patch scan.SettingsPatch) (scan.Settings, error)
	Stats(ctx context.Context) (scan.Stats, error)
	UpdateStats(ctx context.Context, blocked bool) (scan.Stats, error)
	History(ctx context.Context) ([]scan.HistoryEntry, error)
	RecordHistory(ctx context.Context, r scan.Result) (scan.HistoryEntry, error)
	ClearHistory(ctx context.Context) error
	SetTabState(ctx context.Context, tabID int, r scan.Result) error
	TabState(ctx context.Context, tabID int) (scan.Result, bool, error)
	DeleteTabState(ctx context.Context, tabID int) error
}

// Ledger is the threat ledger as seen by the pipeline.
type Ledger interface {
	Append(ctx context.Context, data ledger.ThreatData) (ledger.Block, error)
	Chain(ctx context.Context) ([]ledger.Block, error)
	Tampered(ctx context.Context) (bool, error)
}

// Pipeline dispatches protocol messages.
type Pipeline struct {
	state    State
	ledger   Ledger
	badges   BadgeSink
	notifier Notifier
	hosts    HostLookup
	reporter ThreatReporter

	reports sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithBadgeSink(b BadgeSink) Option   { return func(p *Pipeline) { p.badges = b } }
func WithNotifier(n Notifier) Option     { return func(p *Pipeline) { p.notifier = n } }
func WithHostLookup(h HostLookup) Option { return func(p *Pipeline) { p.hosts = h } }

// WithThreatReporter forwards every ledgered page threat to a registry.
func WithThreatReporter(r ThreatReporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

// New creates a pipeline over state and ledger. Badges and notifications
// are discarded unless sinks are configured.
func New(state State, l Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		state:    state,
		ledger:   l,
		badges:   nopSinks{},
		notifier: nopSinks{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch routes req to its handler. Unknown types produce an
// ErrorResponse, not a Go error; a returned error means the request failed
// (storage errors wrap store.ErrUnavailable).
func (p *Pipeline) Dispatch(ctx context.Context, req Request) (Response, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.dispatch", traces.MessageType(string(req.Type())))
	defer span.End()

	resp, err := p.dispatch(ctx, req)

	label := string(req.Type())
	if _, unknown := req.(UnknownRequest); unknown {
		label = "unknown"
	}
	switch {
	case errors.Is(err, ErrDecisionAbandoned):
		metrics.MessagesTotal.WithLabelValues(label, "abandoned").Inc()
		logging.L(ctx).Debug("download decision abandoned", "type", req.Type())
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.MessagesTotal.WithLabelValues(label, "error").Inc()
		logging.L(ctx).Error("message failed", "type", req.Type(), "error", err)
	default:
		metrics.MessagesTotal.WithLabelValues(label, "ok").Inc()
	}
	return resp, err
}

func (p *Pipeline) dispatch(ctx context.Context, req Request) (Response, error) {
	switch r := req.(type) {
	case ScanResultRequest:
		return p.OnScanResult(ctx, r.TabID, r.Result)
	case GetStateRequest:
		return p.OnGetState(ctx, r.TabID)
	case SaveSettingsRequest:
		return p.OnSaveSettings(ctx, r.Settings)
	case ClearHistoryRequest:
		return p.OnClearHistory(ctx)
	case DownloadThreatRequest:
		return p.OnDownloadThreat(ctx, r)
	case TabClosedRequest:
		return p.OnTabClosed(ctx, r.TabID)
	case CheckURLRequest:
		return p.CheckURL(ctx, r.URL), nil
	default:
		logging.L(ctx).Warn("unknown message type", "type", req.Type())
		return ErrorResponse{Error: UnknownMessage}, nil
	}
}

// OnScanResult records a page scan. With protection off it only
// acknowledges. Otherwise it caches the tab result, appends history, updates
// stats, sets the badge and, for threats, appends a ledger block and
// notifies.
func (p *Pipeline) OnScanResult(ctx context.Context, tabID *int, r scan.Result) (AckResponse, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(traces.Verdict(string(r.Verdict)))
	if tabID != nil {
		ctx = logging.WithTabID(ctx, *tabID)
		span.SetAttributes(traces.TabID(*tabID))
	}
	logger := logging.L(ctx)

	settings, err := p.state.Settings(ctx)
	if err != nil {
		return AckResponse{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.Protection {
		return AckResponse{Ack: true}, nil
	}

	if tabID != nil {
		if err := p.state.SetTabState(ctx, *tabID, r); err != nil {
			return AckResponse{}, err
		}
	}
	if _, err := p.state.RecordHistory(ctx, r); err != nil {
		return AckResponse{}, err
	}

	isThreat := r.Verdict == scan.VerdictThreat
	stats, err := p.state.UpdateStats(ctx, isThreat)
	if err != nil {
		return AckResponse{}, err
	}
	metrics.ScansTotal.WithLabelValues(string(r.Verdict)).Inc()

	if tabID != nil {
		if err := p.badges.SetBadge(ctx, *tabID, BadgeFor(r.Verdict)); err != nil {
			logger.Warn("badge update failed", "error", err)
		}
	}

	if isThreat {
		block, err := p.ledger.Append(ctx, ledger.ThreatData{
			URL:        r.URL,
			ThreatType: r.ThreatType,
			Signals:    r.Signals,
			RiskScore:  r.RiskScore,
			MLProb:     r.MLProb,
			HScore:     r.HScore,
			DOMScore:   r.DOMScore,
		})
		if err != nil {
			return AckResponse{}, err
		}
		logger.Info("page threat recorded", "url", r.URL, "threat_type", r.ThreatType, "block", block.Index)
		p.report(ctx, r)

		if settings.Notifications {
			threatType := r.ThreatType
			if threatType == "" {
				threatType = "Threat"
			}
			p.notify(ctx, Notification{
				Title:   "Vigilant: Threat Blocked",
				Message: fmt.Sprintf("%s detected on %s", threatType, truncateURL(r.URL, notifyURLMax)),
			})
		}
	}

	return AckResponse{Ack: true, Stats: &stats}, nil
}

// OnGetState assembles the snapshot. The reads run concurrently and are not
// a single transaction.
func (p *Pipeline) OnGetState(ctx context.Context, tabID *int) (StateResponse, error) {
	var resp StateResponse
	g, gctx := errgroup.WithContext(ctx)

	if tabID != nil {
		g.Go(func() error {
			r, ok, err := p.state.TabState(gctx, *tabID)
			if err != nil {
				return err
			}
			if ok {
				resp.TabState = &r
			}
			return nil
		})
	}
	g.Go(func() (err error) {
		resp.Settings, err = p.state.Settings(gctx)
		return err
	})
	g.Go(func() (err error) {
		resp.Stats, err = p.state.Stats(gctx)
		return err
	})
	g.Go(func() (err error) {
		resp.History, err = p.state.History(gctx)
		return err
	})
	g.Go(func() (err error) {
		resp.Chain, err = p.ledger.Chain(gctx)
		return err
	})
	g.Go(func() (err error) {
		resp.ChainTampered, err = p.ledger.Tampered(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return StateResponse{}, fmt.Errorf("get state: %w", err)
	}
	if resp.History == nil {
		resp.History = []scan.HistoryEntry{}
	}
	if resp.Chain == nil {
		resp.Chain = []ledger.Block{}
	}
	return resp, nil
}

// History returns the scan history, newest first.
func (p *Pipeline) History(ctx context.Context) ([]scan.HistoryEntry, error) {
	return p.state.History(ctx)
}

// OnSaveSettings merges patch over the defaults and persists it.
func (p *Pipeline) OnSaveSettings(ctx context.Context, patch scan.SettingsPatch) (AckResponse, error) {
	if _, err := p.state.SaveSettings(ctx, patch); err != nil {
		return AckResponse{}, err
	}
	return AckResponse{Ack: true}, nil
}

// OnClearHistory empties the scan history.
func (p *Pipeline) OnClearHistory(ctx context.Context) (AckResponse, error) {
	if err := p.state.ClearHistory(ctx); err != nil {
		return AckResponse{}, err
	}
	return AckResponse{Ack: true}, nil
}

// OnDownloadThreat decides whether a flagged download is blocked. Scores are
// fractions; history and the ledger store them as rounded percentages.
func (p *Pipeline) OnDownloadThreat(ctx context.Context, req DownloadThreatRequest) (DownloadThreatResponse, error) {
	settings, err := p.state.Settings(ctx)
	if err != nil {
		return DownloadThreatResponse{}, fmt.Errorf("load settings: %w", err)
	}
	if !settings.DownloadScanner {
		return DownloadThreatResponse{Block: false}, nil
	}
	if !scoring.ShouldBlock(req.RiskScore) {
		return DownloadThreatResponse{Block: false}, nil
	}

	if gate, ok := ctx.Value(commitGateKey{}).(func() bool); ok && !gate() {
		return DownloadThreatResponse{}, ErrDecisionAbandoned
	}
	// Once claimed, the verdict is recorded in full even if the caller stops
	// waiting.
	ctx = context.WithoutCancel(ctx)

	pct := scoring.Percent(req.RiskScore)
	if _, err := p.state.RecordHistory(ctx, scan.Result{
		URL:        req.URL,
		Verdict:    scan.VerdictThreat,
		ScanMs:     0,
		RiskScore:  scan.Float(pct),
		Signals:    []string{"Malicious file: " + req.Filename},
		ThreatType: scan.ThreatMalwareDownload,
	}); err != nil {
		return DownloadThreatResponse{}, err
	}
	if _, err := p.state.UpdateStats(ctx, true); err != nil {
		return DownloadThreatResponse{}, err
	}
	if _, err := p.ledger.Append(ctx, ledger.ThreatData{
		URL:        req.URL,
		ThreatType: scan.ThreatMalwareDownload,
		Signals:    []string{req.Filename},
		RiskScore:  scan.Float(pct),
	}); err != nil {
		return DownloadThreatResponse{}, err
	}
	metrics.ScansTotal.WithLabelValues(string(scan.VerdictThreat)).Inc()
	logging.L(ctx).Info("download blocked", "filename", req.Filename, "risk", pct)

	if settings.Notifications {
		p.notify(ctx, Notification{
			Title:   "Download Blocked: Malicious File",
			Message: fmt.Sprintf("%s was blocked (risk: %.0f%%)", req.Filename, pct),
		})
	}
	return DownloadThreatResponse{Block: true}, nil
}

type commitGateKey struct{}

// WithCommitGate attaches gate to ctx. OnDownloadThreat calls it once a
// download is judged a threat, before the first write, and records nothing
// when it returns false.
func WithCommitGate(ctx context.Context, gate func() bool) context.Context {
	return context.WithValue(ctx, commitGateKey{}, gate)
}

// OnTabClosed drops the tab's cached scan result.
func (p *Pipeline) OnTabClosed(ctx context.Context, tabID int) (AckResponse, error) {
	if err := p.state.DeleteTabState(ctx, tabID); err != nil {
		return AckResponse{}, err
	}
	return AckResponse{Ack: true}, nil
}

// CheckURL reports whether the URL's hostname is in the synced registry.
func (p *Pipeline) CheckURL(_ context.Context, rawURL string) CheckURLResponse {
	if p.hosts == nil {
		return CheckURLResponse{HostHash: vault.HashHostname(rawURL)}
	}
	h, known := p.hosts.Lookup(rawURL)
	return CheckURLResponse{Known: known, HostHash: h}
}

func (p *Pipeline) notify(ctx context.Context, n Notification) {
	n.ID = idgen.WithPrefix("ntf_")
	n.Priority = NotificationPriority
	if err := p.notifier.Notify(ctx, n); err != nil {
		logging.L(ctx).Warn("notification failed", "error", err)
	}
}

// report forwards a page threat to the registry in the background.
// Failures are logged only.
func (p *Pipeline) report(ctx context.Context, r scan.Result) {
	if p.reporter == nil || r.URL == "" {
		return
	}
	confidence := 1.0
	switch {
	case r.MLProb != nil:
		confidence = *r.MLProb
	case r.RiskScore != nil:
		confidence = *r.RiskScore / 100
	}

	p.reports.Add(1)
	go func() {
		defer p.reports.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancel()
		if err := p.reporter.ReportThreat(rctx, r.URL, r.ThreatType, confidence); err != nil {
			msg := "registry report failed"
			if errors.Is(err, vault.ErrCircuitOpen) {
				msg = "registry report skipped, circuit open"
			}
			logging.L(rctx).Warn(msg, "error", err)
		}
	}()
}

// Wait blocks until background registry reports finish or ctx ends.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
