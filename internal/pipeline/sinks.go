package pipeline

import (
	"context"
	"unicode/utf8"

	"github.com/mbd888/vigilant/internal/scan"
)

// Badge is the per-tab indicator. An empty Text clears it.
type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

// BadgeFor maps a verdict to its badge.
func BadgeFor(v scan.Verdict) Badge {
	switch v {
	case scan.VerdictThreat:
		return Badge{Text: "✕", Color: "#ef4444"}
	case scan.VerdictWarning:
		return Badge{Text: "!", Color: "#f59e0b"}
	case scan.VerdictSafe:
		return Badge{Text: "✓", Color: "#10b981"}
	default:
		return Badge{}
	}
}

// NotificationPriority is the priority used for threat notifications.
const NotificationPriority = 2

// Notification is a user-facing alert.
type Notification struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// BadgeSink renders badges. Implementations must not block for long.
type BadgeSink interface {
	SetBadge(ctx context.Context, tabID int, badge Badge) error
}

// Notifier renders notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// HostLookup checks a URL's hostname against the synced threat registry.
type HostLookup interface {
	Lookup(rawURL string) (hostHash string, known bool)
}

// ThreatReporter forwards confirmed threats to the shared registry.
// Confidence is a fraction in [0,1].
type ThreatReporter interface {
	ReportThreat(ctx context.Context, pageURL, threatType string, confidence float64) error
}

type nopSinks struct{}

func (nopSinks) SetBadge(context.Context, int, Badge) error  { return nil }
func (nopSinks) Notify(context.Context, Notification) error { return nil }

// truncateURL shortens u to at most max bytes, marking the cut with "...".
// The cut never splits a multi-byte character.
func truncateURL(u string, max int) string {
	if len(u) <= max {
		return u
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(u[cut]) {
		cut--
	}
	return u[:cut] + "..."
}
