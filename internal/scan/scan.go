// Package scan defines the records the decision pipeline persists: per-tab
// scan results, the capped scan history, lifetime/daily stats, and the user's
// protection settings.
package scan

import (
	"time"
)

// Verdict is the classification of a scanned page.
type Verdict string

const (
	VerdictSafe    Verdict = "safe"
	VerdictWarning Verdict = "warning"
	VerdictThreat  Verdict = "threat"
)

// Valid reports whether v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictSafe, VerdictWarning, VerdictThreat:
		return true
	}
	return false
}

// ThreatMalwareDownload is the threat type recorded for blocked downloads.
const ThreatMalwareDownload = "MALWARE_DOWNLOAD"

// MaxHistory caps the scan history; older entries fall off the tail.
const MaxHistory = 200

// Result is one page scan as reported by the page-analysis collaborator.
// RiskScore is a percentage in [0,100]. MLProb, HScore and DOMScore are
// passed through unscaled.
type Result struct {
	URL        string   `json:"url"`
	Verdict    Verdict  `json:"verdict"`
	ScanMs     float64  `json:"scanMs"`
	RiskScore  *float64 `json:"riskScore"`
	MLProb     *float64 `json:"mlProb"`
	HScore     *float64 `json:"hScore"`
	DOMScore   *float64 `json:"domScore"`
	Signals    []string `json:"signals"`
	ThreatType string   `json:"threatType,omitempty"`
}

// HistoryEntry is a Result as recorded in the scan history. The verdict is
// stored under "status".
type HistoryEntry struct {
	URL        string    `json:"url"`
	Status     Verdict   `json:"status"`
	ScanMs     float64   `json:"scanMs"`
	RiskScore  *float64  `json:"riskScore"`
	MLProb     *float64  `json:"mlProb"`
	HScore     *float64  `json:"hScore"`
	DOMScore   *float64  `json:"domScore"`
	Signals    []string  `json:"signals"`
	ThreatType string    `json:"threatType,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewHistoryEntry stamps r with at.
func NewHistoryEntry(r Result, at time.Time) HistoryEntry {
	return HistoryEntry{
		URL:        r.URL,
		Status:     r.Verdict,
		ScanMs:     r.ScanMs,
		RiskScore:  r.RiskScore,
		MLProb:     r.MLProb,
		HScore:     r.HScore,
		DOMScore:   r.DOMScore,
		Signals:    r.Signals,
		ThreatType: r.ThreatType,
		Timestamp:  at.UTC(),
	}
}

// Float is a helper for the optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
