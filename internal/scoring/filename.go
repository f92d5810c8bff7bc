// Package scoring holds the pure download-risk heuristics. Nothing here does
// I/O; the same input always yields the same score.
package scoring

import (
	"math"
	"regexp"
	"strings"
)

// Decision thresholds for download scores (fractions in [0,1]).
const (
	// BlockThreshold is the score at or above which a download is paused and
	// referred for a decision.
	BlockThreshold = 0.6
	// FallbackCancelThreshold is used when no decision arrives: at or above
	// it the download is cancelled, below it resumed.
	FallbackCancelThreshold = 0.8
	// EntropyThreshold is the filename entropy (bits) above which a name
	// looks machine-generated.
	EntropyThreshold = 4.5
)

const (
	weightDangerousExt = 0.6
	weightDoubleExt    = 0.4
	weightEntropy      = 0.2
	weightBrand        = 0.3
	weightDisguise     = 0.5
)

var dangerousExtensions = map[string]struct{}{
	"exe": {}, "scr": {}, "bat": {}, "cmd": {}, "ps1": {}, "vbs": {},
	"wsf": {}, "hta": {}, "jar": {}, "msi": {}, "msp": {}, "reg": {},
	"dll": {}, "pif": {}, "com": {}, "cpl": {}, "inf": {}, "apk": {},
	"ipa": {}, "dmg": {},
}

var brandTokens = []string{
	"google", "microsoft", "adobe", "apple", "amazon",
	"paypal", "netflix", "chrome", "windows", "office",
}

var (
	doubleExtPattern = regexp.MustCompile(`(?i)\.(pdf|doc|docx|xls|xlsx|jpg|jpeg|png|gif|mp4|zip)\.(exe|js|php|bat|ps1|vbs|cmd|scr|dll)$`)
	disguisePattern  = regexp.MustCompile(`(?i)\.(pdf|jpg|png|docx?)\.(exe|bat|scr|vbs)`)
)

// Breakdown lists which heuristics fired for a filename.
type Breakdown struct {
	Extension    string  `json:"extension"`
	DangerousExt bool    `json:"dangerousExt"`
	DoubleExt    bool    `json:"doubleExt"`
	HighEntropy  bool    `json:"highEntropy"`
	Entropy      float64 `json:"entropy"`
	Brand        string  `json:"brand,omitempty"`
	Disguise     bool    `json:"disguise"`
	Score        float64 `json:"score"`
}

// Extension returns the lowercased text after the last dot, or the whole
// lowercased name when there is no dot.
func Extension(filename string) string {
	lower := strings.ToLower(filename)
	if i := strings.LastIndexByte(lower, '.'); i >= 0 {
		return lower[i+1:]
	}
	return lower
}

// IsDangerousExtension reports whether ext (without the dot) can execute.
func IsDangerousExtension(ext string) bool {
	_, ok := dangerousExtensions[strings.ToLower(ext)]
	return ok
}

// Explain scores filename and reports each contributing heuristic. The
// referrer is accepted for future heuristics and currently ignored.
func Explain(filename, referrer string) Breakdown {
	_ = referrer

	b := Breakdown{Extension: Extension(filename)}
	score := 0.0

	if IsDangerousExtension(b.Extension) {
		b.DangerousExt = true
		score += weightDangerousExt
	}
	if doubleExtPattern.MatchString(filename) {
		b.DoubleExt = true
		score += weightDoubleExt
	}

	b.Entropy = Entropy(filename)
	if b.Entropy > EntropyThreshold {
		b.HighEntropy = true
		score += weightEntropy
	}

	if b.DangerousExt {
		lower := strings.ToLower(filename)
		for _, brand := range brandTokens {
			if strings.Contains(lower, brand) {
				b.Brand = brand
				score += weightBrand
				break
			}
		}
	}

	if disguisePattern.MatchString(filename) {
		b.Disguise = true
		score += weightDisguise
	}

	b.Score = math.Min(score, 1.0)
	return b
}

// ScoreFilename returns the download risk of filename in [0,1].
func ScoreFilename(filename, referrer string) float64 {
	return Explain(filename, referrer).Score
}

// Entropy is the Shannon entropy of s in bits per character.
func Entropy(s string) float64 {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0
	}
	freq := make(map[rune]int, len(runes))
	for _, r := range runes {
		freq[r]++
	}
	n := float64(len(runes))
	var h float64
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// ShouldBlock reports whether score meets the block threshold.
func ShouldBlock(score float64) bool {
	return score >= BlockThreshold
}

// FallbackCancel reports whether a download with score should be cancelled
// when no decision is available.
func FallbackCancel(score float64) bool {
	return score >= FallbackCancelThreshold
}

// Percent converts a fractional score to the rounded 0-100 scale stored in
// history and the ledger.
func Percent(score float64) float64 {
	return math.Round(score * 100)
}
