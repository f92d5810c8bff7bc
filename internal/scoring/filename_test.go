package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreFilename_Boundaries(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     float64
	}{
		{"double extension clamps", "invoice.pdf.exe", 1.0},
		{"plain text", "readme.txt", 0},
		{"brand impersonation", "GoogleUpdate_setup.exe", 0.9},
		{"dangerous only", "setup.msi", 0.6},
		{"uppercase extension", "SETUP.EXE", 0.6},
		{"double extension to script", "photo.jpg.js", 0.4},
		{"no dot", "readme", 0},
		{"bare dangerous name", "exe", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreFilename(tt.filename, "https://ref.example")
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestScoreFilename_Thresholds(t *testing.T) {
	assert.True(t, ShouldBlock(ScoreFilename("invoice.pdf.exe", "")))
	assert.False(t, ShouldBlock(ScoreFilename("readme.txt", "")))
	assert.True(t, ShouldBlock(ScoreFilename("GoogleUpdate_setup.exe", "")))
}

func TestExplain_Brand(t *testing.T) {
	b := Explain("GoogleUpdate_setup.exe", "")
	assert.Equal(t, "google", b.Brand)
	assert.True(t, b.DangerousExt)
	assert.False(t, b.DoubleExt)

	// A brand without an executable extension earns nothing.
	b = Explain("microsoft-report.pdf", "")
	assert.Empty(t, b.Brand)
	assert.Zero(t, b.Score)
}

func TestExplain_Disguise(t *testing.T) {
	b := Explain("scan.PDF.scr", "")
	assert.True(t, b.Disguise)
	assert.True(t, b.DoubleExt)
	assert.True(t, b.DangerousExt)
	assert.Equal(t, 1.0, b.Score)
}

func TestExplain_HighEntropy(t *testing.T) {
	b := Explain("aB3xQ9kLm2Zp7RtY5wNc8vHj.zip", "")
	assert.True(t, b.HighEntropy)
	assert.Greater(t, b.Entropy, EntropyThreshold)
	assert.InDelta(t, 0.2, b.Score, 1e-9)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "exe", Extension("a.b.EXE"))
	assert.Equal(t, "archive", Extension("Archive"))
	assert.Equal(t, "", Extension("trailing."))
}

func TestEntropy(t *testing.T) {
	assert.Zero(t, Entropy(""))
	assert.Zero(t, Entropy("aaaa"))
	assert.InDelta(t, 1.0, Entropy("ab"), 1e-9)
	assert.InDelta(t, 2.0, Entropy("abcd"), 1e-9)
	assert.InDelta(t, 1.0, Entropy("éa"), 1e-9)
}

func TestFallbackCancel(t *testing.T) {
	assert.False(t, FallbackCancel(0.65))
	assert.True(t, FallbackCancel(0.8))
	assert.True(t, FallbackCancel(0.85))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 65.0, Percent(0.65))
	assert.Equal(t, 100.0, Percent(1))
	assert.Equal(t, 0.0, Percent(0))
}
