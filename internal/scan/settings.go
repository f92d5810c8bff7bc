package scan

// Settings is the user's protection configuration. It is always read and
// written merged over DefaultSettings so missing or unknown keys are harmless.
type Settings struct {
	Protection      bool    `json:"protection"`
	AutoBlock       bool    `json:"autoBlock"`
	BlockThreshold  float64 `json:"blockThreshold"` // ML probability threshold
	UPIDetection    bool    `json:"upiDetection"`
	DownloadScanner bool    `json:"downloadScanner"`
	DOMAnalysis     bool    `json:"domAnalysis"`
	Notifications   bool    `json:"notifications"`
	StrictMode      bool    `json:"strictMode"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Protection:      true,
		AutoBlock:       true,
		BlockThreshold:  0.50,
		UPIDetection:    true,
		DownloadScanner: true,
		DOMAnalysis:     true,
		Notifications:   true,
		StrictMode:      false,
	}
}

// SettingsPatch is a partial Settings update. Nil fields are not set.
type SettingsPatch struct {
	Protection      *bool    `json:"protection,omitempty"`
	AutoBlock       *bool    `json:"autoBlock,omitempty"`
	BlockThreshold  *float64 `json:"blockThreshold,omitempty"`
	UPIDetection    *bool    `json:"upiDetection,omitempty"`
	DownloadScanner *bool    `json:"downloadScanner,omitempty"`
	DOMAnalysis     *bool    `json:"domAnalysis,omitempty"`
	Notifications   *bool    `json:"notifications,omitempty"`
	StrictMode      *bool    `json:"strictMode,omitempty"`
}

// Over applies the patch on top of base and returns the result.
func (p SettingsPatch) Over(base Settings) Settings {
	out := base
	if p.Protection != nil {
		out.Protection = *p.Protection
	}
	if p.AutoBlock != nil {
		out.AutoBlock = *p.AutoBlock
	}
	if p.BlockThreshold != nil {
		out.BlockThreshold = *p.BlockThreshold
	}
	if p.UPIDetection != nil {
		out.UPIDetection = *p.UPIDetection
	}
	if p.DownloadScanner != nil {
		out.DownloadScanner = *p.DownloadScanner
	}
	if p.DOMAnalysis != nil {
		out.DOMAnalysis = *p.DOMAnalysis
	}
	if p.Notifications != nil {
		out.Notifications = *p.Notifications
	}
	if p.StrictMode != nil {
		out.StrictMode = *p.StrictMode
	}
	return out
}

// Bool is a helper for building patches.
func Bool(v bool) *bool {
	return &v
}
