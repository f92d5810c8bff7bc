package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/vigilant/internal/ledger"
	"github.com/mbd888/vigilant/internal/scan"
)

// MessageType tags a protocol request.
type MessageType string

const (
	TypeScanResult     MessageType = "SCAN_RESULT"
	TypeGetState       MessageType = "GET_STATE"
	TypeSaveSettings   MessageType = "SAVE_SETTINGS"
	TypeClearHistory   MessageType = "CLEAR_HISTORY"
	TypeDownloadThreat MessageType = "DOWNLOAD_THREAT"
	TypeTabClosed      MessageType = "TAB_CLOSED"
	TypeCheckURL       MessageType = "CHECK_URL"
)

// UnknownMessage is the error text returned for unrecognized types.
const UnknownMessage = "Unknown message type"

var (
	ErrInvalidMessage = errors.New("pipeline: invalid message")
	// ErrDecisionAbandoned means the caller's commit gate refused a
	// DOWNLOAD_THREAT verdict; nothing was recorded.
	ErrDecisionAbandoned = errors.New("pipeline: download decision abandoned")
)

// Request is one decoded protocol message.
type Request interface {
	Type() MessageType
}

type ScanResultRequest struct {
	Result scan.Result `json:"result"`
	TabID  *int        `json:"tabId,omitempty"`
}

type GetStateRequest struct {
	TabID *int `json:"tabId,omitempty"`
}

type SaveSettingsRequest struct {
	Settings scan.SettingsPatch `json:"settings"`
}

type ClearHistoryRequest struct{}

// DownloadThreatRequest carries a filename score as a fraction in [0,1].
type DownloadThreatRequest struct {
	Filename  string  `json:"filename"`
	URL       string  `json:"url"`
	RiskScore float64 `json:"riskScore"`
}

type TabClosedRequest struct {
	TabID int `json:"tabId"`
}

type CheckURLRequest struct {
	URL string `json:"url"`
}

// UnknownRequest is any message whose type is not recognized.
type UnknownRequest struct {
	Raw MessageType
}

func (ScanResultRequest) Type() MessageType     { return TypeScanResult }
func (GetStateRequest) Type() MessageType       { return TypeGetState }
func (SaveSettingsRequest) Type() MessageType   { return TypeSaveSettings }
func (ClearHistoryRequest) Type() MessageType   { return TypeClearHistory }
func (DownloadThreatRequest) Type() MessageType { return TypeDownloadThreat }
func (TabClosedRequest) Type() MessageType      { return TypeTabClosed }
func (CheckURLRequest) Type() MessageType       { return TypeCheckURL }
func (u UnknownRequest) Type() MessageType      { return u.Raw }

// Response is the result of one request. Exactly one is produced per
// request.
type Response interface {
	response()
}

// AckResponse acknowledges a write. Stats is set for SCAN_RESULT when
// protection is on.
type AckResponse struct {
	Ack   bool        `json:"ack"`
	Stats *scan.Stats `json:"stats,omitempty"`
}

// StateResponse is the read-only snapshot served to UI consumers.
type StateResponse struct {
	TabState      *scan.Result        `json:"tabState"`
	Settings      scan.Settings       `json:"settings"`
	Stats         scan.Stats          `json:"stats"`
	History       []scan.HistoryEntry `json:"history"`
	Chain         []ledger.Block      `json:"chain"`
	ChainTampered bool                `json:"chainTampered"`
}

type DownloadThreatResponse struct {
	Block bool `json:"block"`
}

type CheckURLResponse struct {
	Known    bool   `json:"known"`
	HostHash string `json:"hostHash"`
}

// ErrorResponse reports a request that could not be served.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (AckResponse) response()            {}
func (StateResponse) response()          {}
func (DownloadThreatResponse) response() {}
func (CheckURLResponse) response()       {}
func (ErrorResponse) response()          {}

// Decode parses a {"type": ...} envelope into its typed request. Unknown
// types decode to UnknownRequest rather than failing.
func Decode(raw []byte) (Request, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var req Request
	switch envelope.Type {
	case TypeScanResult:
		var r ScanResultRequest
		if err := decodeBody(raw, &r); err != nil {
			return nil, err
		}
		if !r.Result.Verdict.Valid() {
			return nil, fmt.Errorf("%w: result.verdict %q", ErrInvalidMessage, r.Result.Verdict)
		}
		req = r
	case TypeGetState:
		var r GetStateRequest
		if err := decodeBody(raw, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeSaveSettings:
		var r SaveSettingsRequest
		if err := decodeBody(raw, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeClearHistory:
		req = ClearHistoryRequest{}
	case TypeDownloadThreat:
		var r DownloadThreatRequest
		if err := decodeBody(raw, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeTabClosed:
		var r TabClosedRequest
		if err := decodeBody(raw, &r); err != nil {
			return nil, err
		}
		req = r
	case TypeCheckURL:
		var r CheckURLRequest
		if err := decodeBody(raw, &r); err != nil {
			return nil, err
		}
		req = r
	default:
		req = UnknownRequest{Raw: envelope.Type}
	}
	return req, nil
}

func decodeBody(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
