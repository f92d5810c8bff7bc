package ledger

import (
	"strings"
	"time"
)

// BlockType distinguishes the genesis block from recorded threats.
type BlockType string

const (
	BlockGenesis       BlockType = "GENESIS"
	BlockThreatBlocked BlockType = "THREAT_BLOCKED"
)

// GenesisPrevHash is the prevHash of block 0.
var GenesisPrevHash = strings.Repeat("0", 64)

// TimestampLayout is the ISO-8601 form stored in Block.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Block is one ledger entry. Hash covers the fields selected by the
// canonicalizer registered for Type; everything else is informational.
type Block struct {
	Index      uint64    `json:"index"`
	Timestamp  string    `json:"timestamp"`
	Type       BlockType `json:"type"`
	URL        *string   `json:"url"`
	ThreatType *string   `json:"threatType"`
	Signals    []string  `json:"signals"`
	RiskScore  *float64  `json:"riskScore"`
	MLProb     *float64  `json:"mlProb"`
	HScore     *float64  `json:"hScore"`
	DOMScore   *float64  `json:"domScore"`
	PrevHash   string    `json:"prevHash"`
	Nonce      uint32    `json:"nonce"`
	Hash       string    `json:"hash"`
}

// ThreatData is the payload of a THREAT_BLOCKED block.
type ThreatData struct {
	URL        string
	ThreatType string
	Signals    []string
	RiskScore  *float64 // percent, 0-100
	MLProb     *float64
	HScore     *float64
	DOMScore   *float64
}

// FormatTimestamp renders t in the layout used by blocks.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewGenesis builds the genesis block stamped at now and computes its hash.
func NewGenesis(now time.Time) (Block, error) {
	b := Block{
		Index:     0,
		Timestamp: FormatTimestamp(now),
		Type:      BlockGenesis,
		Signals:   []string{},
		PrevHash:  GenesisPrevHash,
		Nonce:     0,
	}
	h, err := Hash(b)
	if err != nil {
		return Block{}, err
	}
	b.Hash = h
	return b, nil
}

// next builds the block that follows tail. The caller sets Nonce before
// hashing.
func next(tail Block, data ThreatData, now time.Time) Block {
	signals := data.Signals
	if signals == nil {
		signals = []string{}
	}
	url := data.URL
	b := Block{
		Index:     tail.Index + 1,
		Timestamp: FormatTimestamp(now),
		Type:      BlockThreatBlocked,
		URL:       &url,
		Signals:   append([]string(nil), signals...),
		RiskScore: data.RiskScore,
		MLProb:    data.MLProb,
		HScore:    data.HScore,
		DOMScore:  data.DOMScore,
		PrevHash:  tail.Hash,
	}
	if data.ThreatType != "" {
		tt := data.ThreatType
		b.ThreatType = &tt
	}
	return b
}
