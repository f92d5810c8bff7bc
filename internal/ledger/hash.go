package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Canonicalizer renders the exact string a block's hash is computed over.
// Changing one breaks every chain written with it, so a new layout gets a
// new version and existing types keep theirs.
type Canonicalizer func(b Block) (string, error)

// canonicalizers maps block type to the layout its hash uses.
var canonicalizers = map[BlockType]Canonicalizer{
	BlockGenesis:       canonicalV1,
	BlockThreatBlocked: canonicalV1,
}

// canonicalV1 concatenates index, timestamp, url ("null" when absent), the
// JSON array of signals, prevHash and nonce with no separators.
func canonicalV1(b Block) (string, error) {
	signals, err := marshalSignals(b.Signals)
	if err != nil {
		return "", err
	}

	url := "null"
	if b.URL != nil {
		url = *b.URL
	}

	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(b.Index, 10))
	sb.WriteString(b.Timestamp)
	sb.WriteString(url)
	sb.WriteString(signals)
	sb.WriteString(b.PrevHash)
	sb.WriteString(strconv.FormatUint(uint64(b.Nonce), 10))
	return sb.String(), nil
}

func marshalSignals(signals []string) (string, error) {
	if signals == nil {
		signals = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(signals); err != nil {
		return "", fmt.Errorf("encode signals: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Hash returns the hex SHA-256 of the block's canonical form. The stored
// Hash field never participates.
func Hash(b Block) (string, error) {
	canon, ok := canonicalizers[b.Type]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBlockType, b.Type)
	}
	s, err := canon(b)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}
