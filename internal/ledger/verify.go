package ledger

import "fmt"

// Verification is the outcome of checking a chain.
type Verification struct {
	Valid bool `json:"valid"`
	// FirstBrokenAt is the index of the first block that failed, or -1.
	FirstBrokenAt int    `json:"firstBrokenAt"`
	Reason        string `json:"reason,omitempty"`
	Length        int    `json:"length"`
}

// Verify recomputes every non-genesis block's hash and checks its link to the
// previous block's stored hash. It stops at the first mismatch. An empty
// chain is valid.
func Verify(chain []Block) Verification {
	res := Verification{Valid: true, FirstBrokenAt: -1, Length: len(chain)}

	for i := 1; i < len(chain); i++ {
		b := chain[i]
		expected, err := Hash(b)
		if err != nil {
			return broken(res, i, err.Error())
		}
		if b.Hash != expected {
			return broken(res, i, "hash mismatch")
		}
		if b.PrevHash != chain[i-1].Hash {
			return broken(res, i, fmt.Sprintf("prevHash does not match block %d", i-1))
		}
	}
	return res
}

// VerifyChain reports whether chain is intact.
func VerifyChain(chain []Block) bool {
	return Verify(chain).Valid
}

func broken(res Verification, at int, reason string) Verification {
	res.Valid = false
	res.FirstBrokenAt = at
	res.Reason = reason
	return res
}
