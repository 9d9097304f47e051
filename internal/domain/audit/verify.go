package audit

import (
	"context"
	"errors"
	"fmt"
)

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Checked int64 `json:"checked"`
	// BrokenAt is the first sequence number whose link or hash does not
	// verify, or zero when the chain is intact.
	BrokenAt int64  `json:"broken_at,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

func (r ChainReport) OK() bool { return r.BrokenAt == 0 }

var errStopWalk = errors.New("stop")

// VerifyChain recomputes every hash in sequence order and reports the first
// break.
func VerifyChain(ctx context.Context, repo Repository) (ChainReport, error) {
	var report ChainReport
	var prev *Event

	err := repo.Walk(ctx, func(e *Event) error {
		report.Checked++
		wantSeq, wantPrev := int64(1), GenesisHash
		if prev != nil {
			wantSeq, wantPrev = prev.Seq+1, prev.Hash
		}
		switch {
		case e.Seq != wantSeq:
			report.Problem = fmt.Sprintf("expected seq %d, found %d", wantSeq, e.Seq)
		case e.PrevHash != wantPrev:
			report.Problem = "previous hash does not match"
		default:
			hash, err := ComputeHash(e, e.PrevHash)
			if err != nil {
				return err
			}
			if hash != e.Hash {
				report.Problem = "event hash does not match contents"
			}
		}
		if report.Problem != "" {
			report.BrokenAt = wantSeq
			return errStopWalk
		}
		prev = e
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return report, fmt.Errorf("verify audit chain: %w", err)
	}
	return report, nil
}
