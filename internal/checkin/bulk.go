package checkin

import "context"

// BatchSummary aggregates a batch run for reporting UIs.
type BatchSummary struct {
	Accepted  int `json:"accepted"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
}

// ImportBatch pushes each intent through the coordinator independently and
// in input order. One bad record never aborts the rest; only a transient
// store failure stops the batch, returning the outcomes gathered so far so
// the caller can resume from there.
func (co *Coordinator) ImportBatch(ctx context.Context, intents []Intent) ([]Outcome, BatchSummary, error) {
	outcomes := make([]Outcome, 0, len(intents))
	var sum BatchSummary
	for _, in := range intents {
		out, err := co.Submit(ctx, in)
		if err != nil {
			return outcomes, sum, err
		}
		outcomes = append(outcomes, out)
		switch out.Kind {
		case OutcomeAccepted:
			sum.Accepted++
		case OutcomeDuplicate:
			sum.Duplicate++
		case OutcomeRejected:
			sum.Rejected++
		}
	}
	return outcomes, sum, nil
}
