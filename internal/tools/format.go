package tools

import "fmt"

// Tier selects how much of a tool's result reaches the model. The
// tiering is a token-budget optimization, and the tier is part of the
// tool's contract: registering a tool whose output the model must
// reason over as anything less than TierFull loses information, which
// is a correctness bug rather than an efficiency loss.
type Tier int

const (
	// TierConfirm collapses the result to a fixed short string. For
	// tools whose outcome carries no information the model needs.
	TierConfirm Tier = iota
	// TierSummary renders a single templated line capturing what
	// changed, without the full payload.
	TierSummary
	// TierFull passes the complete result through untruncated. For
	// results the model must reason over to continue correctly.
	TierFull
)

// String returns the tier name for logs.
func (t Tier) String() string {
	switch t {
	case TierConfirm:
		return "confirm"
	case TierSummary:
		return "summary"
	case TierFull:
		return "full"
	}
	return "unknown"
}

// FormatObservation renders a successful tool result for the event log
// according to the tool's registered tier.
func FormatObservation(d *Definition, res Result) string {
	switch d.Tier {
	case TierConfirm:
		if d.Confirm != "" {
			return d.Confirm
		}
		return "ok"
	case TierSummary:
		if d.Summarize != nil {
			return d.Summarize(res)
		}
		// A summary tool without a summarizer degrades to full text:
		// dropping to a bare "ok" could hide data the model needs.
		return res.Text
	case TierFull:
		return res.Text
	}
	return fmt.Sprintf("%s completed", d.Name)
}
