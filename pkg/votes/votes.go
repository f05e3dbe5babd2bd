// Package votes provides a run-length codec for boolean vote sequences.
// Long governance polls are dominated by runs of identical votes, so the
// encoded form is usually far smaller than one entry per vote.
package votes

// Run is a maximal stretch of identical votes.
type Run struct {
	Value bool `json:"value"`
	Count int  `json:"count"`
}

// Compress encodes a vote sequence as runs. An empty sequence encodes to
// nil.
func Compress(seq []bool) []Run {
	if len(seq) == 0 {
		return nil
	}

	runs := []Run{{Value: seq[0], Count: 1}}
	for _, v := range seq[1:] {
		last := &runs[len(runs)-1]
		if v == last.Value {
			last.Count++
			continue
		}
		runs = append(runs, Run{Value: v, Count: 1})
	}
	return runs
}

// Decompress expands runs back to the original sequence. Runs with a
// non-positive count contribute nothing.
func Decompress(runs []Run) []bool {
	total := 0
	for _, r := range runs {
		if r.Count > 0 {
			total += r.Count
		}
	}
	if total == 0 {
		return nil
	}

	seq := make([]bool, 0, total)
	for _, r := range runs {
		for i := 0; i < r.Count; i++ {
			seq = append(seq, r.Value)
		}
	}
	return seq
}
