package generate

// candidate pairs one attempt's output with its verdict for selection.
type candidate struct {
	text       string
	verdict    Verdict
	attempt    int
	corrective bool
}

// better reports whether a should be chosen over b under the shared scoring
// function: fewer issues wins; ties break by word count closest to target.
// A zero target makes longer output win ties, since truncation is the common
// failure mode.
func better(a, b candidate, targetWords int) bool {
	if len(a.verdict.Issues) != len(b.verdict.Issues) {
		return len(a.verdict.Issues) < len(b.verdict.Issues)
	}
	if targetWords <= 0 {
		return a.verdict.WordCount > b.verdict.WordCount
	}
	da := diff(a.verdict.WordCount, targetWords)
	db := diff(b.verdict.WordCount, targetWords)
	return da < db
}

// best returns the top candidate; earlier attempts win exact ties so the
// selection is deterministic.
func best(cands []candidate, targetWords int) candidate {
	chosen := cands[0]
	for _, c := range cands[1:] {
		if better(c, chosen, targetWords) {
			chosen = c
		}
	}
	return chosen
}

func diff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
