package decoder

// greedy picks the argmax symbol at every step. Blanks never emit;
// under the CTC rule a symbol repeated on consecutive frames emits
// once. Runs in O(steps × vocab) and is fully deterministic.
func (d *Decoder) greedy(posteriors [][]float32) (ids []int, steps []int) {
	prev := d.cfg.BlankID
	for step, row := range posteriors {
		tok := argmax(row)
		if tok == d.cfg.BlankID {
			prev = tok
			continue
		}
		if d.cfg.Rule == RuleCTC && tok == prev {
			continue
		}
		ids = append(ids, tok)
		steps = append(steps, step)
		prev = tok
	}
	return ids, steps
}
