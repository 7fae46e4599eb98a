package decoder

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// hypothesis is one active path in modified beam search. prev holds
// the symbol chosen at the previous frame; it drives blank resets and
// the CTC repeat collapse. order is the discovery index used to break
// score ties deterministically.
type hypothesis struct {
	tokens  []int
	steps   []int
	logProb float64
	prev    int
	order   int
}

func (h *hypothesis) key(rule EmissionRule) string {
	var b strings.Builder
	for i, t := range h.tokens {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(t))
	}
	if rule == RuleCTC {
		// Identical surfaces with different previous-frame symbols
		// collapse differently later, so they must not merge.
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(h.prev))
	}
	return b.String()
}

// beam runs modified beam search: every active hypothesis is expanded
// over the whole vocabulary each step, hypotheses reducing to the same
// token sequence merge by log-add, and the top max_active_paths
// survive. With max_active_paths=1 this degenerates to greedy search.
func (d *Decoder) beam(posteriors [][]float32) ([]int, []int) {
	blank := d.cfg.BlankID
	active := []*hypothesis{{logProb: 0, prev: blank}}
	nextOrder := 1

	for step, row := range posteriors {
		merged := make(map[string]*hypothesis, len(active)*4)

		for _, h := range active {
			for tok := 0; tok < len(row); tok++ {
				score := h.logProb + float64(row[tok])

				cand := &hypothesis{
					tokens:  h.tokens,
					steps:   h.steps,
					logProb: score,
					prev:    tok,
				}
				if tok != blank && !(d.cfg.Rule == RuleCTC && tok == h.prev) {
					cand.tokens = append(append([]int(nil), h.tokens...), tok)
					cand.steps = append(append([]int(nil), h.steps...), step)
				}

				key := cand.key(d.cfg.Rule)
				if existing, ok := merged[key]; ok {
					existing.logProb = logAdd(existing.logProb, cand.logProb)
					continue
				}
				cand.order = nextOrder
				nextOrder++
				merged[key] = cand
			}
		}

		pruned := make([]*hypothesis, 0, len(merged))
		for _, h := range merged {
			pruned = append(pruned, h)
		}
		sort.Slice(pruned, func(i, j int) bool {
			if pruned[i].logProb != pruned[j].logProb {
				return pruned[i].logProb > pruned[j].logProb
			}
			return pruned[i].order < pruned[j].order
		})
		if len(pruned) > d.cfg.MaxActivePaths {
			pruned = pruned[:d.cfg.MaxActivePaths]
		}
		active = pruned
	}

	best := active[0]
	return best.tokens, best.steps
}

// logAdd computes log(exp(a) + exp(b)) without overflow.
func logAdd(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if math.IsInf(b, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}
