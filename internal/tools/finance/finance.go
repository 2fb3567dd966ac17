// Package finance provides the financial tools: a cacheable sales analysis,
// the Manager-only quarterly report, and an approval-gated funds transfer.
//
// Figures are synthesized deterministically from the arguments, so identical
// calls always produce identical output.
package finance

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

// newRand returns a PRNG seeded from the given parts.
func newRand(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToLower(p)))
		_, _ = h.Write([]byte{0})
	}
	seed := h.Sum64()
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}

// between returns a value in [lo, hi) rounded to whole units.
func between(r *rand.Rand, lo, hi float64) float64 {
	return math.Round(lo + r.Float64()*(hi-lo))
}

// formatUSD renders v as "$1,234,567" (or "-$1,234" for negatives).
func formatUSD(v float64) string {
	neg := v < 0
	digits := strconv.FormatInt(int64(math.Round(math.Abs(v))), 10)

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
