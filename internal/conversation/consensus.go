package conversation

import (
	"strconv"
	"strings"
)

// Consensus verdicts.
const (
	VerdictMatch        = "match"
	VerdictNearMatch    = "near_match"
	VerdictClose        = "close"
	VerdictDisagree     = "disagree"
	VerdictInsufficient = "insufficient"
	VerdictNoData       = "no_data"
)

// Verdict is the outcome of consensus evaluation over one round.
type Verdict struct {
	Verdict     string   `json:"verdict"`
	Discrepancy float64  `json:"discrepancy,omitempty"` // spread as a fraction of the mean
	Values      []string `json:"values"`
}

// Evaluate computes consensus over a set of response bodies. Numeric
// answers compare by spread around the mean: equal values match,
// a spread within 1% is a near match, within 5% is close, anything
// wider is disagreement. Non-numeric answers compare by normalized
// string equality.
func Evaluate(bodies []string) Verdict {
	if len(bodies) == 0 {
		return Verdict{Verdict: VerdictNoData}
	}
	if len(bodies) == 1 {
		return Verdict{Verdict: VerdictInsufficient, Values: bodies}
	}

	nums := make([]float64, 0, len(bodies))
	for _, b := range bodies {
		n, ok := parseNumeric(b)
		if !ok {
			return stringConsensus(bodies)
		}
		nums = append(nums, n)
	}

	min, max, sum := nums[0], nums[0], 0.0
	for _, n := range nums {
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
		sum += n
	}
	mean := sum / float64(len(nums))

	v := Verdict{Values: bodies}
	if min == max {
		v.Verdict = VerdictMatch
		return v
	}
	spread := max - min
	if mean != 0 {
		v.Discrepancy = spread / abs(mean)
	}
	switch {
	case mean != 0 && v.Discrepancy <= 0.01:
		v.Verdict = VerdictNearMatch
	case mean != 0 && v.Discrepancy <= 0.05:
		v.Verdict = VerdictClose
	default:
		v.Verdict = VerdictDisagree
	}
	return v
}

func stringConsensus(bodies []string) Verdict {
	v := Verdict{Values: bodies}
	first := normalize(bodies[0])
	for _, b := range bodies[1:] {
		if normalize(b) != first {
			v.Verdict = VerdictDisagree
			return v
		}
	}
	v.Verdict = VerdictMatch
	return v
}

// parseNumeric extracts a float from an answer, tolerating comma
// thousands separators and currency-like prefixes ("$1,250.00",
// "EUR 99"). The whole answer must reduce to one number.
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "$€£¥")
	// Strip a leading currency code like "EUR" or "USD".
	if i := strings.IndexByte(s, ' '); i > 0 && i <= 4 && isAlpha(s[:i]) {
		s = strings.TrimSpace(s[i+1:])
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSuffix(s, "%")
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	return n, err == nil
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
