package memory

// Two confidence dynamics, deliberately different:
//
// Solutions track an exponential moving average toward a ±1 reward.
// Few strong signals suffice and recency dominates, so a solution that
// worked recently outranks one that worked long ago.
//
// Rules track a Laplace-smoothed success rate. Many weak observations
// produce a calibrated probability that never collapses to 0 or 1.

// alpha is the EMA learning rate for solution confidence.
const alpha = 0.3

// emaStep moves conf toward reward by alpha, clamped to [0,1].
// reward is +1 on a confirmed fix, -1 on a failure implicating the fix.
func emaStep(conf, reward float64) float64 {
	conf += alpha * (reward - conf)
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// laplace is the add-one success rate (hits+1)/(hits+misses+2).
// With no observations it yields 0.5; it stays strictly inside (0,1).
func laplace(hits, misses int) float64 {
	return float64(hits+1) / float64(hits+misses+2)
}
