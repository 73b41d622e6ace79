package solve

// stallDetector watches the residual norm across iterations and trips when
// Patience consecutive iterations fail to improve it by the relative
// Threshold.
type stallDetector struct {
	patience  int
	threshold float64

	last  float64
	stale int
	seen  bool
}

func newStallDetector(patience int, threshold float64) *stallDetector {
	return &stallDetector{patience: patience, threshold: threshold}
}

// update records the residual norm after one iteration and reports whether
// the solve has stalled. A zero or negative patience disables detection.
func (d *stallDetector) update(norm float64) bool {
	if d.patience <= 0 {
		return false
	}
	if !d.seen {
		d.seen = true
		d.last = norm
		return false
	}
	if improvement := (d.last - norm) / d.last; improvement > d.threshold {
		d.last = norm
		d.stale = 0
		return false
	}
	d.stale++
	return d.stale >= d.patience
}
