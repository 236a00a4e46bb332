package respawn

// healthStats are the raw inputs of the on-demand health score.
type healthStats struct {
	totalCycles     int
	progressCycles  int
	aiChecks        int
	aiErrors        int
	stuckRecoveries int
}

// healthScore folds cycle success, breaker state, AI-checker error rate,
// and stuck recoveries into a 0-100 observability score. It never gates
// behavior.
func healthScore(stats healthStats, breaker BreakerSnapshot) int {
	score := 100

	switch breaker.State {
	case BreakerOpen:
		score -= 40
	case BreakerHalfOpen:
		score -= 20
	}

	if stats.totalCycles > 0 {
		ratio := float64(stats.progressCycles) / float64(stats.totalCycles)
		score -= int((1 - ratio) * 30)
	}

	if stats.aiChecks > 0 {
		errRate := float64(stats.aiErrors) / float64(stats.aiChecks)
		if errRate > 0.5 {
			score -= 15
		} else if errRate > 0.2 {
			score -= 5
		}
	}

	penalty := stats.stuckRecoveries * 5
	if penalty > 15 {
		penalty = 15
	}
	score -= penalty

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
