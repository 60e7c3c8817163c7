package tier

// CountingStrategy decides how challenge progress is measured for a
// tier. This is the only place the direct-vs-network branch exists;
// everything that computes progress consumes it.
type CountingStrategy int

const (
	// DirectOnly counts direct referrals alone (rookie through steel).
	DirectOnly CountingStrategy = iota
	// NetworkTotal counts direct plus level-1 indirect referrals
	// (silver through diamond).
	NetworkTotal
)

func (s CountingStrategy) String() string {
	if s == NetworkTotal {
		return "network"
	}
	return "direct"
}

// Count applies the strategy to a pair of referral counts.
func (s CountingStrategy) Count(direct, level1Indirect int) int {
	if s == NetworkTotal {
		return direct + level1Indirect
	}
	return direct
}

// StrategyFor returns the counting strategy for a tier being attempted.
func StrategyFor(name Name) CountingStrategy {
	switch name {
	case Rookie, Bronze, Iron, Steel:
		return DirectOnly
	default:
		return NetworkTotal
	}
}

// UsesProgressiveReset reports whether a failed attempt at this tier
// restarts from half the requirement. Rookie proves baseline ability
// fresh every time. Advanced tiers use the base reset rule instead,
// half the best progress ever reached.
func UsesProgressiveReset(name Name) bool {
	switch name {
	case Bronze, Iron, Steel:
		return true
	default:
		return false
	}
}

// MaxAttempts returns how many resets/retries are allowed after the
// original attempt at the given target tier. Total tries = 1 + this.
func MaxAttempts(name Name) int {
	switch name {
	case Rookie:
		return 1
	case Bronze, Iron, Steel:
		return 2
	default:
		return 3
	}
}

// ResetStartingPoint computes the referral count a retry is seeded
// with. attempt 0 is the original attempt and always starts from
// scratch.
func ResetStartingPoint(name Name, attempt, requirement, maxReached int) int {
	if attempt == 0 {
		return 0
	}
	if name == Rookie {
		// Rookie restarts from zero on every attempt, no progressive
		// advantage.
		return 0
	}
	if UsesProgressiveReset(name) {
		return requirement / 2
	}
	if maxReached < 0 {
		maxReached = 0
	}
	return maxReached / 2
}

// ChallengeDuration returns the window length in days for the given
// attempt at a tier. Steel retries get 10 days instead of the default
// 7.
func ChallengeDuration(name Name, attempt int) int {
	if name == Steel && attempt > 0 {
		return 10
	}
	t, err := Get(name)
	if err != nil {
		return 0
	}
	return t.ChallengeDurationDays
}
