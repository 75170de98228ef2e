package rounds

import "time"

const (
	PhaseRound    = "round"
	PhaseFallback = "fallback"
)

// RoundStats is the tally of one executed round (or the fallback
// pass). persisted by the caller and exported as metrics, this is
// the main signal for judging whether retries still pay off.
type RoundStats struct {
	Round      int
	Phase      string
	Attempted  int
	Succeeded  int
	ZeroResult int
	Errored    int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Result is the final account of a coordinated step execution.
type Result struct {
	// final outcome per item key, only items that were attempted at
	// least once appear here
	Outcomes map[string]Outcome
	// one entry per executed round plus one for the fallback pass
	// when it ran
	Rounds []RoundStats

	Attempted    int
	Succeeded    int
	ZeroResult   int
	Errored      int
	// items still unsuccessful once every round and the fallback
	// pass are spent
	Exhausted    int
	// items that were handed to the fallback extractor
	FallbackUsed int
	RoundsUsed   int
	Retirements  int
}

// the share of initially-unsuccessful items that later rounds
// recovered, in [0, 1]. zero when round 1 already resolved
// everything.
func (r Result) RecoveryRate() float64 {
	if len(r.Rounds) == 0 {
		return 0
	}
	first := r.Rounds[0]
	unresolved := first.Attempted - first.Succeeded
	if unresolved <= 0 {
		return 0
	}
	recovered := r.Succeeded - first.Succeeded
	if recovered < 0 {
		recovered = 0
	}
	return float64(recovered) / float64(unresolved)
}
