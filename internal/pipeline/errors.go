package pipeline

// Outcome classifies what the pipeline did with an inbound event or a drain.
// Denials are deliberate control flow, decided before any external side
// effect, and are logged rather than returned as errors.
type Outcome string

const (
	OutcomeAccepted    Outcome = "accepted"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeGated       Outcome = "gated"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeBreakerOpen Outcome = "breaker_open"
)

// Gate denial reasons.
const (
	ReasonKillSwitch = "kill_switch"
	ReasonManualMode = "manual_mode"
)
