package nn

// Env carries the collaborators shared by every neuron and synapse of one
// simulation instance. It must not be modified once neurons reference it.
type Env struct {
	Clock      Clock
	Observer   SpikeObserver
	Guardrails Guardrails
}

// NewEnv returns an environment with a monotonic clock, no observer and the
// default guardrails.
func NewEnv() *Env {
	return &Env{
		Clock:      NewMonotonicClock(),
		Guardrails: DefaultGuardrails(),
	}
}

// normalizeEnv returns env when it is complete and a filled-in copy
// otherwise, so a shared Env is never written concurrently.
func normalizeEnv(env *Env) *Env {
	if env == nil {
		return NewEnv()
	}
	guard := env.Guardrails.withDefaults()
	if env.Clock != nil && guard == env.Guardrails {
		return env
	}
	filled := *env
	if filled.Clock == nil {
		filled.Clock = NewMonotonicClock()
	}
	filled.Guardrails = guard
	return &filled
}

// Normalized returns the environment with defaults filled in.
func (e *Env) Normalized() *Env {
	return normalizeEnv(e)
}
