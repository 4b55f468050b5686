package gemini

import "time"

// Option configures a Gemini planner.
type Option func(*Planner)

// WithTemperature sets the sampling temperature (default 0.1 — step
// selection wants determinism, not creativity).
func WithTemperature(t float64) Option {
	return func(p *Planner) { p.temperature = t }
}

// WithTopP sets nucleus sampling top-p (default 0.9).
func WithTopP(v float64) Option {
	return func(p *Planner) { p.topP = v }
}

// WithTimeout sets the per-request deadline (default 60s). The LLM call
// dominates transition wall time; tune this to the deployment's
// patience.
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) { p.timeout = d }
}
