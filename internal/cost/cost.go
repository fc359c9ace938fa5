// Package cost estimates per-session spend from adapter-reported usage.
//
// It is a stateless combinator: adapters accumulate usage counters, the
// rate table holds per-provider unit prices loaded once at startup, and
// Estimate multiplies the two. Querying mid-call yields a partial estimate,
// querying after close yields the final one; the meter does not distinguish
// the cases.
package cost

import "github.com/outdial/voicebridge/pkg/provider/realtime"

// Rates holds one provider's unit prices in USD. Zero-valued fields mean
// that unit is free or unbilled for the provider.
type Rates struct {
	// AudioInPerMinute and AudioOutPerMinute price streamed audio by
	// direction, per minute.
	AudioInPerMinute  float64 `yaml:"audio_in_per_minute"`
	AudioOutPerMinute float64 `yaml:"audio_out_per_minute"`

	// InputTokensPer1K and OutputTokensPer1K price token usage per thousand
	// tokens.
	InputTokensPer1K  float64 `yaml:"input_tokens_per_1k"`
	OutputTokensPer1K float64 `yaml:"output_tokens_per_1k"`
}

// Table maps provider names to their rates. It is built from configuration
// at startup and never mutated afterwards, so concurrent reads across
// sessions need no locking.
type Table map[string]Rates

// Snapshot is a usage snapshot priced against the rate table.
type Snapshot struct {
	// Usage is the adapter's reported usage, verbatim.
	Usage realtime.CostMetrics

	// EstimatedUSD is the priced total. Zero when no usage was reported or
	// when the provider has no configured rates.
	EstimatedUSD float64
}

// Estimate prices the given usage. Unknown providers and empty usage both
// yield a zero-cost snapshot rather than an error.
func (t Table) Estimate(usage realtime.CostMetrics) Snapshot {
	rates, ok := t[usage.Provider]
	if !ok {
		return Snapshot{Usage: usage}
	}

	estimate := usage.AudioInSeconds/60*rates.AudioInPerMinute +
		usage.AudioOutSeconds/60*rates.AudioOutPerMinute +
		float64(usage.InputTokens)/1000*rates.InputTokensPer1K +
		float64(usage.OutputTokens)/1000*rates.OutputTokensPer1K

	return Snapshot{Usage: usage, EstimatedUSD: estimate}
}
