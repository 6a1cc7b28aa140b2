//go:build property

package attest

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tkingovr/txguard/api"
)

// Property: Digest(t) is stable across independent constructions of the same
// transcript, regardless of map insertion order.
func TestDigestDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	build := func(intent string, keys []string, risk float64, forward bool) *api.Transcript {
		labels := make(map[string]string, len(keys))
		if forward {
			for i := 0; i < len(keys); i++ {
				labels[keys[i]] = intent
			}
		} else {
			for i := len(keys) - 1; i >= 0; i-- {
				labels[keys[i]] = intent
			}
		}
		return &api.Transcript{
			Version: api.TranscriptVersion,
			Request: api.AuditRequest{Intent: intent, Caller: api.CallerMetadata{Labels: labels}},
			Attempts: []api.Attempt{{
				Finding: api.Finding{RiskScore: risk, Classification: api.ClassConclusivePass},
			}},
			Verdict: api.Verdict{Disposition: api.DispositionPass, Confidence: 1 - risk/100, Attempts: []int{0}},
		}
	}

	properties.Property("digest ignores construction order", prop.ForAll(
		func(intent string, keys []string, risk float64) bool {
			a, errA := Digest(build(intent, keys, risk, true))
			b, errB := Digest(build(intent, keys, risk, false))
			return errA == nil && errB == nil && a == b
		},
		gen.AnyString(),
		gen.SliceOf(gen.AlphaString()),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}
