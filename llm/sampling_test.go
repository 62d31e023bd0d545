package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/kodonghui/CORTHEX-HQ-sub001/types"
)

func TestResolveSamplingMatrix(t *testing.T) {
	tests := []struct {
		name     string
		family   types.BackendFamily
		depth    types.ReasoningDepth
		decision SamplingDecision
	}{
		{"strict-object never sends temperature", types.FamilyStrictObject, types.ReasoningNone, SamplingOmit},
		{"strict-object omits at high depth too", types.FamilyStrictObject, types.ReasoningXHigh, SamplingOmit},
		{"unrestricted omits when reasoning enabled", types.FamilyUnrestricted, types.ReasoningXHigh, SamplingOmit},
		{"unrestricted fixes temperature without reasoning", types.FamilyUnrestricted, types.ReasoningNone, SamplingFixed},
		{"no-union uses model default", types.FamilyNoUnion, types.ReasoningNone, SamplingModelDefault},
		{"no-union keeps default with reasoning", types.FamilyNoUnion, types.ReasoningHigh, SamplingModelDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := ResolveSampling(tt.family, tt.depth)
			assert.Equal(t, tt.decision, rule.Decision)
			if tt.decision == SamplingFixed {
				assert.InDelta(t, defaultFixedTemperature, rule.Temperature, 1e-6)
			}
		})
	}
}

func TestResolveSamplingProperties(t *testing.T) {
	depths := []types.ReasoningDepth{
		types.ReasoningNone, types.ReasoningLow, types.ReasoningMedium,
		types.ReasoningHigh, types.ReasoningXHigh,
	}

	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.SampledFrom(depths).Draw(t, "depth")

		// Strict-object has no temperature parameter at all.
		assert.Equal(t, SamplingOmit, ResolveSampling(types.FamilyStrictObject, depth).Decision)

		// Unrestricted forbids temperature-with-reasoning; depth=none
		// always carries a temperature.
		rule := ResolveSampling(types.FamilyUnrestricted, depth)
		if depth == types.ReasoningNone {
			assert.Equal(t, SamplingFixed, rule.Decision)
		} else {
			assert.Equal(t, SamplingOmit, rule.Decision)
		}

		// No-union: temperature and reasoning coexist (model default).
		assert.Equal(t, SamplingModelDefault, ResolveSampling(types.FamilyNoUnion, depth).Decision)
	})
}
