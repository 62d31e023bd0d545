package types

// ReasoningDepth is a coarse control over how much internal deliberation a
// model performs before responding. It is distinct from sampling temperature;
// backend families disagree on whether the two may coexist.
type ReasoningDepth string

const (
	ReasoningNone   ReasoningDepth = "none"
	ReasoningLow    ReasoningDepth = "low"
	ReasoningMedium ReasoningDepth = "medium"
	ReasoningHigh   ReasoningDepth = "high"
	ReasoningXHigh  ReasoningDepth = "xhigh"
)

// reasoningRank orders depths for capability comparison.
var reasoningRank = map[ReasoningDepth]int{
	ReasoningNone:   0,
	ReasoningLow:    1,
	ReasoningMedium: 2,
	ReasoningHigh:   3,
	ReasoningXHigh:  4,
}

// AtLeast reports whether d offers equal-or-better reasoning than other.
// Unknown depths rank as none.
func (d ReasoningDepth) AtLeast(other ReasoningDepth) bool {
	return reasoningRank[d] >= reasoningRank[other]
}

// Valid reports whether d is a known depth.
func (d ReasoningDepth) Valid() bool {
	_, ok := reasoningRank[d]
	return ok
}

// BackendFamily groups inference backends sharing identical wire-protocol
// constraints for tool schemas and sampling parameters.
type BackendFamily string

const (
	// FamilyStrictObject requires every object node to carry an explicit
	// "no additional fields" marker and a required-list equal to its
	// property keys, recursively.
	FamilyStrictObject BackendFamily = "strict-object"
	// FamilyNoUnion rejects schema nodes using a union of types or
	// self-reference.
	FamilyNoUnion BackendFamily = "no-union"
	// FamilyUnrestricted accepts the canonical schema unchanged.
	FamilyUnrestricted BackendFamily = "unrestricted"
)

// Valid reports whether f is a known family.
func (f BackendFamily) Valid() bool {
	switch f {
	case FamilyStrictObject, FamilyNoUnion, FamilyUnrestricted:
		return true
	}
	return false
}

// SupportsParallelToolCalls reports whether the family may return several
// tool calls in one turn that can be executed concurrently.
func (f BackendFamily) SupportsParallelToolCalls() bool {
	return f != FamilyNoUnion
}
