// Package provenance defines the tag algebra attached to derived facts.
//
// A Strategy is a small operation table over opaque tags: Combine joins the
// tags of alternative derivations of the same tuple, Extend joins the tags of
// the facts consumed inside one derivation, and Zero/One are the respective
// identities. The executor is generic over this table and never inspects tag
// payloads, so new provenance kinds plug in without touching the hot loop.
package provenance

import (
	"fmt"
)

// Tag is an opaque provenance value. Its concrete shape depends on the
// active Strategy.
type Tag any

// Strategy is the fixed operation contract every provenance kind satisfies.
//
// Combine must be associative and commutative, and Extend associative, for
// the committed result to be independent of evaluation order. A caller
// installing a custom strategy that violates this accepts non-deterministic
// results.
type Strategy interface {
	// Name identifies the kind, e.g. "unit" or "topkproofs".
	Name() string

	// Zero is the Combine identity. A fact whose tag equals Zero is
	// absent from committed content.
	Zero() Tag

	// One is the Extend identity and the default tag of base facts.
	One() Tag

	// Combine merges the tags of two derivations of the same tuple.
	Combine(a, b Tag) Tag

	// Extend merges the tags of two facts consumed in one derivation.
	Extend(a, b Tag) Tag

	// IsZero reports whether t equals Zero.
	IsZero(t Tag) bool

	// Equal is the convergence notion: a stratum is done when no
	// committed tag changes under Equal.
	Equal(a, b Tag) bool

	// TagInput converts an optional base-fact weight into a tag.
	// A nil weight means the One default.
	TagInput(weight *float64) (Tag, error)

	// Weight projects a tag onto a scalar for reporting. Kinds without a
	// numeric reading return 1 for present facts.
	Weight(t Tag) float64

	// Clone returns an independent strategy with the same configuration
	// and fresh internal state.
	Clone() Strategy
}

// Truncator is implemented by strategies that bound the number of proofs
// retained per tuple.
type Truncator interface {
	// Truncate applies the kind's documented ranking rule, keeping at
	// most K entries.
	Truncate(t Tag) Tag
	// K is the configured truncation bound.
	K() int
}

// InputLinker is implemented by strategies whose input tags reference
// externally assigned fact identifiers, so batch callers can correlate
// proofs with their own bookkeeping.
type InputLinker interface {
	TagInputLinked(weight *float64, externalID int) (Tag, error)
}

// Kind names a built-in provenance strategy.
type Kind string

const (
	// KindUnit tracks presence only.
	KindUnit Kind = "unit"
	// KindMinMaxProb tracks probabilities with max over derivations and
	// min inside a derivation.
	KindMinMaxProb Kind = "minmaxprob"
	// KindAddMultProb tracks probabilities with clamped addition over
	// derivations and multiplication inside a derivation.
	KindAddMultProb Kind = "addmultprob"
	// KindTopKProofs tracks bounded sets of weighted proofs.
	KindTopKProofs Kind = "topkproofs"
)

// New builds a built-in strategy by kind. k is only consulted by bounded
// kinds; for those it must be at least 1.
func New(kind Kind, k int) (Strategy, error) {
	switch kind {
	case KindUnit:
		return Unit{}, nil
	case KindMinMaxProb:
		return MinMaxProb{}, nil
	case KindAddMultProb:
		return AddMultProb{}, nil
	case KindTopKProofs:
		if k < 1 {
			return nil, fmt.Errorf("topkproofs requires a truncation bound k >= 1, got %d", k)
		}
		return NewTopKProofs(k), nil
	default:
		return nil, fmt.Errorf("unknown provenance kind %q", kind)
	}
}
