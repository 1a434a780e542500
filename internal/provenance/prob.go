package provenance

import (
	"fmt"
)

func checkProb(w *float64) (float64, error) {
	if w == nil {
		return 1, nil
	}
	if *w < 0 || *w > 1 {
		return 0, fmt.Errorf("probability weight %v outside [0, 1]", *w)
	}
	return *w, nil
}

// MinMaxProb is the fuzzy-logic probability strategy: the tag of a tuple is
// the max over its derivations, and the tag of a derivation is the min over
// its premises. Both operations are idempotent, so recursive programs reach
// a true fixpoint.
type MinMaxProb struct{}

func (MinMaxProb) Name() string { return string(KindMinMaxProb) }

func (MinMaxProb) Zero() Tag { return float64(0) }

func (MinMaxProb) One() Tag { return float64(1) }

func (MinMaxProb) Combine(a, b Tag) Tag {
	x, y := a.(float64), b.(float64)
	if x > y {
		return x
	}
	return y
}

func (MinMaxProb) Extend(a, b Tag) Tag {
	x, y := a.(float64), b.(float64)
	if x < y {
		return x
	}
	return y
}

func (MinMaxProb) IsZero(t Tag) bool { return t.(float64) == 0 }

func (MinMaxProb) Equal(a, b Tag) bool { return a.(float64) == b.(float64) }

func (MinMaxProb) TagInput(weight *float64) (Tag, error) {
	w, err := checkProb(weight)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (MinMaxProb) Weight(t Tag) float64 { return t.(float64) }

func (MinMaxProb) Clone() Strategy { return MinMaxProb{} }

// AddMultProb approximates derivation probability with clamped addition over
// alternatives and multiplication inside a derivation. Addition is not
// idempotent, so recursive programs under this kind typically have no
// natural fixpoint; callers bound iterations instead.
type AddMultProb struct{}

func (AddMultProb) Name() string { return string(KindAddMultProb) }

func (AddMultProb) Zero() Tag { return float64(0) }

func (AddMultProb) One() Tag { return float64(1) }

func (AddMultProb) Combine(a, b Tag) Tag {
	s := a.(float64) + b.(float64)
	if s > 1 {
		return float64(1)
	}
	return s
}

func (AddMultProb) Extend(a, b Tag) Tag { return a.(float64) * b.(float64) }

func (AddMultProb) IsZero(t Tag) bool { return t.(float64) == 0 }

func (AddMultProb) Equal(a, b Tag) bool { return a.(float64) == b.(float64) }

func (AddMultProb) TagInput(weight *float64) (Tag, error) {
	w, err := checkProb(weight)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (AddMultProb) Weight(t Tag) float64 { return t.(float64) }

func (AddMultProb) Clone() Strategy { return AddMultProb{} }
