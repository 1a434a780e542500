package provenance

// Unit is the presence/absence strategy: a tuple is either derivable or it
// is not. Tags are booleans, Combine is disjunction, Extend is conjunction.
type Unit struct{}

func (Unit) Name() string { return string(KindUnit) }

func (Unit) Zero() Tag { return false }

func (Unit) One() Tag { return true }

func (Unit) Combine(a, b Tag) Tag { return a.(bool) || b.(bool) }

func (Unit) Extend(a, b Tag) Tag { return a.(bool) && b.(bool) }

func (Unit) IsZero(t Tag) bool { return !t.(bool) }

func (Unit) Equal(a, b Tag) bool { return a.(bool) == b.(bool) }

// TagInput ignores the weight: any supplied base fact is simply present.
func (Unit) TagInput(weight *float64) (Tag, error) { return true, nil }

func (Unit) Weight(t Tag) float64 {
	if t.(bool) {
		return 1
	}
	return 0
}

func (Unit) Clone() Strategy { return Unit{} }
