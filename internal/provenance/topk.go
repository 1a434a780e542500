package provenance

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Proof is one derivation recorded as the set of input-fact identifiers it
// consumed, in sorted order.
type Proof struct {
	// Facts holds distinct input-fact IDs, ascending.
	Facts []int
	// seq is the derivation insertion order, used as the final ranking
	// tie-break.
	seq int64
}

func (p Proof) key() string {
	var sb strings.Builder
	for i, f := range p.Facts {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(f))
	}
	return sb.String()
}

// compareFacts orders proofs lexicographically by their sorted fact-ID lists.
func compareFacts(a, b []int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// ProofSet is the tag of the topkproofs strategy: at most k proofs, kept in
// ranking order.
type ProofSet struct {
	Proofs []Proof
}

// TopKProofs tracks, for every tuple, a bounded set of weighted proofs.
//
// Ranking rule (applied by Truncate, deterministic): proofs order by
// descending weight, where a proof's weight is the product of its input
// facts' probabilities; ties break by lexicographic comparison of the
// sorted fact-ID lists; remaining ties break by derivation insertion order.
//
// A strategy instance accumulates per-run state (input probabilities and the
// derivation sequence counter); the executor works on a fresh Clone per run
// so that fact numbering restarts deterministically.
type TopKProofs struct {
	k int

	mu      sync.Mutex
	probs   []float64
	nextID  int
	nextSeq int64
}

// NewTopKProofs builds a topkproofs strategy with bound k (>= 1).
func NewTopKProofs(k int) *TopKProofs {
	return &TopKProofs{k: k}
}

func (s *TopKProofs) Name() string { return string(KindTopKProofs) }

func (s *TopKProofs) K() int { return s.k }

func (s *TopKProofs) Zero() Tag { return ProofSet{} }

// One is the empty proof: a derivation that consumed nothing.
func (s *TopKProofs) One() Tag { return ProofSet{Proofs: []Proof{{}}} }

func (s *TopKProofs) IsZero(t Tag) bool { return len(t.(ProofSet).Proofs) == 0 }

func (s *TopKProofs) Equal(a, b Tag) bool {
	pa, pb := a.(ProofSet).Proofs, b.(ProofSet).Proofs
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if compareFacts(pa[i].Facts, pb[i].Facts) != 0 {
			return false
		}
	}
	return true
}

// TagInput assigns the next input-fact ID and records its probability.
func (s *TopKProofs) TagInput(weight *float64) (Tag, error) {
	w, err := checkProb(weight)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.recordProbLocked(id, w)
	return ProofSet{Proofs: []Proof{{Facts: []int{id}, seq: s.takeSeqLocked()}}}, nil
}

// TagInputLinked tags a base fact under an externally chosen fact ID, so a
// caller can correlate retained proofs with its own fact numbering.
func (s *TopKProofs) TagInputLinked(weight *float64, externalID int) (Tag, error) {
	w, err := checkProb(weight)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID >= s.nextID {
		s.nextID = externalID + 1
	}
	s.recordProbLocked(externalID, w)
	return ProofSet{Proofs: []Proof{{Facts: []int{externalID}, seq: s.takeSeqLocked()}}}, nil
}

func (s *TopKProofs) recordProbLocked(id int, w float64) {
	for len(s.probs) <= id {
		s.probs = append(s.probs, 1)
	}
	s.probs[id] = w
}

func (s *TopKProofs) takeSeqLocked() int64 {
	s.nextSeq++
	return s.nextSeq
}

// Combine unions the two proof sets, deduplicates identical proofs keeping
// the earliest, and truncates to k.
func (s *TopKProofs) Combine(a, b Tag) Tag {
	pa, pb := a.(ProofSet), b.(ProofSet)
	merged := make([]Proof, 0, len(pa.Proofs)+len(pb.Proofs))
	merged = append(merged, pa.Proofs...)
	merged = append(merged, pb.Proofs...)
	return s.normalize(merged)
}

// Extend forms the cross product of the two proof sets, merging fact IDs
// within each pair, then truncates to k.
func (s *TopKProofs) Extend(a, b Tag) Tag {
	pa, pb := a.(ProofSet), b.(ProofSet)
	merged := make([]Proof, 0, len(pa.Proofs)*len(pb.Proofs))
	for _, x := range pa.Proofs {
		for _, y := range pb.Proofs {
			facts := unionFacts(x.Facts, y.Facts)
			s.mu.Lock()
			seq := s.takeSeqLocked()
			s.mu.Unlock()
			merged = append(merged, Proof{Facts: facts, seq: seq})
		}
	}
	return s.normalize(merged)
}

// Truncate applies the ranking rule to an already-formed tag.
func (s *TopKProofs) Truncate(t Tag) Tag {
	return s.normalize(append([]Proof(nil), t.(ProofSet).Proofs...))
}

func (s *TopKProofs) normalize(proofs []Proof) ProofSet {
	// Dedup identical fact sets, keeping the earliest derivation.
	byKey := make(map[string]Proof, len(proofs))
	order := make([]string, 0, len(proofs))
	for _, p := range proofs {
		k := p.key()
		if prev, ok := byKey[k]; ok {
			if p.seq < prev.seq {
				byKey[k] = p
			}
			continue
		}
		byKey[k] = p
		order = append(order, k)
	}
	distinct := make([]Proof, 0, len(order))
	for _, k := range order {
		distinct = append(distinct, byKey[k])
	}

	sort.SliceStable(distinct, func(i, j int) bool {
		wi, wj := s.proofWeight(distinct[i]), s.proofWeight(distinct[j])
		if wi != wj {
			return wi > wj
		}
		if c := compareFacts(distinct[i].Facts, distinct[j].Facts); c != 0 {
			return c < 0
		}
		return distinct[i].seq < distinct[j].seq
	})

	if len(distinct) > s.k {
		distinct = distinct[:s.k]
	}
	return ProofSet{Proofs: distinct}
}

func (s *TopKProofs) proofWeight(p Proof) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := 1.0
	for _, f := range p.Facts {
		if f < len(s.probs) {
			w *= s.probs[f]
		}
	}
	return w
}

// Weight reads a tag as the probability that at least one retained proof
// holds, assuming independent inputs (noisy-or over proof weights).
func (s *TopKProofs) Weight(t Tag) float64 {
	none := 1.0
	for _, p := range t.(ProofSet).Proofs {
		none *= 1 - s.proofWeight(p)
	}
	return 1 - none
}

// Clone returns a strategy with the same bound and fresh fact numbering.
func (s *TopKProofs) Clone() Strategy { return NewTopKProofs(s.k) }

func unionFacts(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
