package eval

import (
	"provlog/internal/provenance"
	"provlog/internal/relation"
	"provlog/internal/value"
)

// fact is one stored tuple with its provenance tag. round records the last
// fixpoint round within the current stratum in which the tag changed; it
// drives the semi-naive delta selection.
type fact struct {
	tuple value.Tuple
	tag   provenance.Tag
	round int
}

// relStore holds the facts of one relation in insertion order, indexed by
// tuple key.
type relStore struct {
	order []*fact
	byKey map[string]*fact
}

func newRelStore() *relStore {
	return &relStore{byKey: make(map[string]*fact)}
}

// Store is the mutable fact state of one run: every relation's tagged
// tuples. A store belongs to a single run and is not safe for concurrent
// mutation.
type Store struct {
	strategy provenance.Strategy
	rels     map[string]*relStore
}

// NewStore returns an empty store bound to a provenance strategy.
func NewStore(strategy provenance.Strategy) *Store {
	return &Store{strategy: strategy, rels: make(map[string]*relStore)}
}

// Strategy returns the strategy tags in this store belong to.
func (s *Store) Strategy() provenance.Strategy { return s.strategy }

func (s *Store) rel(name string) *relStore {
	rs, ok := s.rels[name]
	if !ok {
		rs = newRelStore()
		s.rels[name] = rs
	}
	return rs
}

// Add inserts a tuple, combining tags when the tuple is already present.
// Zero tags are dropped. It reports whether the relation changed: a new
// tuple, or a tag that moved under the strategy's equality.
func (s *Store) Add(rel string, t value.Tuple, tag provenance.Tag, round int) bool {
	if s.strategy.IsZero(tag) {
		return false
	}
	rs := s.rel(rel)
	key := t.Key()
	if existing, ok := rs.byKey[key]; ok {
		merged := s.strategy.Combine(existing.tag, tag)
		if tr, ok := s.strategy.(provenance.Truncator); ok {
			merged = tr.Truncate(merged)
		}
		if s.strategy.Equal(existing.tag, merged) {
			return false
		}
		existing.tag = merged
		existing.round = round
		return true
	}
	if tr, ok := s.strategy.(provenance.Truncator); ok {
		tag = tr.Truncate(tag)
		if s.strategy.IsZero(tag) {
			return false
		}
	}
	f := &fact{tuple: t.Clone(), tag: tag, round: round}
	rs.order = append(rs.order, f)
	rs.byKey[key] = f
	return true
}

// Contains reports whether the relation holds the tuple.
func (s *Store) Contains(rel string, t value.Tuple) bool {
	rs, ok := s.rels[rel]
	if !ok {
		return false
	}
	_, found := rs.byKey[t.Key()]
	return found
}

// Count returns the number of tuples in a relation.
func (s *Store) Count(rel string) int {
	rs, ok := s.rels[rel]
	if !ok {
		return 0
	}
	return len(rs.order)
}

// facts exposes the insertion-ordered facts of a relation, or nil.
func (s *Store) facts(rel string) []*fact {
	rs, ok := s.rels[rel]
	if !ok {
		return nil
	}
	return rs.order
}

// resetRounds clears the round markers of the named relations. Called at
// stratum entry so pre-seeded facts count as settled state.
func (s *Store) resetRounds(rels []string) {
	for _, name := range rels {
		for _, f := range s.facts(name) {
			f.round = 0
		}
	}
}

// Collection snapshots a relation into a sorted read-only view with weights
// materialized from the strategy.
func (s *Store) Collection(rel string) *relation.Collection {
	rs := s.rels[rel]
	if rs == nil {
		return relation.NewCollection(rel, nil)
	}
	items := make([]relation.Item, len(rs.order))
	for i, f := range rs.order {
		items[i] = relation.Item{
			Tuple:  f.tuple.Clone(),
			Tag:    f.tag,
			Weight: s.strategy.Weight(f.tag),
		}
	}
	return relation.NewCollection(rel, items)
}

// Clone deep-copies the store onto a strategy. Tags are copied by reference;
// strategies treat tags as immutable values.
func (s *Store) Clone(strategy provenance.Strategy) *Store {
	out := NewStore(strategy)
	for name, rs := range s.rels {
		nrs := newRelStore()
		for _, f := range rs.order {
			nf := &fact{tuple: f.tuple.Clone(), tag: f.tag, round: f.round}
			nrs.order = append(nrs.order, nf)
			nrs.byKey[nf.tuple.Key()] = nf
		}
		out.rels[name] = nrs
	}
	return out
}

// Drop removes a relation's facts entirely.
func (s *Store) Drop(rel string) {
	delete(s.rels, rel)
}
