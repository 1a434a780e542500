// Package relation holds typed relation schemas and, after a run, exposes
// committed contents as read-only collections.
package relation

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"provlog/internal/provenance"
	"provlog/internal/value"
)

// SchemaError reports an invalid declaration: an incompatible redeclaration,
// an arity/type mismatch, or mutation of a frozen registry.
type SchemaError struct {
	Relation string
	Msg      string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: relation %s: %s", e.Relation, e.Msg)
}

// Stage identifies the failing phase for the calling layer.
func (e *SchemaError) Stage() string { return "schema" }

// Relation is a declared relation: a name, a fixed ordered attribute schema,
// and flags. The schema is immutable once the registry freezes.
type Relation struct {
	Name   string
	Schema []value.Kind
	// Hidden marks intermediates that are not user-facing (demand
	// relations, desugared helpers).
	Hidden bool
	// Computed marks relations derived by rules, as opposed to base
	// relations populated by facts. Set during compilation.
	Computed bool
}

// Arity is the number of attributes.
func (r *Relation) Arity() int { return len(r.Schema) }

// CheckTuple validates a tuple against the schema.
func (r *Relation) CheckTuple(t value.Tuple) error {
	if len(t) != len(r.Schema) {
		return &SchemaError{Relation: r.Name, Msg: fmt.Sprintf("arity mismatch: schema has %d attributes, tuple has %d", len(r.Schema), len(t))}
	}
	for i, v := range t {
		if v.Kind != r.Schema[i] {
			return &SchemaError{Relation: r.Name, Msg: fmt.Sprintf("attribute %d: expected %s, got %s", i, r.Schema[i], v.Kind)}
		}
	}
	return nil
}

func (r *Relation) String() string {
	parts := make([]string, len(r.Schema))
	for i, k := range r.Schema {
		parts[i] = k.String()
	}
	return r.Name + "(" + strings.Join(parts, ", ") + ")"
}

// Option configures a declaration.
type Option func(*Relation)

// WithHidden marks the relation as an intermediate.
func WithHidden() Option {
	return func(r *Relation) { r.Hidden = true }
}

// Registry is the set of declared relations. It is mutable until Freeze,
// which compilation calls; a frozen registry rejects further declarations.
type Registry struct {
	mu     sync.RWMutex
	rels   map[string]*Relation
	order  []string
	frozen bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rels: make(map[string]*Relation)}
}

// Declare adds a relation. Redeclaring with an identical schema is a no-op;
// an incompatible redeclaration is a SchemaError.
func (reg *Registry) Declare(name string, schema []value.Kind, opts ...Option) (*Relation, error) {
	if name == "" {
		return nil, &SchemaError{Relation: name, Msg: "empty relation name"}
	}
	if len(schema) == 0 {
		return nil, &SchemaError{Relation: name, Msg: "relation needs at least one attribute"}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if existing, ok := reg.rels[name]; ok {
		if len(existing.Schema) != len(schema) {
			return nil, &SchemaError{Relation: name, Msg: fmt.Sprintf("redeclared with arity %d, was %d", len(schema), len(existing.Schema))}
		}
		for i := range schema {
			if schema[i] != existing.Schema[i] {
				return nil, &SchemaError{Relation: name, Msg: fmt.Sprintf("redeclared attribute %d as %s, was %s", i, schema[i], existing.Schema[i])}
			}
		}
		return existing, nil
	}

	if reg.frozen {
		return nil, &SchemaError{Relation: name, Msg: "registry is frozen after compile"}
	}

	r := &Relation{Name: name, Schema: append([]value.Kind(nil), schema...)}
	for _, opt := range opts {
		opt(r)
	}
	reg.rels[name] = r
	reg.order = append(reg.order, name)
	return r, nil
}

// Lookup returns the relation, or nil if undeclared.
func (reg *Registry) Lookup(name string) *Relation {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rels[name]
}

// Exists reports whether the relation is declared.
func (reg *Registry) Exists(name string) bool { return reg.Lookup(name) != nil }

// List returns relation names in declaration order, skipping hidden ones
// unless includeHidden is set.
func (reg *Registry) List(includeHidden bool) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.order))
	for _, name := range reg.order {
		if !includeHidden && reg.rels[name].Hidden {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Freeze makes the registry reject further declarations. Called by compile.
func (reg *Registry) Freeze() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.frozen = true
}

// Frozen reports whether Freeze has been called.
func (reg *Registry) Frozen() bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.frozen
}

// Clone returns an unfrozen deep copy, including declaration order.
func (reg *Registry) Clone() *Registry {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := NewRegistry()
	for _, name := range reg.order {
		r := reg.rels[name]
		cp := &Relation{
			Name:     r.Name,
			Schema:   append([]value.Kind(nil), r.Schema...),
			Hidden:   r.Hidden,
			Computed: r.Computed,
		}
		out.rels[name] = cp
		out.order = append(out.order, name)
	}
	return out
}

// Item is one committed fact in a collection: the tuple, its provenance tag,
// and the tag's scalar reading under the active strategy.
type Item struct {
	Tuple  value.Tuple
	Tag    provenance.Tag
	Weight float64
}

// Collection is a finite, restartable, read-only view over one relation's
// committed (tuple, tag) pairs. It is a snapshot taken when a run commits,
// not a live cursor: traversing it repeatedly never re-triggers evaluation.
type Collection struct {
	relation string
	items    []Item
}

// NewCollection builds a collection, sorting items by tuple order so that
// traversal is deterministic.
func NewCollection(relation string, items []Item) *Collection {
	sorted := append([]Item(nil), items...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Tuple.Compare(sorted[j].Tuple) < 0
	})
	return &Collection{relation: relation, items: sorted}
}

// Relation returns the relation name this collection snapshots.
func (c *Collection) Relation() string { return c.relation }

// Len returns the number of committed tuples.
func (c *Collection) Len() int { return len(c.items) }

// At returns the i-th item in tuple order.
func (c *Collection) At(i int) Item { return c.items[i] }

// Items returns all items in tuple order. The slice is shared; callers must
// not mutate it.
func (c *Collection) Items() []Item { return c.items }

// Tuples returns the tuples in order, without tags.
func (c *Collection) Tuples() []value.Tuple {
	out := make([]value.Tuple, len(c.items))
	for i, it := range c.items {
		out[i] = it.Tuple
	}
	return out
}

// Contains reports whether the tuple is committed.
func (c *Collection) Contains(t value.Tuple) bool {
	key := t.Key()
	for _, it := range c.items {
		if it.Tuple.Key() == key {
			return true
		}
	}
	return false
}

func (c *Collection) String() string {
	var sb strings.Builder
	sb.WriteString(c.relation)
	sb.WriteString(": {")
	for i, it := range c.items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(it.Tuple.String())
	}
	sb.WriteString("}")
	return sb.String()
}
