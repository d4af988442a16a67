package types

import "sync/atomic"

// ParentRef describes one primary-parent table feeding a target
// table's default key source. AttributeMap renames foreign-key
// attributes from the parent's names to the target's names; an empty
// map means the attributes are projected unchanged.
type ParentRef struct {
	FullName     string
	AttributeMap map[string]string // parent attribute -> target attribute
}

// Renamed reports whether this parent aliases any attribute.
func (p ParentRef) Renamed() bool {
	return len(p.AttributeMap) > 0
}

// TargetTable is the derived table being populated. It is the unit the
// Key-Source Resolver, Todo Computer, Jobs Registry, and Make Invoker
// all operate against.
type TargetTable struct {
	// FullName is the schema-qualified table name, e.g. "analysis.scores".
	FullName string

	// PrimaryKey is the target's declared primary-key attribute order.
	PrimaryKey Heading

	// PrimaryParents are joined (in this order) to build the default
	// key source when no override is supplied.
	PrimaryParents []ParentRef

	// KeySourceOverride, if set, replaces the default join-of-parents
	// key source. It must expose every PrimaryKey attribute.
	KeySourceOverride Expression

	// guardDepth is process-local and counts the make invocations
	// currently in flight for this target; see PopulateGuard.
	guardDepth atomic.Int32
}

// PopulateGuard is the process-local insertion capability described in
// spec §4.4 and §9. Rather than a class-level flag shared across the
// process, each TargetTable owns its own guard: the Make Invoker
// raises it immediately before calling user make code and lowers it
// unconditionally afterward (finally-equivalent), and Insert (on the
// relational collaborator used for the target) must check it before
// allowing a write.
type PopulateGuard struct {
	target *TargetTable
}

// NewPopulateGuard returns the guard for a target table.
func NewPopulateGuard(t *TargetTable) *PopulateGuard {
	return &PopulateGuard{target: t}
}

// Raise marks the target as currently inside a make invocation and
// returns a lower func that must be deferred immediately.
func (g *PopulateGuard) Raise() (lower func()) {
	g.target.guardDepth.Add(1)
	return func() { g.target.guardDepth.Add(-1) }
}

// Allowed reports whether a direct insert on the target is currently
// permitted (i.e. at least one make invocation is in flight).
func (g *PopulateGuard) Allowed() bool {
	return g.target.guardDepth.Load() > 0
}
