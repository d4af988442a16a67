package types

import "context"

// Expression is the narrow marker an external relational expression
// must satisfy to be usable as a key source. The algebra itself
// (restriction, join, projection, subtraction) is an external
// collaborator per spec §6 — this package only needs to know an
// expression's output heading and how to materialize it, not how it
// was built.
type Expression interface {
	// Heading returns the output attribute names of the expression.
	Heading(ctx context.Context) (Heading, error)

	// Fetch materializes every row of the expression as a list of
	// keys. Used only by the Todo Computer, which is responsible for
	// bounding the result (limit, restriction) before calling Fetch.
	Fetch(ctx context.Context) ([]Key, error)
}

// HeadingContains reports whether every attribute in want appears in
// have.
func HeadingContains(have Heading, want Heading) bool {
	set := make(map[string]bool, len(have))
	for _, a := range have {
		set[a] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}
