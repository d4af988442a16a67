// Package keysource implements the Key-Source Resolver (spec §4.1):
// constructing the default key source for a target table by joining
// its primary parents, or validating a user-supplied override.
package keysource

import (
	"context"
	"fmt"

	"github.com/datajoint/populate/internal/relation"
	"github.com/datajoint/populate/internal/types"
)

// Resolve constructs the key source for target, per spec §4.1:
//
//	for each primary parent, project with renaming if the parent's
//	attribute map renames anything, else project unchanged; join
//	parents with natural join in declared order.
//
// Fails with types.ErrConfiguration if the target has no primary
// parents, unless an override is supplied.
func Resolve(ctx context.Context, coll relation.Collaborator, target *types.TargetTable) (relation.Expression, error) {
	if target.KeySourceOverride != nil {
		expr, ok := target.KeySourceOverride.(relation.Expression)
		if !ok {
			return nil, fmt.Errorf("%w: key source override does not implement relation.Expression", types.ErrConfiguration)
		}
		if err := validateOverride(ctx, expr, target); err != nil {
			return nil, err
		}
		return expr, nil
	}

	if len(target.PrimaryParents) == 0 {
		return nil, fmt.Errorf("%w: target %s has no primary parents and no key source override",
			types.ErrConfiguration, target.FullName)
	}

	var joined relation.Expression
	for _, parent := range target.PrimaryParents {
		base, err := coll.Table(ctx, parent.FullName)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve primary parent %s: %w", parent.FullName, err)
		}

		var projected relation.Expression
		if parent.Renamed() {
			heading, err := base.Heading(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read heading of %s: %w", parent.FullName, err)
			}
			renamedHeading := make(types.Heading, len(heading))
			for i, attr := range heading {
				if renamed, ok := parent.AttributeMap[attr]; ok {
					renamedHeading[i] = renamed
				} else {
					renamedHeading[i] = attr
				}
			}
			projected = base.Project(renamedHeading, parent.AttributeMap)
		} else {
			heading, err := base.Heading(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to read heading of %s: %w", parent.FullName, err)
			}
			projected = base.Project(heading, nil)
		}

		if joined == nil {
			joined = projected
		} else {
			joined = joined.Join(projected)
		}
	}

	if err := validateOverride(ctx, joined, target); err != nil {
		return nil, err
	}
	return joined, nil
}

// validateOverride checks that expr's output heading contains every
// attribute of the target's primary key, per spec §4.1's resolver
// invariant.
func validateOverride(ctx context.Context, expr relation.Expression, target *types.TargetTable) error {
	heading, err := expr.Heading(ctx)
	if err != nil {
		return fmt.Errorf("failed to read key source heading: %w", err)
	}
	if !types.HeadingContains(heading, target.PrimaryKey) {
		return fmt.Errorf("%w: key source for %s does not expose primary key attributes %v (has %v)",
			types.ErrSchema, target.FullName, target.PrimaryKey, heading)
	}
	return nil
}
