package sqlrel

import (
	"errors"
	"strings"
	"testing"

	"github.com/datajoint/populate/internal/types"
)

func TestBuildJoinQueryTwoTables(t *testing.T) {
	query, args, err := buildJoinQuery(
		[]string{"exp.session", "exp.subject"},
		[]types.Heading{{"session_id", "subject_id"}, {"subject_id", "species"}},
		[][]string{nil, nil},
		[][]any{nil, nil},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "t0.`subject_id` = t1.`subject_id`") {
		t.Errorf("expected join condition on the shared column, got: %s", query)
	}
	if len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}

func TestBuildJoinQueryThreeTablesAccumulatesEveryParent(t *testing.T) {
	// Guards the defect a prior revision had: a single joinWith field
	// overwritten by each successive Join call, so only the last pair's
	// condition ever reached the generated SQL. With three tables here,
	// both join conditions (session-subject and session-equipment) must
	// appear, not just one of them.
	query, _, err := buildJoinQuery(
		[]string{"exp.session", "exp.subject", "exp.equipment"},
		[]types.Heading{
			{"session_id", "subject_id"},
			{"subject_id", "species"},
			{"session_id", "rig"},
		},
		[][]string{nil, nil, nil},
		[][]any{nil, nil, nil},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "t0.`subject_id` = t1.`subject_id`") {
		t.Errorf("missing session-subject join condition in: %s", query)
	}
	if !strings.Contains(query, "t0.`session_id` = t2.`session_id`") {
		t.Errorf("missing session-equipment join condition in: %s", query)
	}
}

func TestBuildJoinQueryNoSharedColumnFails(t *testing.T) {
	_, _, err := buildJoinQuery(
		[]string{"exp.session", "exp.unrelated"},
		[]types.Heading{{"session_id"}, {"widget_id"}},
		[][]string{nil, nil},
		[][]any{nil, nil},
	)
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for tables with nothing to join on, got: %v", err)
	}
}

func TestBuildJoinQueryAppliesPerTableRestrictions(t *testing.T) {
	query, args, err := buildJoinQuery(
		[]string{"exp.session", "exp.subject"},
		[]types.Heading{{"session_id", "subject_id"}, {"subject_id"}},
		[][]string{{"`session_id` = ?"}, nil},
		[][]any{{1}, nil},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "t0.`session_id` = ?") {
		t.Errorf("expected restriction qualified with its own table alias, got: %s", query)
	}
	if len(args) != 1 || args[0] != 1 {
		t.Errorf("expected the restriction's arg to flow through, got %v", args)
	}
}

func TestBuildJoinQueryMismatchedMetadataFails(t *testing.T) {
	_, _, err := buildJoinQuery(
		[]string{"exp.session"},
		[]types.Heading{{"session_id"}, {"subject_id"}},
		[][]string{nil},
		[][]any{nil},
	)
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for mismatched slice lengths, got: %v", err)
	}
}

func TestSubtractConditionFallsBackToIDWithoutSharedColumns(t *testing.T) {
	cond := subtractCondition("analysis.score", "analysis.todo", nil)
	if cond != "analysis.todo.`id` = analysis.score.`id`" {
		t.Errorf("expected conventional id fallback, got: %s", cond)
	}
}

func TestSubtractConditionUsesSharedColumns(t *testing.T) {
	cond := subtractCondition("left_tbl", "right_tbl", []string{"session_id", "subject_id"})
	if !strings.Contains(cond, "right_tbl.`session_id` = left_tbl.`session_id`") ||
		!strings.Contains(cond, "right_tbl.`subject_id` = left_tbl.`subject_id`") {
		t.Errorf("expected a condition over every shared column, got: %s", cond)
	}
}

func TestSharedColumns(t *testing.T) {
	got := sharedColumns(types.Heading{"session_id", "subject_id"}, types.Heading{"subject_id", "species"})
	if len(got) != 1 || got[0] != "subject_id" {
		t.Errorf("expected only subject_id in common, got %v", got)
	}
	if sharedColumns(nil, types.Heading{"x"}) != nil {
		t.Errorf("expected nil when either heading is unknown")
	}
}
