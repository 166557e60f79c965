package core

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplySpecialHandlingAllocations(t *testing.T) {
	in := []Transaction{{
		ID:           "t1",
		InternalCode: "0600",
		Status:       StatusPending,
		CategoryID:   "cat",
		CategoryCode: "F0101",
		CategoryName: "Ausstattung",
	}}

	out, changes := ApplySpecialHandling(in)

	got := out[0]
	if got.CategoryID != "" || got.CategoryCode != "" || got.CategoryName != "" {
		t.Fatalf("category mapping must be cleared, got %+v", got)
	}
	if got.Status != StatusUnprocessed {
		t.Fatalf("status = %s, want unprocessed", got.Status)
	}
	if !got.Metadata.NeedsReview {
		t.Fatalf("needs-review flag not set")
	}
	if got.Metadata.OriginalInternalCode != "0600" {
		t.Fatalf("original internal code = %q", got.Metadata.OriginalInternalCode)
	}

	if len(changes) != 1 {
		t.Fatalf("expected 1 audit change, got %d", len(changes))
	}
	if changes[0].PriorStatus != StatusPending || changes[0].PriorCategory != "cat" {
		t.Fatalf("audit change must record prior state, got %+v", changes[0])
	}
}

func TestApplySpecialHandlingCompletedLeftAlone(t *testing.T) {
	in := []Transaction{{ID: "t1", InternalCode: "600", Status: StatusCompleted}}
	out, changes := ApplySpecialHandling(in)
	if len(changes) != 0 {
		t.Fatalf("completed rows must not be reset")
	}
	if out[0].Status != StatusCompleted {
		t.Fatalf("status changed to %s", out[0].Status)
	}
}

func TestApplySpecialHandlingRecurringGrant(t *testing.T) {
	in := []Transaction{{ID: "t1", InternalCode: "023152", Status: StatusUnprocessed}}
	out, changes := ApplySpecialHandling(in)
	if !out[0].RequiresSpecialHandling {
		t.Fatalf("requires-special-handling not set")
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
}

func TestApplySpecialHandlingIdempotent(t *testing.T) {
	in := []Transaction{
		{ID: "t1", InternalCode: "0600", Status: StatusPending, CategoryID: "cat"},
		{ID: "t2", InternalCode: "23152"},
		{ID: "t3", InternalCode: "47110", CategoryID: "x"},
	}

	once, firstChanges := ApplySpecialHandling(in)
	twice, secondChanges := ApplySpecialHandling(once)

	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second pass changed transactions:\n once: %+v\ntwice: %+v", once, twice)
	}
	if len(firstChanges) != 2 {
		t.Fatalf("first pass: expected 2 changes, got %d", len(firstChanges))
	}
	if len(secondChanges) != 0 {
		t.Fatalf("second pass must be a no-op, got %d changes", len(secondChanges))
	}
}

func TestSummarizeSpecial(t *testing.T) {
	txs := []Transaction{
		{ID: "a1", Year: "2024", InternalCode: "0600", Amount: decimal.RequireFromString("100")},
		{ID: "a2", Year: "2024", InternalCode: "600", Amount: decimal.RequireFromString("50")},
		{ID: "g1", Year: "2024", InternalCode: "23152", TransactionType: "Zuweisung", Amount: decimal.RequireFromString("700")},
		{ID: "g2", Year: "2024", InternalCode: "23152", TransactionType: "Eingang", Amount: decimal.RequireFromString("300")},
		{ID: "x", Year: "2023", InternalCode: "600", Amount: decimal.RequireFromString("999")},
		{ID: "n", Year: "2024", InternalCode: "47110", Amount: decimal.RequireFromString("1")},
	}

	s := SummarizeSpecial(txs, "2024")
	if !s.AllocationsTotal.Equal(decimal.RequireFromString("150")) || s.AllocationsCount != 2 {
		t.Fatalf("allocations: total %s count %d", s.AllocationsTotal, s.AllocationsCount)
	}
	if !s.GrantAllocated.Equal(decimal.RequireFromString("700")) {
		t.Fatalf("grant allocated = %s", s.GrantAllocated)
	}
	if !s.GrantReceived.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("grant received = %s", s.GrantReceived)
	}
	if s.GrantCount != 2 {
		t.Fatalf("grant count = %d", s.GrantCount)
	}
	if len(s.TransactionIDs) != 4 {
		t.Fatalf("transaction ids = %v", s.TransactionIDs)
	}
}
