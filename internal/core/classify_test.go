package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func classifierTree(t *testing.T) *CategoryTree {
	t.Helper()
	cats := []Category{
		{ID: "parent", Code: "F0100", Name: "Verwaltung"},
		{ID: "leaf", Code: "F0101", Name: "Ausstattung", ParentID: "parent"},
		{ID: "leaf2", Code: "F0102", Name: "Betrieb", ParentID: "parent"},
	}
	tree, err := NewCategoryTree(cats)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree
}

func TestIsProperlyMapped(t *testing.T) {
	tree := classifierTree(t)
	base := Transaction{
		ProjectCode: "P1", Year: "2024",
		Amount:      decimal.RequireFromString("10"),
		BookingDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	cases := []struct {
		name   string
		mutate func(*Transaction)
		want   bool
	}{
		{"needs review always unmapped", func(tx *Transaction) {
			tx.CategoryID = "leaf"
			tx.CategoryCode = "F0101"
			tx.Metadata.NeedsReview = true
		}, false},
		{"no category, ordinary code", func(tx *Transaction) {
			tx.InternalCode = "47110"
		}, false},
		{"special code unprocessed", func(tx *Transaction) {
			tx.InternalCode = "0600"
			tx.Status = StatusUnprocessed
		}, false},
		{"special code completed", func(tx *Transaction) {
			tx.InternalCode = "0600"
			tx.Status = StatusCompleted
		}, true},
		{"category without code", func(tx *Transaction) {
			tx.CategoryID = "leaf"
			tx.CategoryCode = ""
		}, false},
		{"category with foreign prefix", func(tx *Transaction) {
			tx.CategoryID = "leaf"
			tx.CategoryCode = "X0101"
		}, false},
		{"dangling category reference", func(tx *Transaction) {
			tx.CategoryID = "deleted"
			tx.CategoryCode = "F0101"
		}, false},
		{"leaf category", func(tx *Transaction) {
			tx.CategoryID = "leaf"
			tx.CategoryCode = "F0101"
		}, true},
		{"parent with child code", func(tx *Transaction) {
			tx.CategoryID = "parent"
			tx.CategoryCode = "F0102"
		}, true},
		{"parent with own code only", func(tx *Transaction) {
			tx.CategoryID = "parent"
			tx.CategoryCode = "F0100"
		}, false},
	}

	for _, tc := range cases {
		tx := base
		tc.mutate(&tx)
		if got := IsProperlyMapped(tx, tree); got != tc.want {
			t.Fatalf("%s: IsProperlyMapped = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMissingEntries(t *testing.T) {
	tree := classifierTree(t)
	txs := []Transaction{
		{ID: "mapped", CategoryID: "leaf", CategoryCode: "F0101"},
		{ID: "special", InternalCode: "0600", Status: StatusUnprocessed},
		{ID: "unassigned", InternalCode: "47110"},
	}

	missing := MissingEntries(txs, tree)
	if len(missing) != 2 {
		t.Fatalf("expected 2 missing entries, got %d", len(missing))
	}
	if missing[0].ID != "special" || missing[1].ID != "unassigned" {
		t.Fatalf("missing entries out of order: %s, %s", missing[0].ID, missing[1].ID)
	}
}

func TestSpecialCodeCompletedAppearsMapped(t *testing.T) {
	// Scenario: internalCode "0600", no category, status unprocessed is a
	// missing entry; flipping status to completed resolves it.
	tree := classifierTree(t)
	tx := Transaction{ID: "t", InternalCode: "0600", Status: StatusUnprocessed}

	if IsProperlyMapped(tx, tree) {
		t.Fatalf("unprocessed 0600 row must be unmapped")
	}
	tx.Status = StatusCompleted
	if !IsProperlyMapped(tx, tree) {
		t.Fatalf("completed 0600 row must be mapped")
	}
}
