package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kassenbuch/internal/core"
	"kassenbuch/internal/storage"
)

func seedCategories(t *testing.T, repo *storage.SQLiteRepository) {
	t.Helper()
	ctx := context.Background()
	categories := []core.Category{
		{ID: "c1", Code: "F0100", Name: "Teaching"},
		{ID: "c2", Code: "F0101", Name: "Materials", ParentID: "c1",
			Budgets: map[string]decimal.Decimal{"2024": decimal.RequireFromString("1000.00")}},
		{ID: "c3", Code: "F0102", Name: "Travel", ParentID: "c1",
			Budgets: map[string]decimal.Decimal{"2024": decimal.RequireFromString("500.00")}},
	}
	for _, c := range categories {
		if err := repo.UpsertCategory(ctx, c); err != nil {
			t.Fatalf("UpsertCategory(%s) error = %v", c.Code, err)
		}
	}
}

func TestYearlyTotalsRollsUpParents(t *testing.T) {
	repo := newTestStorage(t)
	seedCategories(t, repo)
	ctx := context.Background()

	tx := importRow("T1", "F0101", "300.00")
	tx.CategoryID = "c2"
	tx.CategoryCode = "F0101"
	if err := repo.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction() error = %v", err)
	}

	svc := NewBudgetService(repo)
	totals, err := svc.YearlyTotals(ctx, "2024")
	if err != nil {
		t.Fatalf("YearlyTotals() error = %v", err)
	}

	leaf := totals["F0101"]
	if !leaf.Remaining.Equal(decimal.RequireFromString("700.00")) {
		t.Errorf("leaf remaining = %s, want 700.00", leaf.Remaining)
	}
	parent := totals["F0100"]
	if !parent.Budget.Equal(decimal.RequireFromString("1500.00")) {
		t.Errorf("parent budget = %s, want 1500.00", parent.Budget)
	}
	if !parent.Spent.Equal(decimal.RequireFromString("300.00")) {
		t.Errorf("parent spent = %s, want 300.00", parent.Spent)
	}
	if len(parent.TransactionIDs) != 1 || parent.TransactionIDs[0] != "T1" {
		t.Errorf("parent transaction ids = %v, want [T1]", parent.TransactionIDs)
	}
}

func TestMissingEntriesFlagsUnmappedRows(t *testing.T) {
	repo := newTestStorage(t)
	seedCategories(t, repo)
	ctx := context.Background()

	mapped := importRow("T1", "F0101", "50.00")
	mapped.CategoryID = "c2"
	mapped.CategoryCode = "F0101"

	unmapped := importRow("T2", "F0999", "75.00")

	for _, tx := range []core.Transaction{mapped, unmapped} {
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction(%s) error = %v", tx.ID, err)
		}
	}

	svc := NewBudgetService(repo)
	missing, err := svc.MissingEntries(ctx)
	if err != nil {
		t.Fatalf("MissingEntries() error = %v", err)
	}
	if len(missing) != 1 || missing[0].ID != "T2" {
		t.Errorf("missing = %v, want only T2", missing)
	}
}

func TestSaveCategoryBlocksDiscrepantParent(t *testing.T) {
	repo := newTestStorage(t)
	seedCategories(t, repo)
	ctx := context.Background()

	svc := NewBudgetService(repo)

	parent := core.Category{
		ID: "c1", Code: "F0100", Name: "Teaching",
		Budgets: map[string]decimal.Decimal{"2024": decimal.RequireFromString("2000.00")},
	}
	err := svc.SaveCategory(ctx, parent)
	if err == nil {
		t.Fatal("SaveCategory() should reject parent budget disagreeing with children")
	}
	if !strings.Contains(err.Error(), "discrepancy") {
		t.Errorf("error = %v, want discrepancy message", err)
	}

	// Matching the children sum saves fine.
	parent.Budgets["2024"] = decimal.RequireFromString("1500.00")
	if err := svc.SaveCategory(ctx, parent); err != nil {
		t.Fatalf("SaveCategory() with matching budget: %v", err)
	}
}

func TestSpecialSummaryService(t *testing.T) {
	repo := newTestStorage(t)
	ctx := context.Background()

	alloc := importRow("T1", "0600", "500.00")
	grant := importRow("T2", "23152", "800.00")
	grant.TransactionType = "Zuweisung"
	grant.BookingDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, tx := range []core.Transaction{alloc, grant} {
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction(%s) error = %v", tx.ID, err)
		}
	}

	svc := NewBudgetService(repo)
	summary, err := svc.SpecialSummary(ctx, "2024")
	if err != nil {
		t.Fatalf("SpecialSummary() error = %v", err)
	}
	if !summary.AllocationsTotal.Equal(decimal.RequireFromString("500.00")) {
		t.Errorf("allocations total = %s, want 500.00", summary.AllocationsTotal)
	}
	if !summary.GrantAllocated.Equal(decimal.RequireFromString("800.00")) {
		t.Errorf("grant allocated = %s, want 800.00", summary.GrantAllocated)
	}
}
