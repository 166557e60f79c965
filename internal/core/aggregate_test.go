package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tx(id, year, code, amount string) Transaction {
	return Transaction{
		ID:           id,
		Year:         year,
		CategoryCode: code,
		CategoryID:   "cat-" + code,
		Amount:       dec(amount),
		BookingDate:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
}

func TestAggregateLeafAndParent(t *testing.T) {
	// Root(F0100, no own budget) -> Child(F0101, budget 2024=1000),
	// one transaction of 300 on the child.
	cats := []Category{
		{ID: "root", Code: "F0100", Name: "Verwaltung"},
		{ID: "child", Code: "F0101", Name: "Ausstattung", ParentID: "root",
			Budgets: map[string]decimal.Decimal{"2024": dec("1000")}},
	}
	tree, err := NewCategoryTree(cats)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	txs := []Transaction{tx("t1", "2024", "F0101", "300")}

	totals := AggregateYear(tree, txs, "2024")

	child := totals["F0101"]
	if !child.Spent.Equal(dec("300")) || !child.Budget.Equal(dec("1000")) {
		t.Fatalf("child totals = spent %s budget %s", child.Spent, child.Budget)
	}
	root := totals["F0100"]
	if !root.Spent.Equal(dec("300")) {
		t.Fatalf("root spent = %s, want 300", root.Spent)
	}
	if !root.Remaining.Equal(dec("700")) {
		t.Fatalf("root remaining = %s, want 700", root.Remaining)
	}
	if len(root.TransactionIDs) != 1 || root.TransactionIDs[0] != "t1" {
		t.Fatalf("root should accumulate descendant transaction ids, got %v", root.TransactionIDs)
	}
}

func TestAggregateAdditivity(t *testing.T) {
	cats := []Category{
		{ID: "r", Code: "F0100", Budgets: map[string]decimal.Decimal{"2024": dec("9999")}}, // ignored on parent
		{ID: "a", Code: "F0101", ParentID: "r", Budgets: map[string]decimal.Decimal{"2024": dec("100.10")}},
		{ID: "b", Code: "F0102", ParentID: "r"},
		{ID: "b1", Code: "F0110", ParentID: "b", Budgets: map[string]decimal.Decimal{"2024": dec("50.25")}},
		{ID: "b2", Code: "F0111", ParentID: "b", Budgets: map[string]decimal.Decimal{"2024": dec("49.75")}},
	}
	tree, err := NewCategoryTree(cats)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	txs := []Transaction{
		tx("t1", "2024", "F0101", "10.01"),
		tx("t2", "2024", "F0110", "20.02"),
		tx("t3", "2024", "F0111", "0.97"),
		tx("t4", "2025", "F0111", "500"), // different year, excluded
	}

	totals := AggregateYear(tree, txs, "2024")

	// Parent budget/spent must equal the sum of children, recursively.
	b := totals["F0102"]
	if !b.Budget.Equal(dec("100")) {
		t.Fatalf("F0102 budget = %s, want 100", b.Budget)
	}
	if !b.Spent.Equal(dec("20.99")) {
		t.Fatalf("F0102 spent = %s, want 20.99", b.Spent)
	}
	r := totals["F0100"]
	if !r.Budget.Equal(dec("200.10")) {
		t.Fatalf("root budget = %s, want 200.10 (declared 9999 must be ignored)", r.Budget)
	}
	if !r.Spent.Equal(totals["F0101"].Spent.Add(b.Spent)) {
		t.Fatalf("root spent %s != sum of children", r.Spent)
	}
}

func TestAggregateSpecialExcluded(t *testing.T) {
	cats := []Category{
		{ID: "r", Code: "F0100"},
		{ID: "a", Code: "F0101", ParentID: "r", Budgets: map[string]decimal.Decimal{"2024": dec("100")}},
		{ID: "s", Code: "F0600", ParentID: "r", Special: true},
	}
	tree, err := NewCategoryTree(cats)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	txs := []Transaction{
		tx("t1", "2024", "F0101", "40"),
		tx("t2", "2024", "F0600", "1000000"), // must never leak into the rollup
	}

	totals := AggregateYear(tree, txs, "2024")
	r := totals["F0100"]
	if !r.Budget.Equal(dec("100")) || !r.Spent.Equal(dec("40")) {
		t.Fatalf("special category leaked into rollup: budget %s spent %s", r.Budget, r.Spent)
	}
	s := totals["F0600"]
	if !s.Budget.IsZero() || !s.Spent.IsZero() {
		t.Fatalf("special totals must be zero, got budget %s spent %s", s.Budget, s.Spent)
	}
}

func TestAggregateNegativeRemaining(t *testing.T) {
	cats := []Category{
		{ID: "a", Code: "F0101", Budgets: map[string]decimal.Decimal{"2024": dec("50")}},
	}
	tree, _ := NewCategoryTree(cats)
	totals := AggregateYear(tree, []Transaction{tx("t1", "2024", "F0101", "80")}, "2024")
	if !totals["F0101"].Remaining.Equal(dec("-30")) {
		t.Fatalf("remaining = %s, want -30 (no clamping)", totals["F0101"].Remaining)
	}
}

func TestAggregateAllYears(t *testing.T) {
	cats := []Category{
		{ID: "a", Code: "F0101", Budgets: map[string]decimal.Decimal{"2023": dec("10"), "2024": dec("20")}},
	}
	tree, _ := NewCategoryTree(cats)
	txs := []Transaction{tx("t1", "2025", "F0101", "5")}

	totals := Aggregate(tree, txs)
	for _, year := range []string{"2023", "2024", "2025"} {
		if _, ok := totals[year]; !ok {
			t.Fatalf("missing year %s in totals", year)
		}
	}
	if !totals["2025"]["F0101"].Spent.Equal(dec("5")) {
		t.Fatalf("2025 spent = %s", totals["2025"]["F0101"].Spent)
	}
}

func TestCheckBudgetDiscrepancies(t *testing.T) {
	cats := []Category{
		{ID: "r", Code: "F0100", Budgets: map[string]decimal.Decimal{"2024": dec("1000")}},
		{ID: "a", Code: "F0101", ParentID: "r", Budgets: map[string]decimal.Decimal{"2024": dec("600")}},
		{ID: "b", Code: "F0102", ParentID: "r", Budgets: map[string]decimal.Decimal{"2024": dec("300")}},
	}
	tree, err := NewCategoryTree(cats)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}

	flags := CheckBudgetDiscrepancies(tree, "2024")
	if len(flags) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(flags))
	}
	d := flags[0]
	if d.CategoryCode != "F0100" || !d.Delta.Equal(dec("100")) || !d.ChildrenSum.Equal(dec("900")) {
		t.Fatalf("unexpected discrepancy %+v", d)
	}
}

func TestCheckBudgetDiscrepanciesWithinTolerance(t *testing.T) {
	cats := []Category{
		{ID: "r", Code: "F0100", Budgets: map[string]decimal.Decimal{"2024": dec("100.01")}},
		{ID: "a", Code: "F0101", ParentID: "r", Budgets: map[string]decimal.Decimal{"2024": dec("100")}},
	}
	tree, _ := NewCategoryTree(cats)
	if flags := CheckBudgetDiscrepancies(tree, "2024"); len(flags) != 0 {
		t.Fatalf("0.01 delta is within tolerance, got %+v", flags)
	}
}
