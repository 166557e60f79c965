package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// CategoryTotals is the rolled-up spend-vs-budget figure for one category
// and one year.
type CategoryTotals struct {
	Code           string
	Name           string
	Budget         decimal.Decimal
	Spent          decimal.Decimal
	Remaining      decimal.Decimal
	TransactionIDs []string
}

// YearlyTotals maps year -> category code -> totals.
type YearlyTotals map[string]map[string]CategoryTotals

// Discrepancy flags a parent whose declared budget disagrees with the sum
// of its non-special children beyond the tolerance. It blocks saving the
// uploaded budget sheet, never the aggregation itself.
type Discrepancy struct {
	CategoryCode string
	Year         string
	Declared     decimal.Decimal
	ChildrenSum  decimal.Decimal
	Delta        decimal.Decimal
}

// discrepancyTolerance absorbs rounding noise from hand-maintained sheets.
var discrepancyTolerance = decimal.NewFromFloat(0.01)

// AggregateYear computes totals for every category for one year.
//
// Leaves take their declared budget and the sum of matching transaction
// amounts; parents take the sum of their children, ignoring any budget
// figure declared on the parent itself. Special categories contribute zero
// everywhere and are reported through SummarizeSpecial instead. Parents
// also accumulate the transaction ids of their whole subtree so the UI can
// drill down from any level.
func AggregateYear(tree *CategoryTree, transactions []Transaction, year string) map[string]CategoryTotals {
	byCode := make(map[string][]Transaction)
	for _, tx := range transactions {
		if tx.Year != year || tx.CategoryCode == "" {
			continue
		}
		byCode[tx.CategoryCode] = append(byCode[tx.CategoryCode], tx)
	}

	out := make(map[string]CategoryTotals, tree.Len())
	for _, root := range tree.Roots() {
		aggregateNode(tree, root, byCode, year, out)
	}
	return out
}

func aggregateNode(tree *CategoryTree, c Category, byCode map[string][]Transaction, year string, out map[string]CategoryTotals) CategoryTotals {
	totals := CategoryTotals{Code: c.Code, Name: c.Name}

	if c.Special {
		// Special accounts never fold into the normal rollup.
		totals.Budget = decimal.Zero
		totals.Spent = decimal.Zero
		totals.Remaining = decimal.Zero
		out[c.Code] = totals
		return totals
	}

	children := tree.Children(c.ID)
	if len(children) == 0 {
		if b, ok := c.Budgets[year]; ok {
			totals.Budget = b
		} else {
			totals.Budget = decimal.Zero
		}
		totals.Spent = decimal.Zero
		for _, tx := range byCode[c.Code] {
			totals.Spent = totals.Spent.Add(tx.Amount)
			totals.TransactionIDs = append(totals.TransactionIDs, tx.ID)
		}
	} else {
		totals.Budget = decimal.Zero
		totals.Spent = decimal.Zero
		for _, child := range children {
			ct := aggregateNode(tree, child, byCode, year, out)
			if child.Special {
				continue
			}
			totals.Budget = totals.Budget.Add(ct.Budget)
			totals.Spent = totals.Spent.Add(ct.Spent)
			totals.TransactionIDs = append(totals.TransactionIDs, ct.TransactionIDs...)
		}
	}

	totals.Remaining = totals.Budget.Sub(totals.Spent)
	out[c.Code] = totals
	return totals
}

// Aggregate computes totals for every year that appears either in a budget
// map or on a transaction.
func Aggregate(tree *CategoryTree, transactions []Transaction) YearlyTotals {
	years := make(map[string]struct{})
	for _, root := range tree.Roots() {
		collectYears(tree, root, years)
	}
	for _, tx := range transactions {
		if tx.Year != "" {
			years[tx.Year] = struct{}{}
		}
	}

	out := make(YearlyTotals, len(years))
	for year := range years {
		out[year] = AggregateYear(tree, transactions, year)
	}
	return out
}

func collectYears(tree *CategoryTree, c Category, years map[string]struct{}) {
	for year := range c.Budgets {
		years[year] = struct{}{}
	}
	for _, child := range tree.Children(c.ID) {
		collectYears(tree, child, years)
	}
}

// CheckBudgetDiscrepancies compares every parent's declared budget against
// the sum of its non-special children's declared budgets for the given
// year. Parents without a declared figure are skipped; the declared value
// exists only as a cross-check against upload mistakes.
func CheckBudgetDiscrepancies(tree *CategoryTree, year string) []Discrepancy {
	var out []Discrepancy
	for _, root := range tree.Roots() {
		checkDiscrepancyNode(tree, root, year, &out)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryCode < out[j].CategoryCode })
	return out
}

func checkDiscrepancyNode(tree *CategoryTree, c Category, year string, out *[]Discrepancy) {
	children := tree.Children(c.ID)
	for _, child := range children {
		checkDiscrepancyNode(tree, child, year, out)
	}
	if c.Special || len(children) == 0 {
		return
	}
	declared, ok := c.Budgets[year]
	if !ok {
		return
	}

	sum := decimal.Zero
	for _, child := range children {
		if child.Special {
			continue
		}
		if b, ok := child.Budgets[year]; ok {
			sum = sum.Add(b)
		}
	}

	delta := declared.Sub(sum)
	if delta.Abs().GreaterThan(discrepancyTolerance) {
		*out = append(*out, Discrepancy{
			CategoryCode: c.Code,
			Year:         year,
			Declared:     declared,
			ChildrenSum:  sum,
			Delta:        delta,
		})
	}
}
