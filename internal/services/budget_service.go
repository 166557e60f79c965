package services

import (
	"context"
	"fmt"

	"kassenbuch/internal/core"
	"kassenbuch/internal/storage"
)

// BudgetService loads a consistent snapshot of categories and transactions
// and answers the read-side questions: totals, missing entries, special
// buckets, discrepancies.
type BudgetService struct {
	storage *storage.SQLiteRepository
}

func NewBudgetService(storage *storage.SQLiteRepository) *BudgetService {
	return &BudgetService{storage: storage}
}

// snapshot loads the category tree and all transactions once so every
// computation in a request sees the same state.
func (s *BudgetService) snapshot(ctx context.Context) (*core.CategoryTree, []core.Transaction, error) {
	categories, err := s.storage.ListCategories(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load categories: %w", err)
	}
	tree, err := core.NewCategoryTree(categories)
	if err != nil {
		return nil, nil, fmt.Errorf("build category tree: %w", err)
	}
	transactions, err := s.storage.ListTransactions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load transactions: %w", err)
	}
	return tree, transactions, nil
}

// YearlyTotals computes budget, spent and remaining per category for one year.
func (s *BudgetService) YearlyTotals(ctx context.Context, year string) (map[string]core.CategoryTotals, error) {
	tree, transactions, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return core.AggregateYear(tree, transactions, year), nil
}

// AllTotals computes totals for every year with a budget or a transaction.
func (s *BudgetService) AllTotals(ctx context.Context) (core.YearlyTotals, error) {
	tree, transactions, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return core.Aggregate(tree, transactions), nil
}

// MissingEntries returns the transactions that fail the properly-mapped
// rules and need a human look.
func (s *BudgetService) MissingEntries(ctx context.Context) ([]core.Transaction, error) {
	tree, transactions, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return core.MissingEntries(transactions, tree), nil
}

// SpecialSummary tallies the two reserved accounts for one year.
func (s *BudgetService) SpecialSummary(ctx context.Context, year string) (core.SpecialSummary, error) {
	transactions, err := s.storage.ListTransactionsByYear(ctx, year)
	if err != nil {
		return core.SpecialSummary{}, fmt.Errorf("load transactions: %w", err)
	}
	return core.SummarizeSpecial(transactions, year), nil
}

// Discrepancies flags parents whose declared budget disagrees with the sum
// of their children for one year.
func (s *BudgetService) Discrepancies(ctx context.Context, year string) ([]core.Discrepancy, error) {
	categories, err := s.storage.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	tree, err := core.NewCategoryTree(categories)
	if err != nil {
		return nil, fmt.Errorf("build category tree: %w", err)
	}
	return core.CheckBudgetDiscrepancies(tree, year), nil
}

// SaveCategory validates and persists a category. A declared parent budget
// that disagrees with its children blocks the save; the aggregation paths
// never enforce this.
func (s *BudgetService) SaveCategory(ctx context.Context, c core.Category) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validate category: %w", err)
	}

	categories, err := s.storage.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	merged := make([]core.Category, 0, len(categories)+1)
	replaced := false
	for _, existing := range categories {
		if existing.ID == c.ID {
			merged = append(merged, c)
			replaced = true
			continue
		}
		merged = append(merged, existing)
	}
	if !replaced {
		merged = append(merged, c)
	}

	tree, err := core.NewCategoryTree(merged)
	if err != nil {
		return fmt.Errorf("build category tree: %w", err)
	}
	for year := range c.Budgets {
		if disc := core.CheckBudgetDiscrepancies(tree, year); len(disc) > 0 {
			return fmt.Errorf("budget discrepancy on %s: parent %s declares %s but children sum to %s",
				year, disc[0].CategoryCode, disc[0].Declared, disc[0].ChildrenSum)
		}
	}

	return s.storage.UpsertCategory(ctx, c)
}

// DeleteCategory removes a category; storage rejects the delete while
// children or transactions still reference it.
func (s *BudgetService) DeleteCategory(ctx context.Context, id string) error {
	return s.storage.DeleteCategory(ctx, id)
}

// Categories lists all categories with budgets.
func (s *BudgetService) Categories(ctx context.Context) ([]core.Category, error) {
	return s.storage.ListCategories(ctx)
}
