package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"kassenbuch/internal/amqp"
	"kassenbuch/internal/core"
	"kassenbuch/internal/report"
	"kassenbuch/internal/storage"
)

// ReportWorker rebuilds yearly budget reports from the database and pushes
// them through the exporter port whenever a sync message arrives.
type ReportWorker struct {
	storage  *storage.SQLiteRepository
	exporter report.TotalsExporter
	// maxConcurrent caps parallel exports when a full resync touches
	// several years at once.
	maxConcurrent int
}

func NewReportWorker(storage *storage.SQLiteRepository, exporter report.TotalsExporter, maxConcurrent int) *ReportWorker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ReportWorker{
		storage:       storage,
		exporter:      exporter,
		maxConcurrent: maxConcurrent,
	}
}

// HandleSyncMessage processes one report sync message from AMQP.
func (w *ReportWorker) HandleSyncMessage(ctx context.Context, msg *amqp.ReportSyncMessage) error {
	slog.InfoContext(ctx, "Processing report sync message", "year", msg.Year)

	if msg.Year != "" {
		return w.ExportYear(ctx, msg.Year)
	}
	return w.ExportAll(ctx)
}

// ExportYear recomputes and exports totals for one year.
func (w *ReportWorker) ExportYear(ctx context.Context, year string) error {
	tree, err := w.loadTree(ctx)
	if err != nil {
		return err
	}
	transactions, err := w.storage.ListTransactions(ctx)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	totals := core.AggregateYear(tree, transactions, year)
	if err := w.exporter.ExportYear(ctx, year, totals); err != nil {
		return fmt.Errorf("export year %s: %w", year, err)
	}

	slog.InfoContext(ctx, "Year exported", "year", year, "categories", len(totals))
	return nil
}

// ExportAll recomputes every year that has budgets or transactions and
// exports them concurrently.
func (w *ReportWorker) ExportAll(ctx context.Context) error {
	tree, err := w.loadTree(ctx)
	if err != nil {
		return err
	}
	transactions, err := w.storage.ListTransactions(ctx)
	if err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	yearly := core.Aggregate(tree, transactions)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxConcurrent)
	for year, totals := range yearly {
		g.Go(func() error {
			if err := w.exporter.ExportYear(ctx, year, totals); err != nil {
				return fmt.Errorf("export year %s: %w", year, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	slog.InfoContext(ctx, "Full report export finished", "years", len(yearly))
	return nil
}

func (w *ReportWorker) loadTree(ctx context.Context) (*core.CategoryTree, error) {
	categories, err := w.storage.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	tree, err := core.NewCategoryTree(categories)
	if err != nil {
		return nil, fmt.Errorf("build category tree: %w", err)
	}
	return tree, nil
}
