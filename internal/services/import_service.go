package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"kassenbuch/internal/amqp"
	"kassenbuch/internal/core"
	"kassenbuch/internal/importer"
	"kassenbuch/internal/log"
	"kassenbuch/internal/storage"
)

// ImportSummary is the three-way tally reported back after a batch upload.
// Skipped counts rows the matcher recognized as already persisted; Failed
// counts rows the parser rejected. Neither aborts the batch.
type ImportSummary struct {
	Imported         int                 `json:"imported"`
	Skipped          int                 `json:"skipped"`
	Failed           int                 `json:"failed"`
	MatchedInquiries int                 `json:"matched_inquiries"`
	Years            []string            `json:"years"`
	RowErrors        []importer.RowError `json:"row_errors,omitempty"`
}

// ImportService orchestrates a workbook upload: parse, special-account
// handling, duplicate reconciliation, persistence, and the report sync
// message.
type ImportService struct {
	storage    *storage.SQLiteRepository
	amqpClient *amqp.Client
}

func NewImportService(storage *storage.SQLiteRepository, amqpClient *amqp.Client) *ImportService {
	return &ImportService{
		storage:    storage,
		amqpClient: amqpClient,
	}
}

// ImportWorkbook parses an uploaded xlsx stream and runs the full import
// pipeline on it.
func (s *ImportService) ImportWorkbook(ctx context.Context, r io.Reader, sheet string) (ImportSummary, error) {
	result, err := importer.ParseWorkbook(r, sheet)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("parse workbook: %w", err)
	}
	return s.ImportTransactions(ctx, result)
}

// ImportTransactions reconciles parsed rows against the store and persists
// the genuinely new ones. Rows matching persisted transactions are skipped;
// rows matching an open inquiry are reported but the inquiry stays open for
// a human decision.
func (s *ImportService) ImportTransactions(ctx context.Context, result importer.Result) (ImportSummary, error) {
	summary := ImportSummary{
		Failed:    len(result.Errors),
		RowErrors: result.Errors,
	}

	incoming, changes := core.ApplySpecialHandling(result.Transactions)

	persisted, err := s.storage.ListTransactions(ctx)
	if err != nil {
		return summary, fmt.Errorf("load persisted transactions: %w", err)
	}
	openInquiries, err := s.storage.ListOpenInquiries(ctx)
	if err != nil {
		return summary, fmt.Errorf("load open inquiries: %w", err)
	}

	match := core.MatchBatch(incoming, persisted, openInquiries)
	summary.Skipped = len(match.ExistingIDs)
	summary.MatchedInquiries = len(match.MatchedInquiries)

	// Audit special handling only for rows the matcher did not recognize,
	// otherwise every re-upload of the same export would re-append a flag
	// entry for each already persisted row.
	newIDs := make(map[string]struct{}, len(match.NewTransactions))
	for _, tx := range match.NewTransactions {
		newIDs[tx.ID] = struct{}{}
	}
	for _, change := range changes {
		if _, ok := newIDs[change.TransactionID]; !ok {
			continue
		}
		next := change.PriorStatus
		if change.Action == core.ActionFlagForReview {
			next = core.StatusUnprocessed
		}
		err := s.storage.AppendAudit(ctx, storage.AuditEntry{
			TransactionID: change.TransactionID,
			Action:        change.Action,
			PriorStatus:   change.PriorStatus,
			NextStatus:    next,
			Detail:        change.InternalCode,
		})
		if err != nil {
			// Best effort: a failed audit row never blocks the batch.
			slog.WarnContext(ctx, "Failed to record special handling audit",
				"transaction_id", change.TransactionID, "error", err)
		}
	}

	for _, m := range match.MatchedInquiries {
		slog.InfoContext(ctx, "Incoming row matches open inquiry",
			"transaction_id", m.Transaction.ID,
			"inquiry_id", m.Inquiry.ID,
			"incoming_id", m.Incoming.ID)
	}

	years := make(map[string]struct{})
	for _, tx := range match.NewTransactions {
		if tx.Status == "" {
			tx.Status = core.StatusUnprocessed
		}
		if tx.Metadata.Fingerprint == "" {
			tx.Metadata.Fingerprint = tx.Fingerprint()
		}
		if err := s.storage.SaveTransaction(ctx, tx); err != nil {
			slog.ErrorContext(ctx, "Failed to save transaction",
				"transaction_id", tx.ID, "error", err)
			summary.Failed++
			continue
		}
		summary.Imported++
		years[tx.Year] = struct{}{}
	}

	for year := range years {
		summary.Years = append(summary.Years, year)
		if err := s.publishSyncMessage(ctx, year); err != nil {
			slog.ErrorContext(ctx, "Failed to publish report sync message",
				"year", year, "error", err)
			// Don't fail the import, rows are saved locally.
		}
	}

	slog.InfoContext(ctx, "Import finished",
		log.FieldImported, summary.Imported,
		log.FieldSkipped, summary.Skipped,
		log.FieldFailed, summary.Failed,
		"matched_inquiries", summary.MatchedInquiries)

	return summary, nil
}

func (s *ImportService) publishSyncMessage(ctx context.Context, year string) error {
	if s.amqpClient == nil {
		slog.WarnContext(ctx, "AMQP client not available, skipping sync message")
		return nil
	}
	return s.amqpClient.PublishReportSync(ctx, year)
}
