package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SpecialChange records the prior state of a transaction the special
// handler touched, for the audit log.
type SpecialChange struct {
	TransactionID string
	InternalCode  string
	PriorStatus   TransactionStatus
	PriorCategory string
	Action        string
}

// Audit actions recorded by the special handler.
const (
	ActionFlagForReview          = "flag_for_review"
	ActionRequireSpecialHandling = "require_special_handling"
)

// ApplySpecialHandling intercepts the two reserved account codes before
// normal category matching runs.
//
// Code 600 rows are never auto-assigned a category: any existing mapping is
// cleared, the row is reset to unprocessed and flagged for review so it
// keeps surfacing in the queue until a human marks it completed. Code 23152
// rows are tagged requires-special-handling and left out of leaf matching.
//
// The handler is idempotent; re-running it over already-flagged rows changes
// nothing. Rows are processed independently, so one odd row never blocks
// the rest of the batch.
func ApplySpecialHandling(transactions []Transaction) ([]Transaction, []SpecialChange) {
	out := make([]Transaction, len(transactions))
	var changes []SpecialChange

	for i, tx := range transactions {
		switch NormalizeInternalCode(tx.InternalCode) {
		case SpecialCodeAllocations:
			out[i] = handleAllocations(tx, &changes)
		case SpecialCodeRecurringGrant:
			out[i] = handleRecurringGrant(tx, &changes)
		default:
			out[i] = tx
		}
	}
	return out, changes
}

func handleAllocations(tx Transaction, changes *[]SpecialChange) Transaction {
	// A human already closed this one; leave it alone.
	if tx.Status == StatusCompleted {
		return tx
	}
	alreadyFlagged := tx.Metadata.NeedsReview && tx.CategoryID == "" && tx.Status == StatusUnprocessed
	if alreadyFlagged {
		return tx
	}

	*changes = append(*changes, SpecialChange{
		TransactionID: tx.ID,
		InternalCode:  tx.InternalCode,
		PriorStatus:   tx.Status,
		PriorCategory: tx.CategoryID,
		Action:        ActionFlagForReview,
	})

	tx.CategoryID = ""
	tx.CategoryCode = ""
	tx.CategoryName = ""
	tx.Status = StatusUnprocessed
	tx.Metadata.NeedsReview = true
	if tx.Metadata.OriginalInternalCode == "" {
		tx.Metadata.OriginalInternalCode = tx.InternalCode
	}
	return tx
}

func handleRecurringGrant(tx Transaction, changes *[]SpecialChange) Transaction {
	if tx.RequiresSpecialHandling {
		return tx
	}

	*changes = append(*changes, SpecialChange{
		TransactionID: tx.ID,
		InternalCode:  tx.InternalCode,
		PriorStatus:   tx.Status,
		PriorCategory: tx.CategoryID,
		Action:        ActionRequireSpecialHandling,
	})

	tx.RequiresSpecialHandling = true
	if tx.Metadata.OriginalInternalCode == "" {
		tx.Metadata.OriginalInternalCode = tx.InternalCode
	}
	return tx
}

// SpecialSummary reports the reserved accounts for one year, outside the
// normal budget rollup.
type SpecialSummary struct {
	Year string

	// Code 600 bucket: rows still waiting for review plus those completed.
	AllocationsTotal decimal.Decimal
	AllocationsCount int

	// Code 23152 bucket, split by transaction type.
	GrantAllocated decimal.Decimal
	GrantReceived  decimal.Decimal
	GrantCount     int

	TransactionIDs []string
}

// SummarizeSpecial tallies the special-account buckets. Code 23152 rows
// whose transaction type marks them as an allocation ("Zuweisung" postings)
// count toward GrantAllocated, everything else toward GrantReceived.
func SummarizeSpecial(transactions []Transaction, year string) SpecialSummary {
	s := SpecialSummary{
		Year:             year,
		AllocationsTotal: decimal.Zero,
		GrantAllocated:   decimal.Zero,
		GrantReceived:    decimal.Zero,
	}

	for _, tx := range transactions {
		if tx.Year != year {
			continue
		}
		switch NormalizeInternalCode(tx.InternalCode) {
		case SpecialCodeAllocations:
			s.AllocationsTotal = s.AllocationsTotal.Add(tx.Amount)
			s.AllocationsCount++
			s.TransactionIDs = append(s.TransactionIDs, tx.ID)
		case SpecialCodeRecurringGrant:
			if isAllocationType(tx.TransactionType) {
				s.GrantAllocated = s.GrantAllocated.Add(tx.Amount)
			} else {
				s.GrantReceived = s.GrantReceived.Add(tx.Amount)
			}
			s.GrantCount++
			s.TransactionIDs = append(s.TransactionIDs, tx.ID)
		}
	}
	return s
}

func isAllocationType(transactionType string) bool {
	return strings.Contains(strings.ToLower(transactionType), "zuweisung")
}
