package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"kassenbuch/internal/core"
	"kassenbuch/internal/storage"
)

var (
	// ErrNotLeaf rejects assignments to parent categories; spend only
	// ever books on leaves.
	ErrNotLeaf = errors.New("category is not a leaf")

	// ErrSpecialCategory rejects assignments to the reserved accounts.
	ErrSpecialCategory = errors.New("category is reserved for special handling")
)

// InquiryService drives the clarification workflow for rows nobody could
// categorize automatically.
type InquiryService struct {
	storage *storage.SQLiteRepository
}

func NewInquiryService(storage *storage.SQLiteRepository) *InquiryService {
	return &InquiryService{storage: storage}
}

// Raise opens an inquiry for a transaction and parks it as pending_inquiry.
func (s *InquiryService) Raise(ctx context.Context, transactionID, note string) (core.Inquiry, error) {
	inq := core.Inquiry{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Note:          note,
		Status:        core.InquiryPending,
	}
	if err := inq.Validate(); err != nil {
		return core.Inquiry{}, fmt.Errorf("validate inquiry: %w", err)
	}

	if err := s.storage.RaiseInquiry(ctx, inq); err != nil {
		return core.Inquiry{}, fmt.Errorf("raise inquiry: %w", err)
	}

	slog.InfoContext(ctx, "Inquiry raised",
		"inquiry_id", inq.ID,
		"transaction_id", transactionID)
	return inq, nil
}

// Resolve accepts the clarification: the inquiry closes and the transaction
// completes.
func (s *InquiryService) Resolve(ctx context.Context, inquiryID string) (core.Inquiry, error) {
	inq, err := s.storage.CloseInquiry(ctx, inquiryID, true)
	if err != nil {
		return core.Inquiry{}, fmt.Errorf("resolve inquiry: %w", err)
	}
	slog.InfoContext(ctx, "Inquiry resolved",
		"inquiry_id", inq.ID,
		"transaction_id", inq.TransactionID)
	return inq, nil
}

// Reject closes the inquiry without an answer; the transaction drops back
// to unprocessed so it surfaces in the review queue again.
func (s *InquiryService) Reject(ctx context.Context, inquiryID string) (core.Inquiry, error) {
	inq, err := s.storage.CloseInquiry(ctx, inquiryID, false)
	if err != nil {
		return core.Inquiry{}, fmt.Errorf("reject inquiry: %w", err)
	}
	slog.InfoContext(ctx, "Inquiry rejected",
		"inquiry_id", inq.ID,
		"transaction_id", inq.TransactionID)
	return inq, nil
}

// AssignCategory is the direct shortcut past the inquiry flow: bind a leaf
// category and complete the transaction.
func (s *InquiryService) AssignCategory(ctx context.Context, transactionID, categoryID string) error {
	categories, err := s.storage.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	tree, err := core.NewCategoryTree(categories)
	if err != nil {
		return fmt.Errorf("build category tree: %w", err)
	}
	cat, ok := tree.Get(categoryID)
	if !ok {
		return fmt.Errorf("category %s: %w", categoryID, storage.ErrNotFound)
	}
	if !tree.IsLeaf(cat.ID) {
		return fmt.Errorf("category %s: %w", cat.Code, ErrNotLeaf)
	}
	if cat.Special {
		return fmt.Errorf("category %s: %w", cat.Code, ErrSpecialCategory)
	}

	if err := s.storage.AssignCategory(ctx, transactionID, cat); err != nil {
		return fmt.Errorf("assign category: %w", err)
	}
	slog.InfoContext(ctx, "Category assigned",
		"transaction_id", transactionID,
		"category_code", cat.Code)
	return nil
}

// MarkAlreadyPaid completes a transaction without binding a category, for
// rows settled outside the budget.
func (s *InquiryService) MarkAlreadyPaid(ctx context.Context, transactionID string) error {
	if err := s.storage.MarkAlreadyPaid(ctx, transactionID); err != nil {
		return fmt.Errorf("mark already paid: %w", err)
	}
	slog.InfoContext(ctx, "Transaction marked already paid",
		"transaction_id", transactionID)
	return nil
}

// Open lists pending inquiries.
func (s *InquiryService) Open(ctx context.Context) ([]core.Inquiry, error) {
	return s.storage.ListOpenInquiries(ctx)
}

// History returns the audit trail for one transaction.
func (s *InquiryService) History(ctx context.Context, transactionID string) ([]storage.AuditEntry, error) {
	return s.storage.ListAuditLog(ctx, transactionID)
}
