package core

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryType distinguishes the bookkeeping role of a category.
type CategoryType string

const (
	CategoryTypeAllocation CategoryType = "ALLOCATION"
	CategoryTypePayment    CategoryType = "PAYMENT"
	CategoryTypeOther      CategoryType = "OTHER"
)

// TransactionStatus tracks a transaction through the review workflow.
type TransactionStatus string

const (
	StatusUnprocessed    TransactionStatus = "unprocessed"
	StatusPendingInquiry TransactionStatus = "pending_inquiry"
	StatusCompleted      TransactionStatus = "completed"
	StatusPending        TransactionStatus = "pending"
	StatusRejected       TransactionStatus = "rejected"
	StatusResolved       TransactionStatus = "resolved"
)

// InquiryStatus is the lifecycle state of a clarification inquiry.
type InquiryStatus string

const (
	InquiryPending  InquiryStatus = "pending"
	InquiryResolved InquiryStatus = "resolved"
	InquiryRejected InquiryStatus = "rejected"
)

const (
	// NormalCodePrefix prefixes every regular budget category code.
	NormalCodePrefix = "F"

	// SpecialCodeAllocations is the raw account code for ELVI allocations.
	// Transactions carrying it always surface in the review queue until a
	// human marks them completed.
	SpecialCodeAllocations = "600"

	// SpecialCodeRecurringGrant is the raw account code for
	// "Zuweisung für laufende Zwecke" rows, tracked outside normal
	// category matching.
	SpecialCodeRecurringGrant = "23152"

	// Reserved category codes for the two special accounts. They never
	// take part in the parent/child rollup and never carry budgets.
	CategoryCodeAllocations    = "F0600"
	CategoryCodeRecurringGrant = "F23152"
)

// normalCodePattern matches regular category codes: the prefix plus four digits.
var normalCodePattern = regexp.MustCompile(`^F\d{4}$`)

type (
	// Category is one node of the budget category tree. Budgets carry
	// meaning only on leaves; a parent's effective budget is always the
	// sum of its children.
	Category struct {
		ID       string
		Code     string
		Name     string
		ParentID string // empty means root
		Budgets  map[string]decimal.Decimal
		Special  bool
		Type     CategoryType
	}

	// TransactionMetadata is the closed set of bookkeeping hints the
	// classifier and matcher recognize. The upstream system shipped these
	// in a free-form bag; modeling them as fields keeps the rules checkable.
	TransactionMetadata struct {
		NeedsReview          bool
		OriginalInternalCode string
		CategoryCode         string
		Fingerprint          string
	}

	// Transaction is a single imported booking row.
	Transaction struct {
		ID              string
		ProjectCode     string
		Year            string
		Amount          decimal.Decimal
		InternalCode    string // raw account code, may keep leading zeros
		TransactionType string
		DocumentNumber  string
		BookingDate     time.Time
		PersonReference string
		Details         string

		InvoiceNumber string
		PaymentDate   time.Time

		CategoryID   string
		CategoryCode string
		CategoryName string

		Status                  TransactionStatus
		RequiresSpecialHandling bool
		Metadata                TransactionMetadata
	}

	// Inquiry is a human clarification request tied to one transaction.
	Inquiry struct {
		ID            string
		TransactionID string
		Note          string
		Status        InquiryStatus
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrEmptyProjectCode   = errors.New("empty project code")
	ErrEmptyYear          = errors.New("empty year")
	ErrEmptyInternalCode  = errors.New("empty internal code")
	ErrEmptyDetails       = errors.New("empty details")
	ErrEmptyType          = errors.New("empty transaction type")
	ErrZeroBookingDate    = errors.New("booking date cannot be zero")
	ErrInvalidCode        = errors.New("invalid category code")
	ErrBudgetOnSpecial    = errors.New("special categories cannot carry budgets")
	ErrEmptyNote          = errors.New("empty inquiry note")
	ErrCyclicCategoryTree = errors.New("cyclic category graph")
)

// IsNormalCode reports whether code is a regular F#### category code.
func IsNormalCode(code string) bool {
	return normalCodePattern.MatchString(code)
}

// NormalizeInternalCode strips leading zeros from a raw account code so
// "0600" and "600" compare equal.
func NormalizeInternalCode(code string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(code), "0")
	if trimmed == "" && strings.TrimSpace(code) != "" {
		return "0"
	}
	return trimmed
}

// IsSpecialInternalCode reports whether the raw account code names one of
// the two reserved special accounts.
func IsSpecialInternalCode(code string) bool {
	switch NormalizeInternalCode(code) {
	case SpecialCodeAllocations, SpecialCodeRecurringGrant:
		return true
	}
	return false
}

// Fingerprint derives the stable identity key for a transaction. Unlike the
// display ID, it survives re-generation across repeated imports of the same
// export.
func (t Transaction) Fingerprint() string {
	return t.ProjectCode + "_" + t.InternalCode + "_" + t.Amount.StringFixed(2) + "_" + t.PersonReference
}

// BookingDay truncates the booking date to its date-only component for
// composite matching keys.
func (t Transaction) BookingDay() string {
	if t.BookingDate.IsZero() {
		return ""
	}
	return t.BookingDate.Format("2006-01-02")
}

func (c Category) Validate() error {
	if c.Special {
		if c.Code != CategoryCodeAllocations && c.Code != CategoryCodeRecurringGrant {
			return ErrInvalidCode
		}
		if len(c.Budgets) > 0 {
			return ErrBudgetOnSpecial
		}
		return nil
	}
	if !IsNormalCode(c.Code) {
		return ErrInvalidCode
	}
	for _, amount := range c.Budgets {
		if amount.IsNegative() {
			return ErrInvalidAmount
		}
	}
	return nil
}

// Validate checks the fields the importer must supply before a row may be
// persisted. A failing row is skipped, never the whole batch.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ProjectCode) == "" {
		return ErrEmptyProjectCode
	}
	if strings.TrimSpace(t.Year) == "" {
		return ErrEmptyYear
	}
	if t.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(t.InternalCode) == "" {
		return ErrEmptyInternalCode
	}
	if strings.TrimSpace(t.Details) == "" {
		return ErrEmptyDetails
	}
	if strings.TrimSpace(t.TransactionType) == "" {
		return ErrEmptyType
	}
	if t.BookingDate.IsZero() {
		return ErrZeroBookingDate
	}
	return nil
}

func (i Inquiry) Validate() error {
	if strings.TrimSpace(i.TransactionID) == "" {
		return errors.New("inquiry must reference a transaction")
	}
	if strings.TrimSpace(i.Note) == "" {
		return ErrEmptyNote
	}
	return nil
}
