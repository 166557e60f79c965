package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"kassenbuch/internal/core"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrOpenInquiryExists = errors.New("transaction already has an open inquiry")
	ErrInquiryNotPending = errors.New("inquiry is not pending")
	ErrCategoryInUse     = errors.New("category has children or transactions")
)

// AuditEntry is one row of the append-only audit trail. Every status
// transition records the prior and next state so special-account resets
// and inquiry decisions stay traceable.
type AuditEntry struct {
	ID            int64
	TransactionID string
	Action        string
	PriorStatus   core.TransactionStatus
	NextStatus    core.TransactionStatus
	Detail        string
	CreatedAt     time.Time
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// UpsertCategory writes a category and its per-year budgets in one
// transaction. The budgets table is replaced wholesale; the map on the
// record is the source of truth.
func (r *SQLiteRepository) UpsertCategory(ctx context.Context, c core.Category) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO categories (id, code, name, parent_id, is_special, category_type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			parent_id = excluded.parent_id,
			is_special = excluded.is_special,
			category_type = excluded.category_type,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.Code, c.Name, nullString(c.ParentID), boolInt(c.Special), string(c.Type))
	if err != nil {
		return fmt.Errorf("upsert category: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM category_budgets WHERE category_id = ?`, c.ID); err != nil {
		return fmt.Errorf("clear budgets: %w", err)
	}
	for year, amount := range c.Budgets {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO category_budgets (category_id, year, amount) VALUES (?, ?, ?)`,
			c.ID, year, amount.String())
		if err != nil {
			return fmt.Errorf("insert budget %s: %w", year, err)
		}
	}

	return tx.Commit()
}

// DeleteCategory removes a category unless it still has children or any
// transaction references it.
func (r *SQLiteRepository) DeleteCategory(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var children int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM categories WHERE parent_id = ?`, id).Scan(&children); err != nil {
		return fmt.Errorf("count children: %w", err)
	}
	var referenced int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE category_id = ?`, id).Scan(&referenced); err != nil {
		return fmt.Errorf("count references: %w", err)
	}
	if children > 0 || referenced > 0 {
		return ErrCategoryInUse
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM category_budgets WHERE category_id = ?`, id); err != nil {
		return fmt.Errorf("delete budgets: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListCategories returns all categories with their budget maps populated.
func (r *SQLiteRepository) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, COALESCE(parent_id, ''), is_special, category_type
		FROM categories ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var categories []core.Category
	index := make(map[string]int)
	for rows.Next() {
		var c core.Category
		var special int
		var catType string
		if err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.ParentID, &special, &catType); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.Special = special != 0
		c.Type = core.CategoryType(catType)
		index[c.ID] = len(categories)
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}

	budgetRows, err := r.db.QueryContext(ctx,
		`SELECT category_id, year, amount FROM category_budgets`)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer budgetRows.Close()

	for budgetRows.Next() {
		var categoryID, year, amount string
		if err := budgetRows.Scan(&categoryID, &year, &amount); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		i, ok := index[categoryID]
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("budget amount %q: %w", amount, err)
		}
		if categories[i].Budgets == nil {
			categories[i].Budgets = make(map[string]decimal.Decimal)
		}
		categories[i].Budgets[year] = d
	}
	if err := budgetRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budgets: %w", err)
	}

	return categories, nil
}

const transactionColumns = `id, project_code, year, amount, internal_code, transaction_type,
	document_number, booking_date, person_reference, details, invoice_number, payment_date,
	category_id, category_code, category_name, status, requires_special_handling,
	needs_review, original_internal_code, metadata_category_code, fingerprint`

// SaveTransaction upserts a transaction by id, keeping re-imports
// idempotent at the persistence boundary.
func (r *SQLiteRepository) SaveTransaction(ctx context.Context, t core.Transaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount = excluded.amount,
			internal_code = excluded.internal_code,
			transaction_type = excluded.transaction_type,
			document_number = excluded.document_number,
			booking_date = excluded.booking_date,
			person_reference = excluded.person_reference,
			details = excluded.details,
			invoice_number = excluded.invoice_number,
			payment_date = excluded.payment_date,
			category_id = excluded.category_id,
			category_code = excluded.category_code,
			category_name = excluded.category_name,
			status = excluded.status,
			requires_special_handling = excluded.requires_special_handling,
			needs_review = excluded.needs_review,
			original_internal_code = excluded.original_internal_code,
			metadata_category_code = excluded.metadata_category_code,
			fingerprint = excluded.fingerprint,
			updated_at = CURRENT_TIMESTAMP`,
		t.ID, t.ProjectCode, t.Year, t.Amount.String(), t.InternalCode, t.TransactionType,
		t.DocumentNumber, t.BookingDate, t.PersonReference, t.Details, t.InvoiceNumber,
		nullTime(t.PaymentDate), t.CategoryID, t.CategoryCode, t.CategoryName,
		string(t.Status), boolInt(t.RequiresSpecialHandling), boolInt(t.Metadata.NeedsReview),
		t.Metadata.OriginalInternalCode, t.Metadata.CategoryCode, t.Metadata.Fingerprint)
	if err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a single transaction by id.
func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// GetTransactionByFingerprint resolves a transaction by its stable
// content-derived key.
func (r *SQLiteRepository) GetTransactionByFingerprint(ctx context.Context, fingerprint string) (core.Transaction, error) {
	if fingerprint == "" {
		return core.Transaction{}, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE fingerprint = ? ORDER BY id LIMIT 1`,
		fingerprint)
	return scanTransaction(row)
}

// ListTransactions returns all persisted transactions in insertion order.
func (r *SQLiteRepository) ListTransactions(ctx context.Context) ([]core.Transaction, error) {
	return r.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions ORDER BY rowid`)
}

// ListTransactionsByYear returns the transactions booked in one year.
func (r *SQLiteRepository) ListTransactionsByYear(ctx context.Context, year string) ([]core.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE year = ? ORDER BY rowid`, year)
}

func (r *SQLiteRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t           core.Transaction
		amount      string
		paymentDate sql.NullTime
		status      string
		special     int
		needsReview int
	)
	err := row.Scan(&t.ID, &t.ProjectCode, &t.Year, &amount, &t.InternalCode, &t.TransactionType,
		&t.DocumentNumber, &t.BookingDate, &t.PersonReference, &t.Details, &t.InvoiceNumber,
		&paymentDate, &t.CategoryID, &t.CategoryCode, &t.CategoryName, &status, &special,
		&needsReview, &t.Metadata.OriginalInternalCode, &t.Metadata.CategoryCode, &t.Metadata.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction amount %q: %w", amount, err)
	}
	if paymentDate.Valid {
		t.PaymentDate = paymentDate.Time
	}
	t.Status = core.TransactionStatus(status)
	t.RequiresSpecialHandling = special != 0
	t.Metadata.NeedsReview = needsReview != 0
	return t, nil
}

// RaiseInquiry creates a pending inquiry and moves the transaction to
// pending_inquiry in one transaction. The partial unique index backs up
// the one-open-inquiry rule against races.
func (r *SQLiteRepository) RaiseInquiry(ctx context.Context, inq core.Inquiry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var priorStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM transactions WHERE id = ?`, inq.TransactionID).Scan(&priorStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}

	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inquiries WHERE transaction_id = ? AND status = 'pending'`,
		inq.TransactionID).Scan(&open); err != nil {
		return fmt.Errorf("count open inquiries: %w", err)
	}
	if open > 0 {
		return ErrOpenInquiryExists
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inquiries (id, transaction_id, note, status) VALUES (?, ?, ?, 'pending')`,
		inq.ID, inq.TransactionID, inq.Note); err != nil {
		return fmt.Errorf("insert inquiry: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(core.StatusPendingInquiry), inq.TransactionID); err != nil {
		return fmt.Errorf("update transaction status: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		TransactionID: inq.TransactionID,
		Action:        "inquiry_raised",
		PriorStatus:   core.TransactionStatus(priorStatus),
		NextStatus:    core.StatusPendingInquiry,
		Detail:        inq.Note,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// CloseInquiry resolves or rejects a pending inquiry and transitions the
// linked transaction in the same database transaction, so a failure on
// either side rolls back both.
func (r *SQLiteRepository) CloseInquiry(ctx context.Context, inquiryID string, accepted bool) (core.Inquiry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Inquiry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var inq core.Inquiry
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT id, transaction_id, note, status, created_at, updated_at FROM inquiries WHERE id = ?`,
		inquiryID).Scan(&inq.ID, &inq.TransactionID, &inq.Note, &status, &inq.CreatedAt, &inq.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Inquiry{}, ErrNotFound
	}
	if err != nil {
		return core.Inquiry{}, fmt.Errorf("load inquiry: %w", err)
	}
	if core.InquiryStatus(status) != core.InquiryPending {
		return core.Inquiry{}, ErrInquiryNotPending
	}

	inquiryStatus := core.InquiryRejected
	nextStatus := core.StatusUnprocessed
	action := "inquiry_rejected"
	if accepted {
		inquiryStatus = core.InquiryResolved
		nextStatus = core.StatusCompleted
		action = "inquiry_resolved"
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE inquiries SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(inquiryStatus), inquiryID); err != nil {
		return core.Inquiry{}, fmt.Errorf("update inquiry: %w", err)
	}

	// Resolving also clears the review flag so a completed row leaves the
	// missing-entries queue. A rejection keeps the flag as it was.
	txUpdate := `UPDATE transactions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if accepted {
		txUpdate = `UPDATE transactions SET status = ?, needs_review = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	}
	if _, err := tx.ExecContext(ctx, txUpdate, string(nextStatus), inq.TransactionID); err != nil {
		return core.Inquiry{}, fmt.Errorf("update transaction status: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		TransactionID: inq.TransactionID,
		Action:        action,
		PriorStatus:   core.StatusPendingInquiry,
		NextStatus:    nextStatus,
		Detail:        inq.Note,
	}); err != nil {
		return core.Inquiry{}, err
	}

	if err := tx.Commit(); err != nil {
		return core.Inquiry{}, fmt.Errorf("commit: %w", err)
	}
	inq.Status = inquiryStatus
	return inq, nil
}

// AssignCategory links a transaction to a leaf category and completes it.
func (r *SQLiteRepository) AssignCategory(ctx context.Context, transactionID string, cat core.Category) error {
	return r.completeTransaction(ctx, transactionID, "category_assigned", cat)
}

// MarkAlreadyPaid forces a transaction to completed without a category.
func (r *SQLiteRepository) MarkAlreadyPaid(ctx context.Context, transactionID string) error {
	return r.completeTransaction(ctx, transactionID, "marked_already_paid", core.Category{})
}

func (r *SQLiteRepository) completeTransaction(ctx context.Context, transactionID, action string, cat core.Category) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var priorStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM transactions WHERE id = ?`, transactionID).Scan(&priorStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}

	if cat.ID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET
				category_id = ?, category_code = ?, category_name = ?,
				status = ?, needs_review = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			cat.ID, cat.Code, cat.Name, string(core.StatusCompleted), transactionID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE transactions SET status = ?, needs_review = 0, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			string(core.StatusCompleted), transactionID)
	}
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}

	if err := appendAuditTx(ctx, tx, AuditEntry{
		TransactionID: transactionID,
		Action:        action,
		PriorStatus:   core.TransactionStatus(priorStatus),
		NextStatus:    core.StatusCompleted,
		Detail:        cat.Code,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// ListOpenInquiries returns every pending inquiry.
func (r *SQLiteRepository) ListOpenInquiries(ctx context.Context) ([]core.Inquiry, error) {
	return r.queryInquiries(ctx,
		`SELECT id, transaction_id, note, status, created_at, updated_at
		 FROM inquiries WHERE status = 'pending' ORDER BY created_at`)
}

// ListInquiries returns all inquiries, newest first.
func (r *SQLiteRepository) ListInquiries(ctx context.Context) ([]core.Inquiry, error) {
	return r.queryInquiries(ctx,
		`SELECT id, transaction_id, note, status, created_at, updated_at
		 FROM inquiries ORDER BY created_at DESC`)
}

// GetInquiry retrieves one inquiry by id.
func (r *SQLiteRepository) GetInquiry(ctx context.Context, id string) (core.Inquiry, error) {
	var inq core.Inquiry
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, transaction_id, note, status, created_at, updated_at FROM inquiries WHERE id = ?`,
		id).Scan(&inq.ID, &inq.TransactionID, &inq.Note, &status, &inq.CreatedAt, &inq.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Inquiry{}, ErrNotFound
	}
	if err != nil {
		return core.Inquiry{}, fmt.Errorf("get inquiry: %w", err)
	}
	inq.Status = core.InquiryStatus(status)
	return inq, nil
}

func (r *SQLiteRepository) queryInquiries(ctx context.Context, query string, args ...any) ([]core.Inquiry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inquiries: %w", err)
	}
	defer rows.Close()

	var out []core.Inquiry
	for rows.Next() {
		var inq core.Inquiry
		var status string
		if err := rows.Scan(&inq.ID, &inq.TransactionID, &inq.Note, &status, &inq.CreatedAt, &inq.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan inquiry: %w", err)
		}
		inq.Status = core.InquiryStatus(status)
		out = append(out, inq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inquiries: %w", err)
	}
	return out, nil
}

// AppendAudit records an audit entry outside a larger transaction, used by
// the special handler's best-effort batch logging.
func (r *SQLiteRepository) AppendAudit(ctx context.Context, e AuditEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_log (transaction_id, action, prior_status, next_status, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		e.TransactionID, e.Action, string(e.PriorStatus), string(e.NextStatus), e.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func appendAuditTx(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (transaction_id, action, prior_status, next_status, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		e.TransactionID, e.Action, string(e.PriorStatus), string(e.NextStatus), e.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAuditLog returns the audit trail for one transaction, oldest first.
func (r *SQLiteRepository) ListAuditLog(ctx context.Context, transactionID string) ([]AuditEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, transaction_id, action, prior_status, next_status, detail, created_at
		 FROM audit_log WHERE transaction_id = ? ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var prior, next string
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Action, &prior, &next, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PriorStatus = core.TransactionStatus(prior)
		e.NextStatus = core.TransactionStatus(next)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return out, nil
}

// CountTransactions reports how many transactions are persisted, used by
// readiness checks.
func (r *SQLiteRepository) CountTransactions(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
