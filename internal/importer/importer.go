// Package importer turns uploaded xlsx booking exports into transaction
// records. The source system labels columns in German; the mapping here
// mirrors those headers and fills defaults for the optional ones.
package importer

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"kassenbuch/internal/core"
)

// Column headers as they appear in the upstream export.
const (
	ColProjectCode     = "Projekt (PSP-Element)"
	ColYear            = "Jahr"
	ColAmount          = "Betrag"
	ColInternalCode    = "Konto (KoArt)"
	ColTransactionType = "Vorgang (Vorg)"
	ColDocumentNumber  = "Belegnr"
	ColBookingDate     = "BuchDat (Buch_Dat)"
	ColPersonReference = "Name (Name)"
	ColDetails         = "Text"
	ColInvoiceNumber   = "RechNr (Rech_Nr)"
	ColPaymentDate     = "ZahlDat (Zahl_Dat)"
)

// DocPlaceholder replaces a missing document number in the derived id.
// Kept deterministic on purpose: the content-derived fingerprint, not the
// id, is the authoritative identity across re-imports.
const DocPlaceholder = "NO_DOC"

// DefaultSheet is the worksheet the export writes its rows to.
const DefaultSheet = "Sheet1"

// RowError reports a single row that failed validation or parsing. The row
// number is 1-based as shown in a spreadsheet application.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

// Result carries the parsed transactions plus the rows that were skipped.
// A bad row never aborts the batch.
type Result struct {
	Transactions []core.Transaction
	Errors       []RowError
}

var (
	requiredColumns = []string{
		ColProjectCode, ColYear, ColAmount, ColInternalCode,
		ColTransactionType, ColBookingDate, ColDetails,
	}

	// Booking dates arrive as German day-first dates; ISO shows up in
	// some hand-edited sheets.
	dateLayouts = []string{"02.01.2006", "2006-01-02", "02.01.06"}
)

// ParseWorkbook reads the named sheet of an xlsx export and maps every data
// row to a transaction. Header matching is exact on the known labels after
// trimming; missing required columns fail the whole workbook since nothing
// sensible can be imported without them.
func ParseWorkbook(r io.Reader, sheet string) (Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = DefaultSheet
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return Result{}, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	return ParseRows(rows)
}

// ParseRows maps pre-extracted sheet rows. The first row must be the
// header row.
func ParseRows(rows [][]string) (Result, error) {
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("empty sheet")
	}

	columns, err := mapHeaders(rows[0])
	if err != nil {
		return Result{}, err
	}

	var result Result
	// Disambiguates rows that share project, year and document number.
	seen := make(map[string]int)

	for i, row := range rows[1:] {
		rowNum := i + 2 // 1-based, after the header
		if isBlank(row) {
			continue
		}

		tx, err := parseRow(row, columns, seen)
		if err != nil {
			result.Errors = append(result.Errors, RowError{Row: rowNum, Err: err})
			continue
		}
		if err := tx.Validate(); err != nil {
			result.Errors = append(result.Errors, RowError{Row: rowNum, Err: err})
			continue
		}
		result.Transactions = append(result.Transactions, tx)
	}
	return result, nil
}

func mapHeaders(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, label := range header {
		columns[strings.TrimSpace(label)] = i
	}
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}
	return columns, nil
}

func parseRow(row []string, columns map[string]int, seen map[string]int) (core.Transaction, error) {
	get := func(label string) string {
		idx, ok := columns[label]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	amount, err := core.ParseAmount(get(ColAmount))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("column %q: %w", ColAmount, err)
	}

	bookingDate, err := parseDate(get(ColBookingDate))
	if err != nil {
		return core.Transaction{}, fmt.Errorf("column %q: %w", ColBookingDate, err)
	}

	tx := core.Transaction{
		ProjectCode:     get(ColProjectCode),
		Year:            normalizeYear(get(ColYear)),
		Amount:          amount,
		InternalCode:    get(ColInternalCode),
		TransactionType: get(ColTransactionType),
		DocumentNumber:  get(ColDocumentNumber),
		BookingDate:     bookingDate,
		PersonReference: get(ColPersonReference),
		Details:         get(ColDetails),
		InvoiceNumber:   get(ColInvoiceNumber),
		Status:          core.StatusUnprocessed,
	}

	if raw := get(ColPaymentDate); raw != "" {
		if paid, err := parseDate(raw); err == nil {
			tx.PaymentDate = paid
		}
	}

	tx.ID = deriveID(tx, seen)
	tx.Metadata.Fingerprint = tx.Fingerprint()
	return tx, nil
}

// deriveID builds the deterministic display id from project code, year,
// document number and a disambiguating index. Re-uploading the same export
// regenerates the same ids row for row.
func deriveID(tx core.Transaction, seen map[string]int) string {
	doc := tx.DocumentNumber
	if doc == "" {
		doc = DocPlaceholder
	}
	base := tx.ProjectCode + "-" + tx.Year + "-" + doc
	idx := seen[base]
	seen[base] = idx + 1
	return base + "-" + strconv.Itoa(idx)
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// normalizeYear tolerates years exported as numbers with decimal noise
// ("2024.0") from spreadsheet round-trips.
func normalizeYear(s string) string {
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	return s
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
