package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"kassenbuch/internal/core"
	"kassenbuch/internal/services"
	"kassenbuch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.SQLiteRepository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "kassenbuch.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	srv := NewServer(":0",
		services.NewImportService(repo, nil),
		services.NewBudgetService(repo),
		services.NewInquiryService(repo),
		10<<20, "Sheet1")
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv, repo
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		srv.Handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}
}

func TestSaveCategoryAndTotals(t *testing.T) {
	srv, repo := newTestServer(t)

	parent := map[string]any{"id": "c1", "code": "F0100", "name": "Teaching"}
	if rr := doJSON(t, srv, http.MethodPost, "/categories", parent); rr.Code != http.StatusCreated {
		t.Fatalf("save parent status = %d body = %s", rr.Code, rr.Body)
	}
	child := map[string]any{
		"id": "c2", "code": "F0101", "name": "Materials", "parent_id": "c1",
		"budgets": map[string]string{"2024": "1000.00"},
	}
	if rr := doJSON(t, srv, http.MethodPost, "/categories", child); rr.Code != http.StatusCreated {
		t.Fatalf("save child status = %d body = %s", rr.Code, rr.Body)
	}

	tx := core.Transaction{
		ID:              "T1",
		ProjectCode:     "P1000",
		Year:            "2024",
		Amount:          decimal.RequireFromString("300.00"),
		InternalCode:    "F0101",
		TransactionType: "RE",
		BookingDate:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		CategoryID:      "c2",
		CategoryCode:    "F0101",
		Status:          core.StatusUnprocessed,
	}
	if err := repo.SaveTransaction(context.Background(), tx); err != nil {
		t.Fatalf("SaveTransaction() error = %v", err)
	}

	rr := doJSON(t, srv, http.MethodGet, "/totals?year=2024", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("totals status = %d body = %s", rr.Code, rr.Body)
	}
	var totals map[string]totalsRow
	if err := json.Unmarshal(rr.Body.Bytes(), &totals); err != nil {
		t.Fatalf("decode totals: %v", err)
	}
	leaf := totals["F0101"]
	if leaf.Budget != "1000.00" || leaf.Spent != "300.00" || leaf.Remaining != "700.00" {
		t.Errorf("leaf totals = %+v", leaf)
	}
	parentRow := totals["F0100"]
	if parentRow.Spent != "300.00" {
		t.Errorf("parent spent = %s, want 300.00", parentRow.Spent)
	}
}

func TestSaveCategoryRejectsDiscrepantParentBudget(t *testing.T) {
	srv, _ := newTestServer(t)

	child := map[string]any{
		"id": "c2", "code": "F0101", "name": "Materials", "parent_id": "c1",
		"budgets": map[string]string{"2024": "900.00"},
	}
	if rr := doJSON(t, srv, http.MethodPost, "/categories", child); rr.Code != http.StatusCreated {
		t.Fatalf("save child status = %d", rr.Code)
	}

	// Parent declares 1000 but the only child sums to 900.
	parent := map[string]any{
		"id": "c1", "code": "F0100", "name": "Teaching",
		"budgets": map[string]string{"2024": "1000.00"},
	}
	rr := doJSON(t, srv, http.MethodPost, "/categories", parent)
	if rr.Code != http.StatusInternalServerError && rr.Code != http.StatusBadRequest {
		t.Fatalf("discrepant parent status = %d, want error", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "discrepancy") {
		t.Errorf("body = %s, want discrepancy message", rr.Body)
	}
}

func TestInquiryWorkflowOverHTTP(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()

	tx := core.Transaction{
		ID:              "T1",
		ProjectCode:     "P1000",
		Year:            "2024",
		Amount:          decimal.RequireFromString("55.00"),
		InternalCode:    "F0101",
		TransactionType: "RE",
		BookingDate:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		Status:          core.StatusUnprocessed,
	}
	if err := repo.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction() error = %v", err)
	}

	rr := doJSON(t, srv, http.MethodPost, "/inquiries",
		map[string]string{"transaction_id": "T1", "note": "whose receipt?"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("raise status = %d body = %s", rr.Code, rr.Body)
	}
	var inq inquiryPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &inq); err != nil {
		t.Fatalf("decode inquiry: %v", err)
	}
	if inq.Status != "pending" {
		t.Errorf("inquiry status = %s, want pending", inq.Status)
	}

	// Duplicate open inquiry conflicts.
	rr = doJSON(t, srv, http.MethodPost, "/inquiries",
		map[string]string{"transaction_id": "T1", "note": "again"})
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate raise status = %d, want 409", rr.Code)
	}

	rr = doJSON(t, srv, http.MethodPost, "/inquiries/"+inq.ID+"/resolve", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve status = %d body = %s", rr.Code, rr.Body)
	}

	got, err := repo.GetTransaction(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.Status != core.StatusCompleted {
		t.Errorf("transaction status = %s, want completed", got.Status)
	}

	rr = doJSON(t, srv, http.MethodGet, "/transactions/T1/history", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "inquiry_resolved") {
		t.Errorf("history body = %s, want inquiry_resolved entry", rr.Body)
	}
}

func TestAssignCategoryRejectsParent(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()

	for _, c := range []core.Category{
		{ID: "c1", Code: "F0100", Name: "Teaching"},
		{ID: "c2", Code: "F0101", Name: "Materials", ParentID: "c1"},
	} {
		if err := repo.UpsertCategory(ctx, c); err != nil {
			t.Fatalf("UpsertCategory(%s) error = %v", c.Code, err)
		}
	}
	tx := core.Transaction{
		ID: "T1", ProjectCode: "P1000", Year: "2024",
		Amount: decimal.RequireFromString("10.00"), InternalCode: "F0101",
		TransactionType: "RE", BookingDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Status: core.StatusUnprocessed,
	}
	if err := repo.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction() error = %v", err)
	}

	rr := doJSON(t, srv, http.MethodPost, "/transactions/T1/assign-category",
		map[string]string{"category_id": "c1"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("assign parent status = %d, want 400", rr.Code)
	}

	rr = doJSON(t, srv, http.MethodPost, "/transactions/T1/assign-category",
		map[string]string{"category_id": "c2"})
	if rr.Code != http.StatusNoContent {
		t.Errorf("assign leaf status = %d body = %s", rr.Code, rr.Body)
	}
}

func buildWorkbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

func TestImportUpload(t *testing.T) {
	srv, repo := newTestServer(t)

	workbook := buildWorkbook(t, [][]any{
		{"Projekt (PSP-Element)", "Jahr", "Betrag", "Konto (KoArt)", "Vorgang (Vorg)",
			"Belegnr", "BuchDat (Buch_Dat)", "Name (Name)", "Text"},
		{"P1000", "2024", "100,50", "F0101", "RE", "D-1", "15.03.2024", "Schmidt", "Lab supplies"},
	})

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "export.xlsx")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(workbook); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	writer.Close()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/import", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	srv.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("import status = %d body = %s", rr.Code, rr.Body)
	}
	var summary services.ImportSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Imported != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 1 imported", summary)
	}

	saved, err := repo.ListTransactions(context.Background())
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(saved) != 1 {
		t.Fatalf("got %d rows, want 1", len(saved))
	}
	if !saved[0].Amount.Equal(decimal.RequireFromString("100.50")) {
		t.Errorf("amount = %s, want 100.50", saved[0].Amount)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	rr := doJSON(t, srv, http.MethodGet, "/totals", nil)
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
