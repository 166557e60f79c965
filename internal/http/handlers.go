package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kassenbuch/internal/core"
	"kassenbuch/internal/services"
	"kassenbuch/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the known sentinel errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrOpenInquiryExists),
		errors.Is(err, storage.ErrInquiryNotPending),
		errors.Is(err, storage.ErrCategoryInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrEmptyNote),
		errors.Is(err, core.ErrInvalidCode),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrBudgetOnSpecial),
		errors.Is(err, services.ErrNotLeaf),
		errors.Is(err, services.ErrSpecialCategory):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.budgetSvc.Categories(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleImport accepts a multipart xlsx upload under the "file" field and
// runs the full import pipeline on it.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadMaxBytes)
	if err := r.ParseMultipartForm(s.uploadMaxBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse upload: %v", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	sheet := strings.TrimSpace(r.FormValue("sheet"))
	if sheet == "" {
		sheet = s.importSheet
	}

	summary, err := s.importSvc.ImportWorkbook(r.Context(), file, sheet)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.invalidateReadCaches(summary.Years...)
	writeJSON(w, http.StatusOK, summary)
}

type totalsRow struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Budget         string   `json:"budget"`
	Spent          string   `json:"spent"`
	Remaining      string   `json:"remaining"`
	TransactionIDs []string `json:"transaction_ids,omitempty"`
}

func toTotalsRows(totals map[string]core.CategoryTotals) map[string]totalsRow {
	out := make(map[string]totalsRow, len(totals))
	for code, t := range totals {
		out[code] = totalsRow{
			Code:           t.Code,
			Name:           t.Name,
			Budget:         core.FormatAmount(t.Budget),
			Spent:          core.FormatAmount(t.Spent),
			Remaining:      core.FormatAmount(t.Remaining),
			TransactionIDs: t.TransactionIDs,
		}
	}
	return out
}

// handleTotals serves per-category totals. With ?year= it returns one
// year; without, every known year.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	year := strings.TrimSpace(r.URL.Query().Get("year"))

	if year != "" {
		if cached, ok := s.totalsCache.Get("year:" + year); ok {
			writeJSON(w, http.StatusOK, toTotalsRows(cached))
			return
		}
		totals, err := s.budgetSvc.YearlyTotals(r.Context(), year)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.totalsCache.Set("year:"+year, totals)
		writeJSON(w, http.StatusOK, toTotalsRows(totals))
		return
	}

	yearly, err := s.budgetSvc.AllTotals(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make(map[string]map[string]totalsRow, len(yearly))
	for y, totals := range yearly {
		out[y] = toTotalsRows(totals)
	}
	writeJSON(w, http.StatusOK, out)
}

type transactionRow struct {
	ID              string `json:"id"`
	Year            string `json:"year"`
	Amount          string `json:"amount"`
	InternalCode    string `json:"internal_code"`
	TransactionType string `json:"transaction_type"`
	DocumentNumber  string `json:"document_number,omitempty"`
	BookingDate     string `json:"booking_date"`
	PersonReference string `json:"person_reference,omitempty"`
	Details         string `json:"details"`
	CategoryCode    string `json:"category_code,omitempty"`
	Status          string `json:"status"`
	NeedsReview     bool   `json:"needs_review,omitempty"`
}

func toTransactionRow(t core.Transaction) transactionRow {
	return transactionRow{
		ID:              t.ID,
		Year:            t.Year,
		Amount:          core.FormatAmount(t.Amount),
		InternalCode:    t.InternalCode,
		TransactionType: t.TransactionType,
		DocumentNumber:  t.DocumentNumber,
		BookingDate:     t.BookingDay(),
		PersonReference: t.PersonReference,
		Details:         t.Details,
		CategoryCode:    t.CategoryCode,
		Status:          string(t.Status),
		NeedsReview:     t.Metadata.NeedsReview,
	}
}

func (s *Server) handleMissingEntries(w http.ResponseWriter, r *http.Request) {
	missing, ok := s.missingCache.Get("all")
	if !ok {
		var err error
		missing, err = s.budgetSvc.MissingEntries(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		s.missingCache.Set("all", missing)
	}

	rows := make([]transactionRow, 0, len(missing))
	for _, t := range missing {
		rows = append(rows, toTransactionRow(t))
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSpecialSummary(w http.ResponseWriter, r *http.Request) {
	year := strings.TrimSpace(r.URL.Query().Get("year"))
	if year == "" {
		writeError(w, http.StatusBadRequest, "missing year parameter")
		return
	}

	summary, err := s.budgetSvc.SpecialSummary(r.Context(), year)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"year":              summary.Year,
		"allocations_total": core.FormatAmount(summary.AllocationsTotal),
		"allocations_count": summary.AllocationsCount,
		"grant_allocated":   core.FormatAmount(summary.GrantAllocated),
		"grant_received":    core.FormatAmount(summary.GrantReceived),
		"grant_count":       summary.GrantCount,
		"transaction_ids":   summary.TransactionIDs,
	})
}

func (s *Server) handleDiscrepancies(w http.ResponseWriter, r *http.Request) {
	year := strings.TrimSpace(r.URL.Query().Get("year"))
	if year == "" {
		writeError(w, http.StatusBadRequest, "missing year parameter")
		return
	}

	discrepancies, err := s.budgetSvc.Discrepancies(r.Context(), year)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type discrepancyRow struct {
		CategoryCode string `json:"category_code"`
		Year         string `json:"year"`
		Declared     string `json:"declared"`
		ChildrenSum  string `json:"children_sum"`
		Delta        string `json:"delta"`
	}
	rows := make([]discrepancyRow, 0, len(discrepancies))
	for _, d := range discrepancies {
		rows = append(rows, discrepancyRow{
			CategoryCode: d.CategoryCode,
			Year:         d.Year,
			Declared:     core.FormatAmount(d.Declared),
			ChildrenSum:  core.FormatAmount(d.ChildrenSum),
			Delta:        core.FormatAmount(d.Delta),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

type categoryPayload struct {
	ID       string            `json:"id,omitempty"`
	Code     string            `json:"code"`
	Name     string            `json:"name"`
	ParentID string            `json:"parent_id,omitempty"`
	Special  bool              `json:"special,omitempty"`
	Type     string            `json:"type,omitempty"`
	Budgets  map[string]string `json:"budgets,omitempty"`
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.budgetSvc.Categories(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]categoryPayload, 0, len(categories))
	for _, c := range categories {
		p := categoryPayload{
			ID:       c.ID,
			Code:     c.Code,
			Name:     c.Name,
			ParentID: c.ParentID,
			Special:  c.Special,
			Type:     string(c.Type),
		}
		if len(c.Budgets) > 0 {
			p.Budgets = make(map[string]string, len(c.Budgets))
			for year, amount := range c.Budgets {
				p.Budgets[year] = core.FormatAmount(amount)
			}
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSaveCategory(w http.ResponseWriter, r *http.Request) {
	var payload categoryPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	c := core.Category{
		ID:       payload.ID,
		Code:     strings.TrimSpace(payload.Code),
		Name:     strings.TrimSpace(payload.Name),
		ParentID: payload.ParentID,
		Special:  payload.Special,
		Type:     core.CategoryType(payload.Type),
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = core.CategoryTypeOther
	}
	for year, raw := range payload.Budgets {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("budget %s: invalid amount %q", year, raw))
			return
		}
		if c.Budgets == nil {
			c.Budgets = make(map[string]decimal.Decimal)
		}
		c.Budgets[year] = amount
	}

	if err := s.budgetSvc.SaveCategory(r.Context(), c); err != nil {
		writeServiceError(w, err)
		return
	}

	years := make([]string, 0, len(c.Budgets))
	for year := range c.Budgets {
		years = append(years, year)
	}
	s.invalidateReadCaches(years...)

	writeJSON(w, http.StatusCreated, map[string]string{"id": c.ID, "code": c.Code})
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.budgetSvc.DeleteCategory(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	s.invalidateReadCaches()
	w.WriteHeader(http.StatusNoContent)
}

type inquiryPayload struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Note          string `json:"note"`
	Status        string `json:"status"`
}

func toInquiryPayload(inq core.Inquiry) inquiryPayload {
	return inquiryPayload{
		ID:            inq.ID,
		TransactionID: inq.TransactionID,
		Note:          inq.Note,
		Status:        string(inq.Status),
	}
}

func (s *Server) handleListInquiries(w http.ResponseWriter, r *http.Request) {
	inquiries, err := s.inquirySvc.Open(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]inquiryPayload, 0, len(inquiries))
	for _, inq := range inquiries {
		out = append(out, toInquiryPayload(inq))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRaiseInquiry(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TransactionID string `json:"transaction_id"`
		Note          string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	inq, err := s.inquirySvc.Raise(r.Context(), payload.TransactionID, payload.Note)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.invalidateReadCaches()
	writeJSON(w, http.StatusCreated, toInquiryPayload(inq))
}

func (s *Server) handleResolveInquiry(w http.ResponseWriter, r *http.Request) {
	inq, err := s.inquirySvc.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.invalidateReadCaches()
	writeJSON(w, http.StatusOK, toInquiryPayload(inq))
}

func (s *Server) handleRejectInquiry(w http.ResponseWriter, r *http.Request) {
	inq, err := s.inquirySvc.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.invalidateReadCaches()
	writeJSON(w, http.StatusOK, toInquiryPayload(inq))
}

func (s *Server) handleAssignCategory(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		CategoryID string `json:"category_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}

	if err := s.inquirySvc.AssignCategory(r.Context(), r.PathValue("id"), payload.CategoryID); err != nil {
		writeServiceError(w, err)
		return
	}
	s.invalidateReadCaches()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	if err := s.inquirySvc.MarkAlreadyPaid(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	s.invalidateReadCaches()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	trail, err := s.inquirySvc.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	type auditRow struct {
		Action      string `json:"action"`
		PriorStatus string `json:"prior_status,omitempty"`
		NextStatus  string `json:"next_status,omitempty"`
		Detail      string `json:"detail,omitempty"`
		CreatedAt   string `json:"created_at"`
	}
	rows := make([]auditRow, 0, len(trail))
	for _, e := range trail {
		rows = append(rows, auditRow{
			Action:      e.Action,
			PriorStatus: string(e.PriorStatus),
			NextStatus:  string(e.NextStatus),
			Detail:      e.Detail,
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}
