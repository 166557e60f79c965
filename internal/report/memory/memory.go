// Package memory is an in-process TotalsExporter for local development and
// tests, standing in for the Google Sheets backend.
package memory

import (
	"context"
	"sync"

	"kassenbuch/internal/core"
	"kassenbuch/internal/report"
)

type Store struct {
	mu     sync.Mutex
	byYear map[string]map[string]core.CategoryTotals
}

var _ report.TotalsExporter = (*Store)(nil)

func New() *Store {
	return &Store{byYear: make(map[string]map[string]core.CategoryTotals)}
}

// ExportYear replaces the stored report for one year.
func (s *Store) ExportYear(_ context.Context, year string, totals map[string]core.CategoryTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]core.CategoryTotals, len(totals))
	for code, t := range totals {
		copied[code] = t
	}
	s.byYear[year] = copied
	return nil
}

// Year returns the last exported report for a year, or nil.
func (s *Store) Year(year string) map[string]core.CategoryTotals {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byYear[year]
	if !ok {
		return nil
	}
	out := make(map[string]core.CategoryTotals, len(stored))
	for code, t := range stored {
		out[code] = t
	}
	return out
}

// Years lists the years that have been exported at least once.
func (s *Store) Years() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.byYear))
	for year := range s.byYear {
		out = append(out, year)
	}
	return out
}
