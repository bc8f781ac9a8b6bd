package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skyrem/backoffice/internal/shared"
)

// ListResult is one page of activity.
type ListResult struct {
	Entries    []Entry
	Pagination shared.Pagination
	Sort       shared.Sort
	Filters    Filters
}

// maxExportRows caps a CSV export.
const maxExportRows = 5000

// Service browses the activity log.
type Service struct {
	repo Repository
}

// NewService builds Service instance.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// FiltersFromQuery reads event, subject_type, causer_id, search and the
// optional from/to dates (YYYY-MM-DD, to inclusive).
func FiltersFromQuery(q shared.PageQuery, from, to string) (Filters, error) {
	f := Filters{
		Event:       q.Filter("event"),
		SubjectType: q.Filter("subject_type"),
		Search:      q.Search,
	}
	if raw := q.Filter("causer_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Filters{}, shared.NewValidationError("causer_id", "The causer id must be a positive number.")
		}
		f.CauserID = id
	}
	if from = strings.TrimSpace(from); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return Filters{}, shared.NewValidationError("from", "The from date must be YYYY-MM-DD.")
		}
		f.From = t
	}
	if to = strings.TrimSpace(to); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return Filters{}, shared.NewValidationError("to", "The to date must be YYYY-MM-DD.")
		}
		f.To = t.AddDate(0, 0, 1)
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return Filters{}, shared.NewValidationError("from", "The from date must be before the to date.")
	}
	return f, nil
}

// List returns a page of activity entries, newest first unless sorted otherwise.
func (s *Service) List(ctx context.Context, q shared.PageQuery, f Filters) (ListResult, error) {
	if s.repo == nil {
		return ListResult{}, fmt.Errorf("audit: repository not configured")
	}
	sort := q.Sort
	if sort.Column == "" {
		sort = shared.ParseSort("", SortColumns, shared.DefaultSort)
	}
	total, err := s.repo.CountEntries(ctx, f)
	if err != nil {
		return ListResult{}, err
	}
	page := shared.NewPagination(q.Page, q.PerPage, total)
	entries, err := s.repo.ListEntries(ctx, f, page, sort)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Entries: entries, Pagination: page, Sort: sort, Filters: f}, nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id int64) (Entry, error) {
	return s.repo.GetEntry(ctx, id)
}

// Export returns up to maxExportRows entries matching f, newest first.
func (s *Service) Export(ctx context.Context, f Filters) ([]Entry, error) {
	page := shared.Pagination{CurrentPage: 1, LastPage: 1, PerPage: maxExportRows}
	return s.repo.ListEntries(ctx, f, page, shared.Sort{Column: "created_at", Desc: true})
}
