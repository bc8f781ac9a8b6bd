package shared

import (
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// DefaultPerPage is used when the requested page size is not allowed.
const DefaultPerPage = 10

// DefaultSort orders listings newest first.
const DefaultSort = "-created_at"

// AllowedPageSizes lists the page sizes a client may request.
var AllowedPageSizes = []int{10, 25, 50, 100}

// Pagination contains metadata for paginated listings.
type Pagination struct {
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
	PerPage     int `json:"per_page"`
	Total       int `json:"total"`
}

// NewPagination computes pagination metadata. perPage is snapped to an allowed size.
func NewPagination(page, perPage, total int) Pagination {
	perPage = SnapPerPage(perPage)
	if page <= 0 {
		page = 1
	}
	if total < 0 {
		total = 0
	}
	last := int(math.Ceil(float64(total) / float64(perPage)))
	if last < 1 {
		last = 1
	}
	return Pagination{CurrentPage: page, LastPage: last, PerPage: perPage, Total: total}
}

// Offset is the row offset of the current page.
func (p Pagination) Offset() int {
	return (p.CurrentPage - 1) * p.PerPage
}

// HasPrev reports whether a previous page exists.
func (p Pagination) HasPrev() bool { return p.CurrentPage > 1 }

// HasNext reports whether a next page exists.
func (p Pagination) HasNext() bool { return p.CurrentPage < p.LastPage }

// PrevPage returns the previous page number.
func (p Pagination) PrevPage() int { return p.CurrentPage - 1 }

// NextPage returns the next page number.
func (p Pagination) NextPage() int { return p.CurrentPage + 1 }

// SnapPerPage maps any size outside AllowedPageSizes to DefaultPerPage.
func SnapPerPage(n int) int {
	if slices.Contains(AllowedPageSizes, n) {
		return n
	}
	return DefaultPerPage
}

// Sort is an allow-listed ordering.
type Sort struct {
	Column string
	Desc   bool
}

// ParseSort accepts "col" or "-col" when col is allowed, falling back to fallback.
func ParseSort(raw string, allowed []string, fallback string) Sort {
	raw = strings.TrimSpace(raw)
	desc := strings.HasPrefix(raw, "-")
	col := strings.TrimPrefix(raw, "-")
	if col != "" && slices.Contains(allowed, col) {
		return Sort{Column: col, Desc: desc}
	}
	if fallback == "" {
		fallback = DefaultSort
	}
	return Sort{Column: strings.TrimPrefix(fallback, "-"), Desc: strings.HasPrefix(fallback, "-")}
}

// String renders the sort back into query form.
func (s Sort) String() string {
	if s.Desc {
		return "-" + s.Column
	}
	return s.Column
}

// Direction returns the SQL direction keyword.
func (s Sort) Direction() string {
	if s.Desc {
		return "DESC"
	}
	return "ASC"
}

// PageQuery is a parsed listing request.
type PageQuery struct {
	Page    int
	PerPage int
	Sort    Sort
	Search  string
	Filters map[string]string
}

// ParsePageQuery reads page, per_page, sort, filter[search] and filter[<key>] from values.
func ParsePageQuery(values url.Values, allowedSorts, filterKeys []string) PageQuery {
	page, _ := strconv.Atoi(values.Get("page"))
	if page <= 0 {
		page = 1
	}
	perPage, _ := strconv.Atoi(values.Get("per_page"))
	q := PageQuery{
		Page:    page,
		PerPage: SnapPerPage(perPage),
		Sort:    ParseSort(values.Get("sort"), allowedSorts, DefaultSort),
		Search:  strings.TrimSpace(firstNonEmpty(values.Get("filter[search]"), values.Get("search"))),
		Filters: make(map[string]string, len(filterKeys)),
	}
	for _, key := range filterKeys {
		if v := strings.TrimSpace(firstNonEmpty(values.Get("filter["+key+"]"), values.Get(key))); v != "" {
			q.Filters[key] = v
		}
	}
	return q
}

// Filter returns the exact-match filter value for key.
func (q PageQuery) Filter(key string) string {
	return q.Filters[key]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
