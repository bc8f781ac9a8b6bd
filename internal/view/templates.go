package view

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/skyrem/backoffice/internal/shared"
	"github.com/skyrem/backoffice/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
	appName   string
}

// CurrentUser is the signed-in account shown in the layout.
type CurrentUser struct {
	ID        int64
	Name      string
	Email     string
	RoleLabel string
}

// Layout carries per-request values every page needs.
type Layout struct {
	User *CurrentUser
	Can  map[string]bool
}

type layoutContextKey struct{}

// WithLayout stores layout values in ctx.
func WithLayout(ctx context.Context, layout Layout) context.Context {
	return context.WithValue(ctx, layoutContextKey{}, layout)
}

// LayoutFromContext returns the layout values stored by WithLayout.
func LayoutFromContext(ctx context.Context) Layout {
	layout, _ := ctx.Value(layoutContextKey{}).(Layout)
	return layout
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	AppName     string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Query       url.Values
	Layout      Layout
	Data        any
}

// Pager feeds the pagination partial.
type Pager struct {
	Path  string
	Query url.Values
	Page  shared.Pagination
}

// NewEngine parses templates at build-time.
func NewEngine(appName string) (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"join": strings.Join,
		"hasID": func(ids []int64, id int64) bool {
			for _, v := range ids {
				if v == id {
					return true
				}
			}
			return false
		},
		"pageURL": func(path string, query url.Values, page int) string {
			q := url.Values{}
			for k, v := range query {
				q[k] = append([]string(nil), v...)
			}
			q.Set("page", strconv.Itoa(page))
			return path + "?" + q.Encode()
		},
		"pager": func(path string, query url.Values, page shared.Pagination) Pager {
			return Pager{Path: path, Query: query, Page: page}
		},
		"can": func(layout Layout, ability string) bool {
			return layout.Can[ability]
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates,
		"templates/layouts/*.html",
		"templates/partials/*.html",
		"templates/pages/*.html",
		"templates/pages/*/*.html",
	)
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl, appName: appName}, nil
}

// Render executes a named template with TemplateData.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	if data.AppName == "" {
		data.AppName = e.appName
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return e.templates.ExecuteTemplate(w, name, data)
}
