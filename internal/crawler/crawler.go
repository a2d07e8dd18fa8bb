// Package crawler reads the circular index page and the circulars it links to.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"

	"github.com/seanblong/circularsearch/internal/outcome"
	"github.com/seanblong/circularsearch/pkg/models"
)

const (
	DefaultIndexURL  = "https://www.rbi.org.in/scripts/bs_circularindexdisplay.aspx"
	DefaultUserAgent = "circularsearch/1.0 (+https://github.com/seanblong/circularsearch)"
	DefaultDelay     = time.Second
	DefaultTimeout   = 60 * time.Second

	// DateLayout is the day.month.year format used by the index, e.g. 11.2.2026.
	DateLayout = "2.1.2006"

	maxPageBytes = 10 << 20
)

// ErrNoRows is returned when the index page contains no circular table.
var ErrNoRows = errors.New("no circular rows found on index page")

// Config controls what the crawler fetches and how politely.
type Config struct {
	IndexURL  string
	From      time.Time // zero means unbounded
	To        time.Time // zero means unbounded
	Delay     time.Duration
	UserAgent string
	Timeout   time.Duration
}

// Crawler fetches the index listing and circular pages.
type Crawler struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a crawler. Zero values in cfg select the defaults; a negative
// Delay disables the politeness delay.
func New(cfg Config) (*Crawler, error) {
	if cfg.IndexURL == "" {
		cfg.IndexURL = DefaultIndexURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Delay == 0 {
		cfg.Delay = DefaultDelay
	}
	if !cfg.From.IsZero() && !cfg.To.IsZero() && cfg.From.After(cfg.To) {
		return nil, outcome.Configf("crawler", "date range start %s is after end %s",
			cfg.From.Format(time.DateOnly), cfg.To.Format(time.DateOnly))
	}

	base, err := url.Parse(cfg.IndexURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, outcome.Configf("crawler", "invalid index url %q", cfg.IndexURL)
	}

	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}

	return &Crawler{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Rows fetches the index page and returns every parseable circular row in
// page order. Rows without a link or with an unreadable date are skipped.
func (c *Crawler) Rows(ctx context.Context) ([]models.Row, error) {
	doc, err := c.get(ctx, c.cfg.IndexURL)
	if err != nil {
		return nil, err
	}

	trs := findRows(doc)
	if len(trs) == 0 {
		return nil, outcome.New(outcome.Parse, "crawl", ErrNoRows)
	}

	var out []models.Row
	for i, tr := range trs {
		row, err := c.parseRow(tr)
		if err != nil {
			log.Warn().Err(err).Int("row", i).Msg("skipping index row")
			continue
		}
		if row != nil {
			out = append(out, *row)
		}
	}
	log.Debug().Int("rows", len(trs)).Int("parsed", len(out)).Msg("index page parsed")
	return out, nil
}

// InRange reports whether the row date falls inside the configured window.
// Both bounds are inclusive.
func (c *Crawler) InRange(r models.Row) bool {
	day := r.Date.Truncate(24 * time.Hour)
	if !c.cfg.From.IsZero() && day.Before(c.cfg.From.Truncate(24*time.Hour)) {
		return false
	}
	if !c.cfg.To.IsZero() && day.After(c.cfg.To.Truncate(24*time.Hour)) {
		return false
	}
	return true
}

// FetchText downloads a circular and returns its visible body text.
func (c *Crawler) FetchText(ctx context.Context, pageURL string) (string, error) {
	doc, err := c.get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	body := find(doc, atom.Body)
	if body == nil {
		body = doc
	}
	return Text(body), nil
}

func (c *Crawler) get(ctx context.Context, target string) (*html.Node, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, outcome.Wrap("fetch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, outcome.New(outcome.Parse, "fetch", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, outcome.New(outcome.Transient, "fetch", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close response body")
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, outcome.New(outcome.NotFound, "fetch", fmt.Errorf("%s: %s", target, resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// source site statuses (403 from bot filters included) are never fatal
		return nil, outcome.New(outcome.Transient, "fetch", &outcome.StatusError{Code: resp.StatusCode, Message: target})
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, outcome.New(outcome.Parse, "fetch", err)
	}
	return doc, nil
}

// parseRow returns nil, nil for rows that are not circular entries, such as
// headers and spacer rows.
func (c *Crawler) parseRow(tr *html.Node) (*models.Row, error) {
	var cells []*html.Node
	for n := tr.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == html.ElementNode && n.DataAtom == atom.Td {
			cells = append(cells, n)
		}
	}
	if len(cells) < 4 {
		return nil, nil
	}

	dateText := collapse(textContent(cells[1]))
	date, err := time.Parse(DateLayout, dateText)
	if err != nil {
		return nil, outcome.New(outcome.Parse, "crawl", fmt.Errorf("bad date %q", dateText))
	}

	a := find(cells[0], atom.A)
	href := strings.TrimSpace(attr(a, "href"))
	if href == "" {
		return nil, outcome.New(outcome.Parse, "crawl", errors.New("row has no link"))
	}
	link, err := c.base.Parse(href)
	if err != nil {
		return nil, outcome.New(outcome.Parse, "crawl", fmt.Errorf("bad link %q: %w", href, err))
	}

	return &models.Row{
		Number:     collapse(textContent(cells[0])),
		Date:       date,
		Department: collapse(textContent(cells[2])),
		Title:      collapse(textContent(cells[3])),
		Link:       link.String(),
	}, nil
}

// findRows returns the rows of every table.table-common, or every table row
// in the document when no such table exists.
func findRows(doc *html.Node) []*html.Node {
	var tables []*html.Node
	walk(doc, func(n *html.Node) bool {
		if n.DataAtom == atom.Table && hasClass(n, "table-common") {
			tables = append(tables, n)
			return false
		}
		return true
	})
	if len(tables) == 0 {
		tables = []*html.Node{doc}
	}

	var rows []*html.Node
	for _, t := range tables {
		walk(t, func(n *html.Node) bool {
			if n.DataAtom == atom.Tr {
				rows = append(rows, n)
				return false
			}
			return true
		})
	}
	return rows
}

// walk visits element nodes depth first; fn returns false to skip children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && !fn(c) {
			continue
		}
		walk(c, fn)
	}
}

func find(n *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if c.DataAtom == a {
			found = c
			return false
		}
		return true
	})
	return found
}

func attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }
