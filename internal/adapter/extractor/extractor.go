// Package extractor fetches news pages and reduces them to title, body text and source.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"newslens/internal/failure"
	"newslens/internal/news"
)

var (
	ErrNotHTML   = errors.New("content is not html")
	ErrEmptyBody = errors.New("no article text after removing boilerplate")
)

const boilerplate = "script, style, noscript, nav, header, footer, aside, form, iframe, svg, figure figcaption"

type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
}

type Extractor struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

func New(cfg Config) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "newslens/1.0"
	}
	return &Extractor{
		client:    &http.Client{Timeout: cfg.Timeout},
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
	}
}

// Extract downloads rawURL and returns the article with URL, Title, Body, Source
// and PublishedAt populated. All failures are reported as extraction errors.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*news.Article, error) {
	doc, err := e.fetchDocument(ctx, rawURL)
	if err != nil {
		return nil, failure.Extraction("extract "+rawURL, err)
	}

	article := parseDocument(doc, rawURL)
	if article.Body == "" {
		return nil, failure.Extraction("extract "+rawURL, ErrEmptyBody)
	}

	slog.DebugContext(ctx, "article extracted", "url", rawURL, "title", article.Title, "chars", len(article.Body))
	return article, nil
}

func (e *Extractor) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s returned %s", pageURL, resp.Status)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || (mediaType != "text/html" && mediaType != "application/xhtml+xml") {
			return nil, fmt.Errorf("%w: %s", ErrNotHTML, ct)
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func parseDocument(doc *goquery.Document, pageURL string) *news.Article {
	doc.Find(boilerplate).Remove()

	return &news.Article{
		URL:         pageURL,
		Title:       extractTitle(doc),
		Body:        extractBody(doc),
		Source:      extractSource(doc, pageURL),
		PublishedAt: extractPublished(doc),
	}
}

func meta(doc *goquery.Document, keys ...string) string {
	for _, k := range keys {
		sel := fmt.Sprintf(`meta[property=%q], meta[name=%q], meta[itemprop=%q]`, k, k, k)
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func extractTitle(doc *goquery.Document) string {
	if t := meta(doc, "og:title", "twitter:title"); t != "" {
		return t
	}
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return collapse(doc.Find("h1").First().Text())
}

func extractBody(doc *goquery.Document) string {
	for _, scope := range []string{"article", "main", "[role=main]", "body"} {
		root := doc.Find(scope).First()
		if root.Length() == 0 {
			continue
		}
		var paragraphs []string
		root.Find("p").Each(func(_ int, p *goquery.Selection) {
			if text := collapse(p.Text()); text != "" {
				paragraphs = append(paragraphs, text)
			}
		})
		if len(paragraphs) > 0 {
			return strings.Join(paragraphs, "\n\n")
		}
	}
	return ""
}

func extractSource(doc *goquery.Document, pageURL string) string {
	if s := meta(doc, "og:site_name", "application-name"); s != "" {
		return s
	}
	return news.Host(pageURL)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func extractPublished(doc *goquery.Document) *time.Time {
	raw := meta(doc, "article:published_time", "og:published_time", "datePublished", "pubdate", "date")
	if raw == "" {
		raw, _ = doc.Find("time[datetime]").First().Attr("datetime")
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
