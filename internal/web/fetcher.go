package web

import (
	"bytes"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/richardpenman/pdict"
	"github.com/richardpenman/pdict/internal/logger"
)

const (
	RequestTimeout  = 20 * time.Second
	MaxResponseSize = 1 * 1024 * 1024 // 1MB
)

// Page is a fetched document: the raw body plus the header and document
// details that get stored as entry metadata.
type Page struct {
	URL         string
	FinalURL    string
	ContentType string
	Title       string
	Body        string
	Cached      bool
}

// Fetcher downloads pages through a persistent dictionary keyed by URL, so
// repeated fetches of the same page are served from disk until the entry
// goes stale.
type Fetcher struct {
	c    *colly.Collector
	dict *pdict.Dict[string]
}

func NewFetcher(dict *pdict.Dict[string]) *Fetcher {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.Async(false),
	)
	c.SetRequestTimeout(RequestTimeout)
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", NextUserAgent())
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	return &Fetcher{c: c, dict: dict}
}

// Fetch returns the page at rawURL, from the cache when it holds a fresh
// copy and from the network otherwise. Network responses are written back
// to the cache with the page details as entry metadata.
func (f *Fetcher) Fetch(rawURL string) (*Page, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, errors.New("url must start with http:// or https://")
	}

	body, err := f.dict.Get(rawURL)
	switch {
	case err == nil:
		page := &Page{URL: rawURL, Body: body, Cached: true}
		f.fillFromMeta(page)
		return page, nil
	case errors.Is(err, pdict.ErrNotFound), errors.Is(err, pdict.ErrStale):
		// miss, go to the network
	default:
		return nil, err
	}

	var raw []byte
	var finalURL, contentType string
	f.c.OnResponse(func(r *colly.Response) {
		finalURL = r.Request.URL.String()
		raw = append([]byte(nil), r.Body...)
		contentType = r.Headers.Get("Content-Type")
	})
	if err := f.c.Visit(rawURL); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty response body")
	}
	if len(raw) > MaxResponseSize {
		raw = raw[:MaxResponseSize]
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "text/") {
		return nil, errors.New("unsupported content type: " + contentType)
	}

	page := &Page{
		URL:         rawURL,
		FinalURL:    finalURL,
		ContentType: contentType,
		Body:        string(raw),
	}
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw)); err == nil {
			page.Title = strings.TrimSpace(doc.Find("head > title").First().Text())
		}
	}

	if err := f.dict.Set(rawURL, page.Body); err != nil {
		return nil, err
	}
	if err := f.dict.SetMeta(rawURL, map[string]any{
		"final_url":    page.FinalURL,
		"content_type": page.ContentType,
		"title":        page.Title,
	}); err != nil {
		logger.Warnf("store meta for %s: %v", rawURL, err)
	}
	return page, nil
}

// fillFromMeta restores the page details saved alongside a cached body.
// Entries written by other callers may carry arbitrary metadata; anything
// unrecognized is ignored.
func (f *Fetcher) fillFromMeta(page *Page) {
	meta, err := f.dict.Meta(page.URL)
	if err != nil {
		return
	}
	fields, ok := meta.(map[string]any)
	if !ok {
		return
	}
	if s, ok := fields["final_url"].(string); ok {
		page.FinalURL = s
	}
	if s, ok := fields["content_type"].(string); ok {
		page.ContentType = s
	}
	if s, ok := fields["title"].(string); ok {
		page.Title = s
	}
}
