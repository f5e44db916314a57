// Package extract parses listing HTML into news records using an ordered chain
// of selector strategies; the first strategy that yields usable records wins.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// Strategy locates candidate list items in a parsed document.
type Strategy interface {
	Name() string
	Items(doc *goquery.Document) *goquery.Selection
}

// SelectorStrategy matches items with a CSS selector and an optional id pattern.
type SelectorStrategy struct {
	name     string
	selector string
	idFilter *regexp.Regexp
}

// NewSelectorStrategy builds a strategy from a CSS selector.
func NewSelectorStrategy(name, selector string) SelectorStrategy {
	return SelectorStrategy{name: name, selector: selector}
}

// Name identifies the strategy in logs.
func (s SelectorStrategy) Name() string { return s.name }

// Items returns the matching list items in document order.
func (s SelectorStrategy) Items(doc *goquery.Document) *goquery.Selection {
	sel := doc.Find(s.selector)
	if s.idFilter == nil {
		return sel
	}
	return sel.FilterFunction(func(_ int, item *goquery.Selection) bool {
		id, _ := item.Attr("id")
		return s.idFilter.MatchString(id)
	})
}

var newsListID = regexp.MustCompile(`^newslist-\d+$`)

// DefaultStrategies is the fallback chain for the listing markup.
func DefaultStrategies() []Strategy {
	return []Strategy{
		SelectorStrategy{name: "newslist-id", selector: `li[id^="newslist-"]`, idFilter: newsListID},
		NewSelectorStrategy("category", `#cagetory li, .category li`),
		NewSelectorStrategy("news-list", `.news_list li, ul.newslist li`),
	}
}

// Extractor implements news.Extractor over a strategy chain.
type Extractor struct {
	origin     string
	strategies []Strategy
	matched    func(strategy string, records int)
}

// Option customizes an Extractor.
type Option func(*Extractor)

// WithStrategies replaces the default chain.
func WithStrategies(strategies ...Strategy) Option {
	return func(e *Extractor) {
		e.strategies = strategies
	}
}

// WithMatchHook is invoked with the winning strategy name and record count.
func WithMatchHook(fn func(strategy string, records int)) Option {
	return func(e *Extractor) {
		e.matched = fn
	}
}

// New creates an extractor that resolves site-relative images against origin.
func New(origin string, opts ...Option) *Extractor {
	e := &Extractor{
		origin:     strings.TrimRight(origin, "/"),
		strategies: DefaultStrategies(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract parses body and returns the records of the first productive strategy.
func (e *Extractor) Extract(body []byte) ([]news.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	for _, strategy := range e.strategies {
		records := e.collect(strategy.Items(doc))
		if len(records) == 0 {
			continue
		}
		if e.matched != nil {
			e.matched(strategy.Name(), len(records))
		}
		return records, nil
	}
	return nil, nil
}

func (e *Extractor) collect(items *goquery.Selection) []news.Record {
	records := make([]news.Record, 0, items.Length())
	items.Each(func(_ int, item *goquery.Selection) {
		record := e.recordFrom(item)
		if !record.Valid() {
			return
		}
		records = append(records, record)
	})
	return records
}

func (e *Extractor) recordFrom(item *goquery.Selection) news.Record {
	anchor := item.Find("a").First()
	title, _ := anchor.Attr("title")
	link, _ := anchor.Attr("href")

	var image string
	if img := item.Find("img").First(); img.Length() > 0 {
		image = strings.TrimSpace(img.AttrOr("data-src", ""))
		if image == "" {
			image = strings.TrimSpace(img.AttrOr("src", ""))
		}
	}

	return news.Record{
		Title: strings.TrimSpace(title),
		Link:  strings.TrimSpace(link),
		Image: NormalizeImage(e.origin, image),
	}
}

// NormalizeImage makes protocol-relative and site-relative image URLs absolute.
func NormalizeImage(origin, raw string) string {
	switch {
	case raw == "":
		return ""
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	case strings.HasPrefix(raw, "/"):
		return strings.TrimRight(origin, "/") + raw
	default:
		return raw
	}
}
