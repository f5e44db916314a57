// Package publisher fans refresh events out to several sinks.
package publisher

import (
	"context"
	"errors"

	"github.com/JakeFAU/mfnews-scraper/internal/news"
)

// Tee publishes to every sink and returns the first sink's message id.
type Tee struct {
	sinks []news.Publisher
}

// NewTee builds a Tee over the non-nil sinks.
func NewTee(sinks ...news.Publisher) *Tee {
	t := &Tee{}
	for _, s := range sinks {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
	return t
}

// Publish attempts every sink; failures are joined.
func (t *Tee) Publish(ctx context.Context, topic string, payload any) (string, error) {
	var (
		firstID string
		errs    []error
	)
	for i, sink := range t.sinks {
		id, err := sink.Publish(ctx, topic, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, errors.Join(errs...)
}
