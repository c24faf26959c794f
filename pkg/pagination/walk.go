package pagination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTooManyPages is returned when the page cap is reached.
	ErrTooManyPages = errors.New("pagination: page limit exceeded")

	// ErrCursorLoop is returned when next_page does not move forward.
	ErrCursorLoop = errors.New("pagination: next page does not advance")
)

// Config holds walk configuration
type Config struct {
	// MaxPages caps the number of pages read for one walk.
	MaxPages int
	// FirstPage is the number of the first page (the provider counts from 1).
	FirstPage int
	// Logger overrides the global logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns the default walk configuration
func DefaultConfig() Config {
	return Config{
		MaxPages:  200,
		FirstPage: 1,
	}
}

// Page is one decoded page of results.
type Page[T any] struct {
	// Number is the page number reported by the provider (0 if unknown).
	Number int
	// Next is the next page cursor; 0 ends the walk.
	Next int
	// Items are the page's records in provider order.
	Items []T
}

// PageFunc fetches a single page.
type PageFunc[T any] func(ctx context.Context, page int) (Page[T], error)

// Walk fetches pages starting at cfg.FirstPage and follows the next cursor.
// Items are concatenated in page order. On error the items read so far are
// discarded.
func Walk[T any](ctx context.Context, cfg Config, fetch PageFunc[T]) ([]T, error) {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultConfig().MaxPages
	}
	if cfg.FirstPage <= 0 {
		cfg.FirstPage = 1
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	start := time.Now()
	var items []T
	page := cfg.FirstPage

	for fetched := 0; ; fetched++ {
		if fetched >= cfg.MaxPages {
			return nil, fmt.Errorf("%w: %d pages read, provider reports page %d", ErrTooManyPages, fetched, page)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := fetch(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		items = append(items, p.Items...)

		if p.Next == 0 {
			logger.Debug().
				Int("pages", fetched+1).
				Int("items", len(items)).
				Dur("duration", time.Since(start)).
				Msg("Pagination complete")
			return items, nil
		}
		if p.Next <= page {
			return nil, fmt.Errorf("%w: page %d points to %d", ErrCursorLoop, page, p.Next)
		}
		page = p.Next
	}
}
