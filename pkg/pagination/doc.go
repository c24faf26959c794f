// Package pagination walks cursor-paginated endpoints.
//
// The historical data provider answers with an envelope carrying the page
// number and a next_page cursor; a missing or zero cursor ends the walk.
// Pages are fetched sequentially because every page request already counts
// against the shared requests-per-minute budget.
//
// Example usage:
//
//	items, err := pagination.Walk(ctx, pagination.DefaultConfig(),
//		func(ctx context.Context, page int) (pagination.Page[quote], error) {
//			return fetchQuotes(ctx, page)
//		})
//
// Walk stops with ErrTooManyPages once Config.MaxPages pages have been read
// and the provider still reports a further page, and with ErrCursorLoop when
// the cursor does not advance.
package pagination
