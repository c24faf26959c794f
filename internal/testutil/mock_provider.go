// Package testutil provides testing utilities for the market data layer.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockToken is the bearer token the mock provider accepts.
const MockToken = "test-token"

const dateLayout = "2006-01-02"

// MockResponse defines a canned response for a failure injection.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// MockProvider is an httptest server speaking the historical data API.
// Every weekday in the requested range is a trading day. Stock requests
// yield one bar per day, options requests two quotes (CALL and PUT) per day.
type MockProvider struct {
	server *httptest.Server

	mu        sync.Mutex
	pageSize  int
	delay     time.Duration
	failures  []MockResponse
	notFound  map[string]bool
	empty     map[string]bool
	holidays  map[string]bool
	requests  int
	ranges    map[string]int
	lastAuth  string
	lastAgent string
}

// NewMockProvider starts a mock provider.
func NewMockProvider() *MockProvider {
	m := &MockProvider{
		pageSize: 50,
		notFound: make(map[string]bool),
		empty:    make(map[string]bool),
		holidays: make(map[string]bool),
		ranges:   make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// SetPageSize sets the default page size used when the request has none.
func (m *MockProvider) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetDelay delays every response.
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext queues responses returned, in order, instead of real data.
func (m *MockProvider) FailNext(resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, resps...)
}

// SetNotFound makes every request for symbol answer 404.
func (m *MockProvider) SetNotFound(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notFound[strings.ToUpper(symbol)] = true
}

// SetEmpty makes every request for symbol answer with no records.
func (m *MockProvider) SetEmpty(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.empty[strings.ToUpper(symbol)] = true
}

// SetHoliday removes a date from the synthetic calendar.
func (m *MockProvider) SetHoliday(date string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays[date] = true
}

// RequestCount returns the number of requests served.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// RangeRequests returns how often the first page of a range was requested.
// The range is identified as "<kind>/<SYMBOL>/<from>/<to>".
func (m *MockProvider) RangeRequests(kind, symbol, from, to string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ranges[rangeID(kind, symbol, from, to)]
}

// DistinctRanges returns the number of distinct ranges requested.
func (m *MockProvider) DistinctRanges() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ranges)
}

// LastAuthorization returns the Authorization header of the last request.
func (m *MockProvider) LastAuthorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

// LastUserAgent returns the User-Agent header of the last request.
func (m *MockProvider) LastUserAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAgent
}

func rangeID(kind, symbol, from, to string) string {
	return kind + "/" + strings.ToUpper(symbol) + "/" + from + "/" + to
}

// StockBar is the wire shape of a stock record.
type StockBar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// OptionQuote is the wire shape of an option record.
type OptionQuote struct {
	Symbol     string  `json:"symbol"`
	Spot       string  `json:"spot"`
	Type       string  `json:"type"`
	Strike     float64 `json:"strike"`
	ExpiryDate string  `json:"expiry_date"`
	Time       string  `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     int64   `json:"volume"`
	Delta      float64 `json:"delta"`
	Gamma      float64 `json:"gamma"`
	Theta      float64 `json:"theta"`
	Vega       float64 `json:"vega"`
	IV         float64 `json:"iv"`
}

// Envelope is the paginated response body.
type Envelope struct {
	Count    int   `json:"count"`
	Page     int   `json:"page"`
	NextPage int   `json:"next_page,omitempty"`
	Data     []any `json:"data"`
}

func (m *MockProvider) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	m.lastAuth = r.Header.Get("Authorization")
	m.lastAgent = r.Header.Get("User-Agent")
	delay := m.delay
	var failure *MockResponse
	if len(m.failures) > 0 {
		f := m.failures[0]
		m.failures = m.failures[1:]
		failure = &f
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")

	if failure != nil {
		for k, v := range failure.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(failure.StatusCode)
		_, _ = w.Write([]byte(failure.Body))
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+MockToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	kind, symbol, from, to, ok := parsePath(r)
	if !ok {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}
	start, err1 := time.Parse(dateLayout, from)
	end, err2 := time.Parse(dateLayout, to)
	if err1 != nil || err2 != nil || end.Before(start) {
		http.Error(w, `{"error":"bad date range"}`, http.StatusBadRequest)
		return
	}

	page := atoiDefault(r.URL.Query().Get("page"), 1)

	m.mu.Lock()
	if page == 1 {
		m.ranges[rangeID(kind, symbol, from, to)]++
	}
	notFound := m.notFound[symbol]
	empty := m.empty[symbol]
	pageSize := atoiDefault(r.URL.Query().Get("per_page"), m.pageSize)
	holidays := make(map[string]bool, len(m.holidays))
	for d := range m.holidays {
		holidays[d] = true
	}
	m.mu.Unlock()

	if notFound {
		http.Error(w, `{"error":"symbol not found"}`, http.StatusNotFound)
		return
	}

	var all []any
	if !empty {
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday || holidays[d.Format(dateLayout)] {
				continue
			}
			if kind == "stock" {
				all = append(all, SyntheticBar(d))
			} else {
				for _, q := range SyntheticChain(symbol, d) {
					all = append(all, q)
				}
			}
		}
	}

	env := Envelope{Count: len(all), Page: page, Data: []any{}}
	if pageSize <= 0 {
		pageSize = len(all) + 1
	}
	lo := (page - 1) * pageSize
	if lo < len(all) {
		hi := lo + pageSize
		if hi >= len(all) {
			hi = len(all)
		} else {
			env.NextPage = page + 1
		}
		env.Data = all[lo:hi]
	}

	_ = json.NewEncoder(w).Encode(env)
}

func parsePath(r *http.Request) (kind, symbol, from, to string, ok bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "market" || parts[1] != "historical" {
		return "", "", "", "", false
	}
	switch {
	case parts[2] == "stock" && len(parts) == 4:
		q := r.URL.Query()
		return "stock", strings.ToUpper(parts[3]), q.Get("start_date"), q.Get("end_date"), true
	case parts[2] == "options" && len(parts) == 6:
		return "options", strings.ToUpper(parts[3]), parts[4], parts[5], true
	}
	return "", "", "", "", false
}

func atoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return def
}

// SyntheticBar returns the deterministic bar served for day d.
func SyntheticBar(d time.Time) StockBar {
	base := 100 + float64(d.YearDay())
	return StockBar{
		Date:   d.Format(dateLayout),
		Open:   base,
		High:   base + 2,
		Low:    base - 1,
		Close:  base + 1,
		Volume: 1000 + int64(d.Day()),
	}
}

// SyntheticChain returns the deterministic option quotes served for day d.
func SyntheticChain(spot string, d time.Time) []OptionQuote {
	expiry := d.AddDate(0, 1, 0).Format(dateLayout)
	price := 1 + float64(d.Day())/100
	return []OptionQuote{
		{
			Symbol: fmt.Sprintf("%sC%03d", spot, d.YearDay()), Spot: spot, Type: "CALL",
			Strike: 100, ExpiryDate: expiry, Time: d.Format(dateLayout),
			Open: price, High: price + 0.1, Low: price - 0.1, Close: price, Volume: 10,
			Delta: 0.5, Gamma: 0.05, Theta: -0.01, Vega: 0.02, IV: 0.3,
		},
		{
			Symbol: fmt.Sprintf("%sP%03d", spot, d.YearDay()), Spot: spot, Type: "PUT",
			Strike: 100, ExpiryDate: expiry, Time: d.Format(dateLayout),
			Open: price, High: price + 0.1, Low: price - 0.1, Close: price, Volume: 10,
			Delta: -0.5, Gamma: 0.05, Theta: -0.01, Vega: 0.02, IV: 0.32,
		},
	}
}
