package client

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/marketdata"
	"github.com/Sternrassler/opstrat-data/pkg/pagination"
)

// envelope is the paginated response body.
type envelope struct {
	Count    int               `json:"count"`
	Page     int               `json:"page"`
	NextPage int               `json:"next_page"`
	Data     []json.RawMessage `json:"data"`
}

type stockDTO struct {
	Date   string   `json:"date"`
	Time   string   `json:"time"`
	Open   float64  `json:"open"`
	High   float64  `json:"high"`
	Low    float64  `json:"low"`
	Close  *float64 `json:"close"`
	Volume float64  `json:"volume"`
}

type optionDTO struct {
	Symbol     string   `json:"symbol"`
	Spot       string   `json:"spot"`
	Type       string   `json:"type"`
	Strike     float64  `json:"strike"`
	ExpiryDate string   `json:"expiry_date"`
	DueDate    string   `json:"due_date"`
	Time       string   `json:"time"`
	Date       string   `json:"date"`
	Open       float64  `json:"open"`
	High       float64  `json:"high"`
	Low        float64  `json:"low"`
	Close      *float64 `json:"close"`
	Volume     float64  `json:"volume"`
	Delta      float64  `json:"delta"`
	Gamma      float64  `json:"gamma"`
	Theta      float64  `json:"theta"`
	Vega       float64  `json:"vega"`
	IV         float64  `json:"iv"`
}

// item is one decoded record of a page. raw is the compacted source JSON
// used for duplicate detection.
type item struct {
	raw   string
	bar   *marketdata.StockBar
	quote *marketdata.OptionQuote
}

// rejection describes a quarantined record.
type rejection struct {
	index  int
	reason string
}

// decodePage turns an envelope into page items. Records that do not conform
// to the schema are skipped and reported. A page whose records are all
// rejected is malformed.
func decodePage(body []byte, page int, kind marketdata.Kind, spot string, month marketdata.Month) (pagination.Page[item], []rejection, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return pagination.Page[item]{}, nil, &MalformedResponseError{Page: page, Reason: "undecodable envelope", Err: err}
	}

	out := pagination.Page[item]{Number: env.Page, Next: env.NextPage}

	var rejected []rejection
	for i, raw := range env.Data {
		it, reason := decodeRecord(raw, kind, spot, month)
		if reason != "" {
			rejected = append(rejected, rejection{index: i, reason: reason})
			continue
		}
		out.Items = append(out.Items, it)
	}

	if len(env.Data) > 0 && len(out.Items) == 0 {
		return pagination.Page[item]{}, rejected, &MalformedResponseError{
			Page:   page,
			Reason: "no record conforms to the " + string(kind) + " schema: " + rejected[0].reason,
		}
	}
	return out, rejected, nil
}

func decodeRecord(raw json.RawMessage, kind marketdata.Kind, spot string, month marketdata.Month) (item, string) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return item{}, "undecodable record"
	}
	it := item{raw: compact.String()}

	switch kind {
	case marketdata.KindStock:
		var dto stockDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			return item{}, "undecodable record"
		}
		date, reason := recordDate(dto.Date, dto.Time, month)
		if reason != "" {
			return item{}, reason
		}
		if dto.Close == nil {
			return item{}, "missing close"
		}
		it.bar = &marketdata.StockBar{
			Date:   date,
			Open:   dto.Open,
			High:   dto.High,
			Low:    dto.Low,
			Close:  *dto.Close,
			Volume: int64(dto.Volume),
		}

	case marketdata.KindOptions:
		var dto optionDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			return item{}, "undecodable record"
		}
		date, reason := recordDate(dto.Time, dto.Date, month)
		if reason != "" {
			return item{}, reason
		}
		if strings.TrimSpace(dto.Symbol) == "" {
			return item{}, "missing option symbol"
		}
		typ := marketdata.OptionType(strings.ToUpper(strings.TrimSpace(dto.Type)))
		if typ != marketdata.Call && typ != marketdata.Put {
			return item{}, "unknown option type"
		}
		expiryStr := dto.ExpiryDate
		if expiryStr == "" {
			expiryStr = dto.DueDate
		}
		expiry, err := marketdata.ParseDate(expiryStr)
		if err != nil {
			return item{}, "bad expiry date"
		}
		if dto.Close == nil {
			return item{}, "missing close"
		}
		underlying := strings.ToUpper(strings.TrimSpace(dto.Spot))
		if underlying == "" {
			underlying = spot
		}
		it.quote = &marketdata.OptionQuote{
			Symbol: strings.TrimSpace(dto.Symbol),
			Spot:   underlying,
			Type:   typ,
			Strike: dto.Strike,
			Expiry: expiry,
			Date:   date,
			Open:   dto.Open,
			High:   dto.High,
			Low:    dto.Low,
			Close:  *dto.Close,
			Volume: int64(dto.Volume),
			Delta:  dto.Delta,
			Gamma:  dto.Gamma,
			Theta:  dto.Theta,
			Vega:   dto.Vega,
			IV:     dto.IV,
		}
	}
	return it, ""
}

// recordDate parses the first non-empty candidate and checks it lies in month.
func recordDate(primary, fallback string, month marketdata.Month) (time.Time, string) {
	s := primary
	if s == "" {
		s = fallback
	}
	if s == "" {
		return time.Time{}, "missing date"
	}
	d, err := marketdata.ParseDate(s)
	if err != nil {
		return time.Time{}, "bad date"
	}
	if !month.Contains(d) {
		return time.Time{}, "date outside requested month"
	}
	return d, ""
}

// buildSeries drops exact duplicate records. Stock bars keep provider
// order; option quotes are grouped into one record per date, ordered by date
// with quotes in provider order.
func buildSeries(symbol string, kind marketdata.Kind, items []item) (*marketdata.Series, int) {
	series := &marketdata.Series{Symbol: symbol, Kind: kind}
	seen := make(map[string]struct{}, len(items))
	byDate := make(map[string]int)
	dups := 0

	for _, it := range items {
		if _, ok := seen[it.raw]; ok {
			dups++
			continue
		}
		seen[it.raw] = struct{}{}

		switch kind {
		case marketdata.KindStock:
			series.Records = append(series.Records, marketdata.Record{Date: it.bar.Date, Bar: it.bar})
		case marketdata.KindOptions:
			day := it.quote.Date.Format(marketdata.DateLayout)
			if i, ok := byDate[day]; ok {
				series.Records[i].Options = append(series.Records[i].Options, *it.quote)
				continue
			}
			byDate[day] = len(series.Records)
			series.Records = append(series.Records, marketdata.Record{
				Date:    it.quote.Date,
				Options: []marketdata.OptionQuote{*it.quote},
			})
		}
	}

	if kind == marketdata.KindOptions {
		slices.SortStableFunc(series.Records, func(a, b marketdata.Record) int {
			return a.Date.Compare(b.Date)
		})
	}
	return series, dups
}
