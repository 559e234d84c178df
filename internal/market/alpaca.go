// Package market - alpaca.go implements the Alpaca Market Data provider.
//
// Alpaca Data API v2:
//   - Base URL: https://data.alpaca.markets
//   - Auth: APCA-API-KEY-ID / APCA-API-SECRET-KEY headers
//   - Stock snapshot: GET /v2/stocks/{symbol}/snapshot
//   - Stock bars:     GET /v2/stocks/{symbol}/bars
//   - Crypto quotes:  GET /v1beta3/crypto/us/snapshots
//   - Crypto bars:    GET /v1beta3/crypto/us/bars
//
// This is the primary real-time source: free API keys, IEX feed.
package market

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const alpacaDataURL = "https://data.alpaca.markets"

// AlpacaProvider serves quotes and bars from Alpaca's data API.
type AlpacaProvider struct {
	apiKey    string
	secretKey string
	baseURL   string
	client    *retryablehttp.Client
	log       zerolog.Logger
}

// NewAlpacaProvider creates an Alpaca provider. Empty credentials yield a
// provider that reports itself unavailable.
func NewAlpacaProvider(apiKey, secretKey string, log zerolog.Logger) *AlpacaProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &AlpacaProvider{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   alpacaDataURL,
		client:    client,
		log:       log.With().Str("component", "alpaca").Logger(),
	}
}

func (a *AlpacaProvider) Source() Source { return SourceAlpaca }

func (a *AlpacaProvider) IsAvailable() bool {
	return a.apiKey != "" && a.secretKey != ""
}

func (a *AlpacaProvider) get(path string, query url.Values, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := retryablehttp.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("alpaca: build request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.secretKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("alpaca: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("alpaca: %s: status %d: %s", path, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("alpaca: decode %s: %w", path, err)
	}
	return nil
}

// alpacaBar matches Alpaca's compact bar JSON.
type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

type alpacaSnapshot struct {
	LatestTrade struct {
		Price float64 `json:"p"`
	} `json:"latestTrade"`
	LatestQuote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"latestQuote"`
	DailyBar alpacaBar `json:"dailyBar"`
}

// GetQuote fetches the symbol's snapshot.
func (a *AlpacaProvider) GetQuote(symbol string) *Quote {
	if !a.IsAvailable() {
		return nil
	}

	var snap alpacaSnapshot
	if err := a.get("/v2/stocks/"+symbol+"/snapshot", nil, &snap); err != nil {
		a.log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot failed")
		return nil
	}

	current := snap.LatestTrade.Price
	if current == 0 {
		current = snap.DailyBar.Close
	}
	if current == 0 {
		return nil
	}

	return &Quote{
		Symbol:       symbol,
		CurrentPrice: current,
		OpenPrice:    snap.DailyBar.Open,
		HighPrice:    snap.DailyBar.High,
		LowPrice:     snap.DailyBar.Low,
		Bid:          snap.LatestQuote.BidPrice,
		Ask:          snap.LatestQuote.AskPrice,
		Volume:       snap.DailyBar.Volume,
		Source:       SourceAlpaca,
		IsRealtime:   true,
	}
}

// GetHistoricalBars fetches aggregated bars for [from, to], oldest first.
func (a *AlpacaProvider) GetHistoricalBars(symbol string, from, to time.Time, tf Timeframe) []Bar {
	if !a.IsAvailable() {
		return nil
	}

	q := url.Values{}
	q.Set("start", from.Format("2006-01-02"))
	q.Set("end", to.Format("2006-01-02"))
	q.Set("timeframe", string(tf))
	q.Set("adjustment", "raw")
	q.Set("feed", "iex")

	var out struct {
		Bars []alpacaBar `json:"bars"`
	}
	if err := a.get("/v2/stocks/"+symbol+"/bars", q, &out); err != nil {
		a.log.Warn().Err(err).Str("symbol", symbol).Msg("bars failed")
		return nil
	}

	bars := make([]Bar, 0, len(out.Bars))
	for _, b := range out.Bars {
		bars = append(bars, Bar{
			Symbol: symbol,
			Start:  b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return bars
}

// GetCryptoQuote fetches the latest spot print for a pair like "BTC/USD".
func (a *AlpacaProvider) GetCryptoQuote(pair string) *Quote {
	if !a.IsAvailable() {
		return nil
	}

	q := url.Values{}
	q.Set("symbols", pair)

	var out struct {
		Snapshots map[string]alpacaSnapshot `json:"snapshots"`
	}
	if err := a.get("/v1beta3/crypto/us/snapshots", q, &out); err != nil {
		a.log.Warn().Err(err).Str("pair", pair).Msg("crypto snapshot failed")
		return nil
	}

	snap, ok := out.Snapshots[pair]
	if !ok || snap.LatestTrade.Price == 0 {
		return nil
	}
	return &Quote{
		Symbol:       pair,
		CurrentPrice: snap.LatestTrade.Price,
		OpenPrice:    snap.DailyBar.Open,
		HighPrice:    snap.DailyBar.High,
		LowPrice:     snap.DailyBar.Low,
		Volume:       snap.DailyBar.Volume,
		Source:       SourceAlpaca,
		IsRealtime:   true,
	}
}

// GetCryptoBars fetches spot bars for a pair, oldest first.
func (a *AlpacaProvider) GetCryptoBars(pair string, from, to time.Time, tf Timeframe) []Bar {
	if !a.IsAvailable() {
		return nil
	}

	q := url.Values{}
	q.Set("symbols", pair)
	q.Set("start", from.Format("2006-01-02"))
	q.Set("end", to.Format("2006-01-02"))
	q.Set("timeframe", string(tf))

	var out struct {
		Bars map[string][]alpacaBar `json:"bars"`
	}
	if err := a.get("/v1beta3/crypto/us/bars", q, &out); err != nil {
		a.log.Warn().Err(err).Str("pair", pair).Msg("crypto bars failed")
		return nil
	}

	raw := out.Bars[pair]
	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Symbol: pair,
			Start:  b.Timestamp,
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	return bars
}
