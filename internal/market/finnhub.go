// Package market - finnhub.go implements the Finnhub fallback provider.
//
// Finnhub's free tier serves quotes with a slight delay and has no
// intraday bar access worth using, so this provider only answers quote
// requests and sits behind Alpaca in the priority list.
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

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubProvider serves delayed quotes from Finnhub.
type FinnhubProvider struct {
	apiKey  string
	baseURL string
	client  *retryablehttp.Client
	log     zerolog.Logger
}

// NewFinnhubProvider creates a Finnhub provider. An empty key yields a
// provider that reports itself unavailable.
func NewFinnhubProvider(apiKey string, log zerolog.Logger) *FinnhubProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &FinnhubProvider{
		apiKey:  apiKey,
		baseURL: finnhubBaseURL,
		client:  client,
		log:     log.With().Str("component", "finnhub").Logger(),
	}
}

func (f *FinnhubProvider) Source() Source { return SourceFinnhub }

func (f *FinnhubProvider) IsAvailable() bool { return f.apiKey != "" }

// GetQuote fetches Finnhub's /quote endpoint.
func (f *FinnhubProvider) GetQuote(symbol string) *Quote {
	if !f.IsAvailable() {
		return nil
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.apiKey)

	resp, err := f.client.Get(f.baseURL + "/quote?" + q.Encode())
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("quote failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		f.log.Warn().Str("symbol", symbol).
			Msg(fmt.Sprintf("quote status %d: %s", resp.StatusCode, body))
		return nil
	}

	var out struct {
		Current float64 `json:"c"`
		High    float64 `json:"h"`
		Low     float64 `json:"l"`
		Open    float64 `json:"o"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("decode failed")
		return nil
	}
	if out.Current == 0 {
		return nil
	}

	return &Quote{
		Symbol:       symbol,
		CurrentPrice: out.Current,
		OpenPrice:    out.Open,
		HighPrice:    out.High,
		LowPrice:     out.Low,
		Source:       SourceFinnhub,
		IsRealtime:   false,
	}
}

// GetHistoricalBars is not served by the free tier.
func (f *FinnhubProvider) GetHistoricalBars(string, time.Time, time.Time, Timeframe) []Bar {
	return nil
}
