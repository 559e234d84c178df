// Package broker - etrade.go implements the Broker interface for E*TRADE.
//
// E*TRADE API v1:
//   - Base URL: https://api.etrade.com
//   - Auth: OAuth 1.0a (HMAC-SHA1); access tokens expire at midnight ET
//     and go stale after two hours of inactivity, so the client renews
//     proactively before every order sequence.
//   - Accounts: GET /v1/accounts/list, /v1/accounts/{key}/balance,
//     /v1/accounts/{key}/portfolio
//   - Orders: POST /v1/accounts/{key}/orders/preview,
//     /v1/accounts/{key}/orders/place, GET /v1/accounts/{key}/orders/{id},
//     PUT /v1/accounts/{key}/orders/cancel
//   - Quotes: GET /v1/market/quote/{symbols}
//
// Retry policy: exponential backoff, max 3 attempts; 429 honors
// Retry-After; a 401 triggers exactly one renewal and one retry. Each
// attempt is re-signed so nonces are never reused.
package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotAuthenticated is returned when no usable access token exists.
var ErrNotAuthenticated = errors.New("etrade: not authenticated")

// TokenStore persists the OAuth access token pair across restarts.
type TokenStore interface {
	SaveToken(token, secret string) error
	LoadToken() (token, secret string, err error)
}

// ETradeConfig holds the credentials and endpoint for the live broker.
type ETradeConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	BaseURL        string
}

// ETradeBroker implements Broker against the E*TRADE REST API.
type ETradeBroker struct {
	cfg    ETradeConfig
	client *http.Client
	tokens TokenStore
	log    zerolog.Logger

	// tokenMu serializes token reads, renewal, and persistence. Renewal is
	// idempotent: E*TRADE's renew endpoint extends the current token.
	tokenMu     sync.Mutex
	accessToken string
	tokenSecret string
	lastRenewal time.Time
}

// NewETradeBroker creates the live broker and loads any persisted token.
func NewETradeBroker(cfg ETradeConfig, tokens TokenStore, log zerolog.Logger) (*ETradeBroker, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, fmt.Errorf("etrade: consumer key and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.etrade.com"
	}

	b := &ETradeBroker{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
		log:    log.With().Str("component", "etrade").Logger(),
	}

	if tokens != nil {
		tok, sec, err := tokens.LoadToken()
		if err == nil && tok != "" {
			b.accessToken = tok
			b.tokenSecret = sec
			b.log.Info().Msg("loaded persisted access token")
		}
	}
	return b, nil
}

// IsAuthenticated actively verifies the token by listing accounts.
func (b *ETradeBroker) IsAuthenticated(ctx context.Context) bool {
	b.tokenMu.Lock()
	hasToken := b.accessToken != ""
	b.tokenMu.Unlock()
	if !hasToken {
		return false
	}
	_, err := b.ListAccounts(ctx)
	return err == nil
}

// EnsureAuthenticated proactively renews the token so it is fresh for the
// order sequence that follows. Renewal failure is not fatal while the
// existing token still verifies.
func (b *ETradeBroker) EnsureAuthenticated(ctx context.Context) bool {
	if !b.IsAuthenticated(ctx) {
		return false
	}
	if err := b.RenewToken(ctx); err != nil {
		b.log.Warn().Err(err).Msg("proactive token renewal failed")
	}
	return true
}

// RenewToken renews the access token. E*TRADE may extend the current token
// without issuing new credentials; when it does issue new ones they are
// persisted immediately.
func (b *ETradeBroker) RenewToken(ctx context.Context) error {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()

	if b.accessToken == "" {
		return ErrNotAuthenticated
	}
	// Collapse renewal storms from concurrent jobs.
	if time.Since(b.lastRenewal) < 30*time.Second {
		return nil
	}

	endpoint := b.cfg.BaseURL + "/oauth/renew_access_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("etrade: renew request: %w", err)
	}
	req.Header.Set("Authorization", b.authHeaderLocked(http.MethodGet, endpoint, nil))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("etrade: renew: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("etrade: renew: status %d: %s", resp.StatusCode, body)
	}

	body, _ := io.ReadAll(resp.Body)
	if vals, err := url.ParseQuery(string(body)); err == nil {
		if tok := vals.Get("oauth_token"); tok != "" {
			b.accessToken = tok
			b.tokenSecret = vals.Get("oauth_token_secret")
			if b.tokens != nil {
				if err := b.tokens.SaveToken(b.accessToken, b.tokenSecret); err != nil {
					b.log.Warn().Err(err).Msg("failed to persist renewed token")
				}
			}
		}
	}
	b.lastRenewal = time.Now()
	b.log.Info().Msg("access token renewed")
	return nil
}

// SetAccessToken installs a token pair obtained out of band (the OAuth
// bootstrap happens outside the worker) and persists it.
func (b *ETradeBroker) SetAccessToken(token, secret string) error {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()
	b.accessToken = token
	b.tokenSecret = secret
	if b.tokens != nil {
		return b.tokens.SaveToken(token, secret)
	}
	return nil
}

// ── OAuth 1.0a signing ──────────────────────────────────────────────

// authHeaderLocked builds the OAuth Authorization header. Callers must
// hold tokenMu (the signature includes the current token).
func (b *ETradeBroker) authHeaderLocked(method, rawURL string, query url.Values) string {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)

	params := map[string]string{
		"oauth_consumer_key":     b.cfg.ConsumerKey,
		"oauth_nonce":            hex.EncodeToString(nonce),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(time.Now().Unix(), 10),
		"oauth_token":            b.accessToken,
		"oauth_version":          "1.0",
	}

	// The signature base string covers oauth params plus the query string.
	all := make(map[string]string, len(params)+len(query))
	for k, v := range params {
		all[k] = v
	}
	for k := range query {
		all[k] = query.Get(k)
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		pairs = append(pairs, percentEncode(k)+"="+percentEncode(all[k]))
	}
	base := strings.Join([]string{
		method,
		percentEncode(rawURL),
		percentEncode(strings.Join(pairs, "&")),
	}, "&")

	signingKey := percentEncode(b.cfg.ConsumerSecret) + "&" + percentEncode(b.tokenSecret)
	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(base))
	params["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	hkeys := make([]string, 0, len(params))
	for k := range params {
		hkeys = append(hkeys, k)
	}
	sort.Strings(hkeys)

	var parts []string
	for _, k := range hkeys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, percentEncode(params[k])))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// percentEncode implements RFC 3986 encoding as OAuth 1.0a requires.
func percentEncode(s string) string {
	var buf strings.Builder
	for _, c := range []byte(s) {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '.' || c == '_' || c == '~' {
			buf.WriteByte(c)
		} else {
			fmt.Fprintf(&buf, "%%%02X", c)
		}
	}
	return buf.String()
}

// ── Request plumbing ────────────────────────────────────────────────

const maxAttempts = 3

// request performs a signed request with the retry policy. The body is
// re-sent and the header re-signed on every attempt.
func (b *ETradeBroker) request(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	b.tokenMu.Lock()
	hasToken := b.accessToken != ""
	b.tokenMu.Unlock()
	if !hasToken {
		return ErrNotAuthenticated
	}

	endpoint := b.cfg.BaseURL + path
	renewed := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		reqURL := endpoint
		if len(query) > 0 {
			reqURL = endpoint + "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return fmt.Errorf("etrade: build request: %w", err)
		}
		b.tokenMu.Lock()
		req.Header.Set("Authorization", b.authHeaderLocked(method, endpoint, query))
		b.tokenMu.Unlock()
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warn().Err(err).Int("attempt", attempt+1).Str("path", path).Msg("request failed")
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return ctx.Err()
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			defer resp.Body.Close()
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("etrade: decode %s: %w", path, err)
			}
			return nil

		case resp.StatusCode == http.StatusNoContent:
			resp.Body.Close()
			return nil

		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			if renewed {
				return fmt.Errorf("etrade: %s: %w", path, ErrNotAuthenticated)
			}
			renewed = true
			b.log.Warn().Str("path", path).Msg("token expired, attempting renewal")
			if err := b.RenewToken(ctx); err != nil {
				return fmt.Errorf("etrade: token expired and renewal failed: %w", err)
			}
			// Retry immediately with the renewed token; does not consume
			// a backoff attempt.
			attempt--

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := 60 * time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			resp.Body.Close()
			b.log.Warn().Dur("retry_after", wait).Str("path", path).Msg("rate limited")
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}

		case resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			b.log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).
				Str("path", path).Msg("server error")
			if attempt == maxAttempts-1 {
				return fmt.Errorf("etrade: %s: status %d: %s", path, resp.StatusCode, msg)
			}
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return ctx.Err()
			}

		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return fmt.Errorf("etrade: %s: status %d: %s", path, resp.StatusCode, msg)
		}
	}
	return fmt.Errorf("etrade: %s: retries exhausted", path)
}

func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ── API surface ─────────────────────────────────────────────────────

func (b *ETradeBroker) ListAccounts(ctx context.Context) ([]Account, error) {
	var out struct {
		AccountListResponse struct {
			Accounts struct {
				Account []struct {
					AccountIDKey string `json:"accountIdKey"`
					AccountID    string `json:"accountId"`
					AccountDesc  string `json:"accountDesc"`
					AccountMode  string `json:"accountMode"`
				} `json:"Account"`
			} `json:"Accounts"`
		} `json:"AccountListResponse"`
	}
	if err := b.request(ctx, http.MethodGet, "/v1/accounts/list", nil, nil, &out); err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(out.AccountListResponse.Accounts.Account))
	for _, a := range out.AccountListResponse.Accounts.Account {
		accounts = append(accounts, Account{
			AccountIDKey: a.AccountIDKey,
			AccountID:    a.AccountID,
			Description:  a.AccountDesc,
			Mode:         a.AccountMode,
		})
	}
	return accounts, nil
}

func (b *ETradeBroker) GetCashAvailable(ctx context.Context, accountIDKey string) (float64, error) {
	q := url.Values{}
	q.Set("instType", "BROKERAGE")
	q.Set("realTimeNAV", "true")

	var out struct {
		BalanceResponse struct {
			Computed struct {
				CashAvailableForInvestment float64 `json:"cashAvailableForInvestment"`
				CashBuyingPower            float64 `json:"cashBuyingPower"`
			} `json:"Computed"`
		} `json:"BalanceResponse"`
	}
	if err := b.request(ctx, http.MethodGet, "/v1/accounts/"+accountIDKey+"/balance", q, nil, &out); err != nil {
		return 0, err
	}

	cash := out.BalanceResponse.Computed.CashAvailableForInvestment
	if cash == 0 {
		cash = out.BalanceResponse.Computed.CashBuyingPower
	}
	return cash, nil
}

func (b *ETradeBroker) GetAccountPositions(ctx context.Context, accountIDKey string) ([]PositionRow, error) {
	var out struct {
		PortfolioResponse struct {
			AccountPortfolio []struct {
				Position []struct {
					Product struct {
						Symbol string `json:"symbol"`
					} `json:"Product"`
					Quantity    float64 `json:"quantity"`
					CostBasis   float64 `json:"costBasis"`
					TotalCost   float64 `json:"totalCost"`
					MarketValue float64 `json:"marketValue"`
					TotalGain   float64 `json:"totalGain"`
					DaysGain    float64 `json:"daysGain"`
				} `json:"Position"`
			} `json:"AccountPortfolio"`
		} `json:"PortfolioResponse"`
	}
	err := b.request(ctx, http.MethodGet, "/v1/accounts/"+accountIDKey+"/portfolio", nil, nil, &out)
	if err != nil {
		// E*TRADE answers 204 No Content when the account is flat; request
		// treats that as success and leaves out zeroed, so only real errors
		// land here.
		return nil, err
	}

	var rows []PositionRow
	for _, ap := range out.PortfolioResponse.AccountPortfolio {
		for _, p := range ap.Position {
			cost := p.CostBasis
			if cost == 0 {
				cost = p.TotalCost
			}
			rows = append(rows, PositionRow{
				Symbol:      p.Product.Symbol,
				Quantity:    int(p.Quantity),
				CostBasis:   cost,
				MarketValue: p.MarketValue,
				TotalGain:   p.TotalGain,
				DaysGain:    p.DaysGain,
			})
		}
	}
	return rows, nil
}

func (b *ETradeBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out struct {
		QuoteResponse struct {
			QuoteData []struct {
				All struct {
					LastTrade   float64 `json:"lastTrade"`
					Open        float64 `json:"open"`
					High        float64 `json:"high"`
					Low         float64 `json:"low"`
					Bid         float64 `json:"bid"`
					Ask         float64 `json:"ask"`
					TotalVolume int64   `json:"totalVolume"`
				} `json:"All"`
			} `json:"QuoteData"`
		} `json:"QuoteResponse"`
	}
	if err := b.request(ctx, http.MethodGet, "/v1/market/quote/"+symbol, nil, nil, &out); err != nil {
		return nil, err
	}
	if len(out.QuoteResponse.QuoteData) == 0 {
		return nil, fmt.Errorf("etrade: no quote data for %s", symbol)
	}

	all := out.QuoteResponse.QuoteData[0].All
	return &Quote{
		Symbol:    symbol,
		LastTrade: all.LastTrade,
		Open:      all.Open,
		High:      all.High,
		Low:       all.Low,
		Bid:       all.Bid,
		Ask:       all.Ask,
		Volume:    all.TotalVolume,
	}, nil
}

// orderRequest builds the shared preview/place payload.
func orderRequest(clientOrderID, symbol string, side OrderSide, qty int, orderType OrderType, limitPrice float64) map[string]any {
	instrument := map[string]any{
		"Product":     map[string]any{"securityType": "EQ", "symbol": symbol},
		"orderAction": string(side),
		"quantityType": "QUANTITY",
		"quantity":    qty,
	}
	order := map[string]any{
		"allOrNone":     false,
		"priceType":     string(orderType),
		"orderTerm":     "GOOD_FOR_DAY",
		"marketSession": "REGULAR",
		"Instrument":    []any{instrument},
	}
	if orderType == OrderTypeLimit {
		order["limitPrice"] = limitPrice
	}
	return map[string]any{
		"orderType":     "EQ",
		"clientOrderId": clientOrderID,
		"Order":         []any{order},
	}
}

func (b *ETradeBroker) PreviewOrder(ctx context.Context, accountIDKey, symbol string, side OrderSide, qty int, orderType OrderType, limitPrice float64) (*OrderPreview, error) {
	clientOrderID := fmt.Sprintf("bea%d", time.Now().UnixNano()%1e10)
	payload := map[string]any{
		"PreviewOrderRequest": orderRequest(clientOrderID, symbol, side, qty, orderType, limitPrice),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("etrade: marshal preview: %w", err)
	}

	var out struct {
		PreviewOrderResponse struct {
			PreviewIds []struct {
				PreviewID int64 `json:"previewId"`
			} `json:"PreviewIds"`
			Order []struct {
				EstimatedTotalAmount float64 `json:"estimatedTotalAmount"`
			} `json:"Order"`
		} `json:"PreviewOrderResponse"`
	}
	err = b.request(ctx, http.MethodPost, "/v1/accounts/"+accountIDKey+"/orders/preview", nil, body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.PreviewOrderResponse.PreviewIds) == 0 {
		return nil, fmt.Errorf("etrade: preview returned no preview id")
	}

	preview := &OrderPreview{
		PreviewID: strconv.FormatInt(out.PreviewOrderResponse.PreviewIds[0].PreviewID, 10),
	}
	if len(out.PreviewOrderResponse.Order) > 0 {
		preview.EstimatedTotal = out.PreviewOrderResponse.Order[0].EstimatedTotalAmount
	}
	return preview, nil
}

func (b *ETradeBroker) PlaceOrder(ctx context.Context, accountIDKey, symbol string, side OrderSide, qty int, orderType OrderType, previewID string, limitPrice float64) (*OrderResponse, error) {
	pid, err := strconv.ParseInt(previewID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("etrade: bad preview id %q: %w", previewID, err)
	}

	clientOrderID := fmt.Sprintf("bea%d", time.Now().UnixNano()%1e10)
	req := orderRequest(clientOrderID, symbol, side, qty, orderType, limitPrice)
	req["PreviewIds"] = []any{map[string]any{"previewId": pid}}
	payload := map[string]any{"PlaceOrderRequest": req}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("etrade: marshal place: %w", err)
	}

	var out struct {
		PlaceOrderResponse struct {
			OrderIds []struct {
				OrderID int64 `json:"orderId"`
			} `json:"OrderIds"`
		} `json:"PlaceOrderResponse"`
	}
	err = b.request(ctx, http.MethodPost, "/v1/accounts/"+accountIDKey+"/orders/place", nil, body, &out)
	if err != nil {
		return nil, err
	}
	if len(out.PlaceOrderResponse.OrderIds) == 0 {
		return nil, fmt.Errorf("etrade: place returned no order id")
	}

	return &OrderResponse{
		OrderID:   strconv.FormatInt(out.PlaceOrderResponse.OrderIds[0].OrderID, 10),
		Timestamp: time.Now(),
	}, nil
}

func (b *ETradeBroker) GetOrderStatus(ctx context.Context, accountIDKey, orderID string) (*OrderState, error) {
	var out struct {
		OrdersResponse struct {
			Order []struct {
				OrderDetail []struct {
					Status     string `json:"status"`
					Instrument []struct {
						FilledQuantity        float64 `json:"filledQuantity"`
						AverageExecutionPrice float64 `json:"averageExecutionPrice"`
					} `json:"Instrument"`
				} `json:"OrderDetail"`
			} `json:"Order"`
		} `json:"OrdersResponse"`
	}
	err := b.request(ctx, http.MethodGet, "/v1/accounts/"+accountIDKey+"/orders/"+orderID, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if len(out.OrdersResponse.Order) == 0 || len(out.OrdersResponse.Order[0].OrderDetail) == 0 {
		return &OrderState{OrderID: orderID, Status: OrderStatusPending}, nil
	}

	detail := out.OrdersResponse.Order[0].OrderDetail[0]
	state := &OrderState{
		OrderID: orderID,
		Status:  mapETradeStatus(detail.Status),
	}
	if len(detail.Instrument) > 0 {
		state.FilledQty = int(detail.Instrument[0].FilledQuantity)
		state.AvgPrice = detail.Instrument[0].AverageExecutionPrice
	}
	return state, nil
}

func (b *ETradeBroker) CancelOrder(ctx context.Context, accountIDKey, orderID string) (bool, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("etrade: bad order id %q: %w", orderID, err)
	}
	payload := map[string]any{
		"CancelOrderRequest": map[string]any{"orderId": oid},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("etrade: marshal cancel: %w", err)
	}
	err = b.request(ctx, http.MethodPut, "/v1/accounts/"+accountIDKey+"/orders/cancel", nil, body, nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

// mapETradeStatus converts E*TRADE's order status to ours.
func mapETradeStatus(s string) OrderStatus {
	switch s {
	case "EXECUTED":
		return OrderStatusExecuted
	case "FILLED", "PARTIAL":
		return OrderStatusFilled
	case "CANCELLED", "CANCEL_REQUESTED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	case "EXPIRED":
		return OrderStatusExpired
	default:
		return OrderStatusPending
	}
}
