package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

type memTokens struct {
	token, secret string
	saves         int
}

func (m *memTokens) SaveToken(token, secret string) error {
	m.token, m.secret = token, secret
	m.saves++
	return nil
}
func (m *memTokens) LoadToken() (string, string, error) {
	return m.token, m.secret, nil
}

func newTestETrade(t *testing.T, baseURL string, tokens TokenStore) *ETradeBroker {
	t.Helper()
	b, err := NewETradeBroker(ETradeConfig{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		BaseURL:        baseURL,
	}, tokens, zerolog.Nop())
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	return b
}

func TestMapETradeStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"EXECUTED":  OrderStatusExecuted,
		"FILLED":    OrderStatusFilled,
		"PARTIAL":   OrderStatusFilled,
		"CANCELLED": OrderStatusCancelled,
		"REJECTED":  OrderStatusRejected,
		"EXPIRED":   OrderStatusExpired,
		"OPEN":      OrderStatusPending,
		"":          OrderStatusPending,
	}
	for in, want := range cases {
		if got := mapETradeStatus(in); got != want {
			t.Errorf("mapETradeStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPercentEncode(t *testing.T) {
	cases := map[string]string{
		"abc123":    "abc123",
		"a b":       "a%20b",
		"a+b":       "a%2Bb",
		"~-._":      "~-._",
		"key=value": "key%3Dvalue",
	}
	for in, want := range cases {
		if got := percentEncode(in); got != want {
			t.Errorf("percentEncode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequest_NotAuthenticatedWithoutToken(t *testing.T) {
	b := newTestETrade(t, "http://unused.invalid", &memTokens{})

	if _, err := b.ListAccounts(context.Background()); err == nil {
		t.Error("expected not-authenticated error")
	}
}

func TestRequest_401RenewsOnceAndRetries(t *testing.T) {
	var listCalls, renewCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		renewCalls.Add(1)
		w.Write([]byte("oauth_token=newtok&oauth_token_secret=newsec"))
	})
	mux.HandleFunc("/v1/accounts/list", func(w http.ResponseWriter, r *http.Request) {
		if listCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"AccountListResponse":{"Accounts":{"Account":[{"accountIdKey":"abc","accountId":"1"}]}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tokens := &memTokens{token: "oldtok", secret: "oldsec"}
	b := newTestETrade(t, srv.URL, tokens)

	accounts, err := b.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("expected renew-and-retry to succeed: %v", err)
	}
	if len(accounts) != 1 || accounts[0].AccountIDKey != "abc" {
		t.Errorf("unexpected accounts: %+v", accounts)
	}
	if renewCalls.Load() != 1 {
		t.Errorf("expected exactly one renewal, got %d", renewCalls.Load())
	}
	if tokens.token != "newtok" || tokens.secret != "newsec" {
		t.Errorf("renewed token not persisted: %+v", tokens)
	}
}

func TestRequest_SecondUnauthorizedSurfacesAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("oauth_token=tok&oauth_token_secret=sec"))
	})
	mux.HandleFunc("/v1/accounts/list", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestETrade(t, srv.URL, &memTokens{token: "tok", secret: "sec"})

	if _, err := b.ListAccounts(context.Background()); err == nil {
		t.Error("expected auth error after renewal did not help")
	}
}

func TestRequest_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/list", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"AccountListResponse":{"Accounts":{"Account":[]}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestETrade(t, srv.URL, &memTokens{token: "tok", secret: "sec"})

	if _, err := b.ListAccounts(context.Background()); err != nil {
		t.Fatalf("expected third attempt to succeed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRequest_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/list", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestETrade(t, srv.URL, &memTokens{token: "tok", secret: "sec"})

	if _, err := b.ListAccounts(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not retry, got %d attempts", calls.Load())
	}
}

func TestGetOrderStatus_ParsesFill(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts/acct/orders/42", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"OrdersResponse":{"Order":[{"OrderDetail":[{
			"status":"EXECUTED",
			"Instrument":[{"filledQuantity":120,"averageExecutionPrice":4.95}]
		}]}]}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := newTestETrade(t, srv.URL, &memTokens{token: "tok", secret: "sec"})

	state, err := b.GetOrderStatus(context.Background(), "acct", "42")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !state.Status.IsFilled() {
		t.Errorf("expected filled, got %s", state.Status)
	}
	if state.FilledQty != 120 || state.AvgPrice != 4.95 {
		t.Errorf("unexpected fill: %+v", state)
	}
}
