package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
)

func TestCoinGeckoParsesQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "matic-network", r.URL.Query().Get("ids"))
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		assert.Equal(t, "secret", r.Header.Get("x-cg-pro-api-key"))
		_, _ = w.Write([]byte(`{"matic-network":{"usd":0.51234567890123456789}}`))
	}))
	defer srv.Close()

	cg := NewCoinGecko(srv.URL+"/", "secret", time.Second, zap.NewNop())
	p, err := cg.USDPrice(context.Background(), "matic-network")
	require.NoError(t, err)
	assert.Equal(t, "0.51234567890123456789", p.String())
}

func TestCoinGeckoFailuresAreExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("ids") {
		case "down":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	cg := NewCoinGecko(srv.URL, "", time.Second, zap.NewNop())
	_, err := cg.USDPrice(context.Background(), "down")
	assert.ErrorIs(t, err, errs.ErrExternalUnavailable)
	_, err = cg.USDPrice(context.Background(), "unknown")
	assert.ErrorIs(t, err, errs.ErrExternalUnavailable)
}

type countingOracle struct {
	calls int
	price decimal.Decimal
	err   error
}

func (o *countingOracle) USDPrice(context.Context, string) (decimal.Decimal, error) {
	o.calls++
	return o.price, o.err
}

func TestFixedFallsThrough(t *testing.T) {
	next := &countingOracle{price: decimal.RequireFromString("2500")}
	f, err := NewFixed(map[string]string{"tether": "1"}, next)
	require.NoError(t, err)

	p, err := f.USDPrice(context.Background(), "tether")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 0, next.calls)

	p, err = f.USDPrice(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "2500", p.String())
	assert.Equal(t, 1, next.calls)

	alone, err := NewFixed(nil, nil)
	require.NoError(t, err)
	_, err = alone.USDPrice(context.Background(), "ethereum")
	assert.ErrorIs(t, err, errs.ErrExternalUnavailable)

	_, err = NewFixed(map[string]string{"bad": "-1"}, nil)
	assert.Error(t, err)
}

type mapStore struct {
	mu   sync.Mutex
	data map[string]string
	err  error
}

func (m *mapStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func TestCachedHitsStore(t *testing.T) {
	up := &countingOracle{price: decimal.RequireFromString("0.5")}
	store := &mapStore{data: map[string]string{}}
	c := NewCached(store, up, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		p, err := c.USDPrice(context.Background(), "matic-network")
		require.NoError(t, err)
		assert.Equal(t, "0.5", p.String())
	}
	assert.Equal(t, 1, up.calls)
}

func TestCachedDegradesOnStoreError(t *testing.T) {
	up := &countingOracle{price: decimal.RequireFromString("3")}
	c := NewCached(&mapStore{err: errors.New("redis down")}, up, time.Minute, zap.NewNop())
	p, err := c.USDPrice(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "3", p.String())

	up.err = errs.External("price x", errors.New("timeout"))
	_, err = c.USDPrice(context.Background(), "x")
	assert.ErrorIs(t, err, errs.ErrExternalUnavailable)
}
