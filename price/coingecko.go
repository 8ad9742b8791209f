package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/crypto_settlement/errs"
)

// CoinGecko queries the /simple/price endpoint.
type CoinGecko struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func NewCoinGecko(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *CoinGecko {
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.Named("coingecko"),
	}
}

func (c *CoinGecko) USDPrice(ctx context.Context, priceID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", priceID)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, errs.External("price "+priceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errs.External("price "+priceID, fmt.Errorf("status %d", resp.StatusCode))
	}

	// Prices are decoded straight into decimals so no float rounding is introduced.
	var body map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, errs.External("price "+priceID, fmt.Errorf("decode: %w", err))
	}
	p, ok := body[priceID]["usd"]
	if !ok || !p.IsPositive() {
		return decimal.Zero, errs.External("price "+priceID, fmt.Errorf("no usd quote"))
	}
	c.logger.Debug("price fetched", zap.String("price_id", priceID), zap.String("usd", p.String()))
	return p, nil
}
