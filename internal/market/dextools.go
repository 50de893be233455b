// internal/market/dextools.go
package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultBaseURL      = "https://api.dextools.io/v1"
	DefaultChain        = "ether"
	DefaultRatePerSec   = 2.0
	DefaultRetries      = 3
	DefaultHTTPTimeout  = 10 * time.Second
	defaultRetryBackoff = 500 * time.Millisecond
)

// DexToolsConfig configures the DEXtools client.
type DexToolsConfig struct {
	BaseURL       string
	APIKey        string
	Chain         string
	RatePerSecond float64
	Retries       int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
	Now           func() time.Time
}

// DexToolsClient reads token data from the DEXtools REST API.
type DexToolsClient struct {
	baseURL string
	apiKey  string
	chain   string
	retries int
	retryIv time.Duration
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewDexToolsClient builds a client, filling unset fields with defaults.
func NewDexToolsClient(cfg DexToolsConfig) *DexToolsClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Chain == "" {
		cfg.Chain = DefaultChain
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSec
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &DexToolsClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		chain:   cfg.Chain,
		retries: cfg.Retries,
		retryIv: cfg.RetryInterval,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		logger:  cfg.Logger.Named("dextools"),
		now:     cfg.Now,
	}
}

func newHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: DefaultHTTPTimeout}
}

type tokenResponse struct {
	Data *tokenData `json:"data"`
}

type tokenData struct {
	Address   string           `json:"address"`
	Symbol    string           `json:"symbol"`
	Price     *decimal.Decimal `json:"price"`
	Volume24h *decimal.Decimal `json:"volume24h"`
	Liquidity *decimal.Decimal `json:"liquidity"`
	MarketCap *decimal.Decimal `json:"marketCap"`
}

// statusError is a non-2xx response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// Fetch returns the current snapshot for a token address. Every failure,
// including a response with missing fields, wraps ErrDataUnavailable.
func (c *DexToolsClient) Fetch(ctx context.Context, asset string) (Snapshot, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	q.Set("address", asset)

	data, err := c.getToken(ctx, q)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrDataUnavailable, asset, err)
	}
	if data.Price == nil || data.Volume24h == nil || data.MarketCap == nil {
		return Snapshot{}, fmt.Errorf("%w: %s: incomplete token data", ErrDataUnavailable, asset)
	}

	snap := Snapshot{
		Asset:     asset,
		Price:     *data.Price,
		Volume:    *data.Volume24h,
		MarketCap: *data.MarketCap,
		FetchedAt: c.now(),
	}
	if data.Liquidity != nil {
		snap.Liquidity = *data.Liquidity
	}
	return snap, nil
}

// ResolveSymbol looks up the contract address of a token by its ticker.
func (c *DexToolsClient) ResolveSymbol(ctx context.Context, symbol string) (string, error) {
	q := url.Values{}
	q.Set("chain", c.chain)
	q.Set("symbol", symbol)

	data, err := c.getToken(ctx, q)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", symbol, err)
	}
	addr, err := NormalizeAsset(data.Address)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", symbol, err)
	}
	return addr, nil
}

func (c *DexToolsClient) getToken(ctx context.Context, q url.Values) (*tokenData, error) {
	endpoint := c.baseURL + "/token?" + q.Encode()

	op := func() (*tokenData, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		return c.doGet(ctx, endpoint)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryIv

	notify := func(err error, wait time.Duration) {
		c.logger.Debug("Retrying token request", zap.Error(err), zap.Duration("backoff", wait))
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.retries)),
		backoff.WithNotify(notify))
}

func (c *DexToolsClient) doGet(ctx context.Context, endpoint string) (*tokenData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		serr := &statusError{code: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, serr
		}
		return nil, backoff.Permanent(serr)
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode token response: %w", err))
	}
	if body.Data == nil {
		return nil, backoff.Permanent(errors.New("token not found"))
	}
	return body.Data, nil
}
