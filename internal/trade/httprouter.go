// internal/trade/httprouter.go
package trade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPRouterConfig configures a connection to a signing service that holds
// the account wallets and talks to the on-chain router.
type HTTPRouterConfig struct {
	URL    string
	APIKey string
	// Slippage is the tolerated price slippage in percent.
	Slippage decimal.Decimal
	// GasMultiplier scales the signer's gas estimate.
	GasMultiplier decimal.Decimal
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// HTTPRouter implements Router over the signing service's JSON API.
type HTTPRouter struct {
	url      string
	apiKey   string
	slippage decimal.Decimal
	gas      decimal.Decimal
	http     *http.Client
	logger   *zap.Logger
}

// NewHTTPRouter creates a router client.
func NewHTTPRouter(cfg HTTPRouterConfig) (*HTTPRouter, error) {
	if cfg.URL == "" {
		return nil, errors.New("router url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GasMultiplier.IsZero() {
		cfg.GasMultiplier = decimal.NewFromInt(1)
	}
	return &HTTPRouter{
		url:      cfg.URL,
		apiKey:   cfg.APIKey,
		slippage: cfg.Slippage,
		gas:      cfg.GasMultiplier,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger.Named("http_router"),
	}, nil
}

type swapRequest struct {
	Account       string          `json:"account"`
	Token         string          `json:"token"`
	Fraction      decimal.Decimal `json:"fraction"`
	Amount        decimal.Decimal `json:"amount"`
	Slippage      decimal.Decimal `json:"slippage"`
	GasMultiplier decimal.Decimal `json:"gasMultiplier"`
}

type swapResponse struct {
	TxHash string          `json:"txHash"`
	Share  decimal.Decimal `json:"share"`
	Price  decimal.Decimal `json:"price"`
	Error  string          `json:"error"`
}

// Sell asks the signer to sell fraction of the original position.
func (r *HTTPRouter) Sell(ctx context.Context, account, asset string, fraction decimal.Decimal) (Swap, error) {
	return r.post(ctx, "/swap/sell", swapRequest{
		Account:       account,
		Token:         asset,
		Fraction:      fraction,
		Slippage:      r.slippage,
		GasMultiplier: r.gas,
	})
}

// Buy asks the signer to buy asset for amount of the quote currency.
func (r *HTTPRouter) Buy(ctx context.Context, account, asset string, amount decimal.Decimal) (Swap, error) {
	return r.post(ctx, "/swap/buy", swapRequest{
		Account:       account,
		Token:         asset,
		Amount:        amount,
		Slippage:      r.slippage,
		GasMultiplier: r.gas,
	})
}

func (r *HTTPRouter) post(ctx context.Context, path string, body swapRequest) (Swap, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Swap{}, fmt.Errorf("encode swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+path, bytes.NewReader(payload))
	if err != nil {
		return Swap{}, fmt.Errorf("build swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		// The request may have reached the signer; the outcome is unknown.
		return Swap{}, fmt.Errorf("swap request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Swap{}, fmt.Errorf("read swap response: %w", err)
	}

	var out swapResponse
	if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode == http.StatusOK {
		return Swap{}, fmt.Errorf("decode swap response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		r.logger.Debug("Swap confirmed",
			zap.String("path", path),
			zap.String("account", body.Account),
			zap.String("tx", out.TxHash))
		return Swap{TxHash: out.TxHash, Share: out.Share, Price: out.Price}, nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return Swap{}, fmt.Errorf("%w: signer busy (status %d): %s", ErrTransient, resp.StatusCode, out.Error)
	default:
		return Swap{}, fmt.Errorf("swap rejected (status %d): %s", resp.StatusCode, out.Error)
	}
}
