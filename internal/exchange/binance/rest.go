package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundingarb/internal/exchange"
)

const (
	restBaseURL        = "https://fapi.binance.com"
	restTestnetBaseURL = "https://testnet.binancefuture.com"
)

// RestClient is the signed REST client for Binance USDT-margined futures
type RestClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
	secretKey  string
}

// NewRestClient creates a REST client; keys may be empty for public endpoints
func NewRestClient(creds exchange.Credentials) *RestClient {
	base := restBaseURL
	if creds.Environment == exchange.Testnet {
		base = restTestnetBaseURL
	}
	return &RestClient{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSHandshakeTimeout: 10 * time.Second},
		},
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		baseURL:   base,
		apiKey:    creds.APIKey,
		secretKey: creds.APISecret,
	}
}

// FetchPremiumIndex fetches mark price and funding rate; empty symbol
// returns every listed instrument.
func (c *RestClient) FetchPremiumIndex(ctx context.Context, venueSymbol string) ([]premiumIndex, error) {
	path := "/fapi/v1/premiumIndex"
	if venueSymbol != "" {
		path += "?symbol=" + venueSymbol
	}

	body, err := c.get(ctx, path, false)
	if err != nil {
		return nil, err
	}

	// single-symbol responses are an object, not an array
	if venueSymbol != "" {
		var idx premiumIndex
		if err := json.Unmarshal(body, &idx); err != nil {
			return nil, fmt.Errorf("binance: decode premium index: %w", err)
		}
		return []premiumIndex{idx}, nil
	}

	var out []premiumIndex
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("binance: decode premium index list: %w", err)
	}
	return out, nil
}

// FetchFundingIntervals returns per-symbol settlement intervals for symbols
// that deviate from the 8h default.
func (c *RestClient) FetchFundingIntervals(ctx context.Context) (map[string]time.Duration, error) {
	body, err := c.get(ctx, "/fapi/v1/fundingInfo", false)
	if err != nil {
		return nil, err
	}

	var infos []fundingInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("binance: decode funding info: %w", err)
	}

	out := make(map[string]time.Duration, len(infos))
	for _, fi := range infos {
		if fi.FundingIntervalHours > 0 {
			out[fi.Symbol] = time.Duration(fi.FundingIntervalHours) * time.Hour
		}
	}
	return out, nil
}

// CreateListenKey opens a user-data stream token (60 min lifetime)
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("binance: decode listen key: %w", err)
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the listen key lifetime
func (c *RestClient) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.signed(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
	return err
}

// DeleteListenKey closes the user-data stream token
func (c *RestClient) DeleteListenKey(ctx context.Context) error {
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/listenKey", nil)
	return err
}

// createOrder places an order and returns the settled RESULT response
func (c *RestClient) createOrder(ctx context.Context, params url.Values) (*orderResponse, error) {
	params.Set("newOrderRespType", "RESULT")
	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode order: %w", err)
	}
	return &resp, nil
}

// fetchOrderTrades returns the fills for one order, used to sum fees
func (c *RestClient) fetchOrderTrades(ctx context.Context, venueSymbol string, orderID int64) ([]userTrade, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var trades []userTrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("binance: decode user trades: %w", err)
	}
	return trades, nil
}

func (c *RestClient) fetchOrder(ctx context.Context, path, venueSymbol, orderID string) (*orderResponse, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", orderID)

	body, err := c.signed(ctx, http.MethodGet, path, params)
	if err != nil {
		return nil, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance: decode order query: %w", err)
	}
	return &resp, nil
}

func (c *RestClient) cancelOrder(ctx context.Context, venueSymbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", orderID)
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

func (c *RestClient) setLeverage(ctx context.Context, venueSymbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// fetchFundingIncome lists FUNDING_FEE income rows for the window
func (c *RestClient) fetchFundingIncome(ctx context.Context, venueSymbol string, from, to time.Time) ([]income, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("incomeType", "FUNDING_FEE")
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	params.Set("limit", "1000")

	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/income", params)
	if err != nil {
		return nil, err
	}
	var rows []income
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode income: %w", err)
	}
	return rows, nil
}

// get performs an unsigned GET
func (c *RestClient) get(ctx context.Context, path string, auth bool) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.baseURL+path, auth)
}

// signed performs a signed request with timestamp + HMAC-SHA256 signature
func (c *RestClient) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return nil, &exchange.RejectError{Exchange: exchange.Binance, Code: "NO_API_KEY", Message: "signed endpoint requires credentials"}
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	params.Set("signature", c.sign(params.Encode()))

	return c.do(ctx, method, c.baseURL+path+"?"+params.Encode(), true)
}

func (c *RestClient) do(ctx context.Context, method, fullURL string, auth bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}
	if auth {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &exchange.ConnectionError{Exchange: exchange.Binance, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exchange.ConnectionError{Exchange: exchange.Binance, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, classifyHTTPError(resp, body)
	}
	return body, nil
}

// classifyHTTPError maps venue responses onto the error taxonomy
func classifyHTTPError(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Minute
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &exchange.RateLimitError{Exchange: exchange.Binance, RetryAfter: retryAfter}
	}
	if resp.StatusCode >= 500 {
		return &exchange.ConnectionError{Exchange: exchange.Binance,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Code != 0 {
		switch ae.Code {
		case -1121: // Invalid symbol
			return &exchange.InvalidSymbolError{Exchange: exchange.Binance, Symbol: ""}
		case -2019: // Margin is insufficient
			return &exchange.InsufficientBalanceError{Exchange: exchange.Binance, Asset: "USDT"}
		}
		return &exchange.RejectError{Exchange: exchange.Binance,
			Code: strconv.Itoa(ae.Code), Message: ae.Msg}
	}
	return &exchange.RejectError{Exchange: exchange.Binance,
		Code: strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(body))}
}

func (c *RestClient) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseDecimal parses a venue decimal string; empty means zero
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
