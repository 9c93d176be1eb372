package mexc

import (
	"bytes"
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
	"time"

	"golang.org/x/time/rate"

	"fundingarb/internal/exchange"
)

const restBaseURL = "https://contract.mexc.com"

// RestClient is the signed REST client for MEXC USDT perpetual contracts
type RestClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	apiKey     string
	secretKey  string
}

// NewRestClient creates a REST client; keys may be empty for public endpoints
func NewRestClient(creds exchange.Credentials) *RestClient {
	return &RestClient{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSHandshakeTimeout: 10 * time.Second},
		},
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		baseURL:   restBaseURL,
		apiKey:    creds.APIKey,
		secretKey: creds.APISecret,
	}
}

// FetchFundingRate fetches the funding snapshot for one contract
func (c *RestClient) FetchFundingRate(ctx context.Context, venueSymbol string) (*fundingRateData, error) {
	data, err := c.public(ctx, "/api/v1/contract/funding_rate/"+venueSymbol, nil)
	if err != nil {
		return nil, err
	}
	var fr fundingRateData
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("mexc: decode funding rate: %w", err)
	}
	return &fr, nil
}

// FetchFundingRates fetches funding snapshots for every listed contract
func (c *RestClient) FetchFundingRates(ctx context.Context) ([]fundingRateData, error) {
	data, err := c.public(ctx, "/api/v1/contract/funding_rate", nil)
	if err != nil {
		return nil, err
	}
	var rows []fundingRateData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("mexc: decode funding rates: %w", err)
	}
	return rows, nil
}

// FetchTicker fetches the current fair (mark) price for one contract
func (c *RestClient) FetchTicker(ctx context.Context, venueSymbol string) (*tickerData, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	data, err := c.public(ctx, "/api/v1/contract/ticker", params)
	if err != nil {
		return nil, err
	}
	var tk tickerData
	if err := json.Unmarshal(data, &tk); err != nil {
		return nil, fmt.Errorf("mexc: decode ticker: %w", err)
	}
	return &tk, nil
}

// FetchContractDetail returns contract metadata, notably contractSize
func (c *RestClient) FetchContractDetail(ctx context.Context, venueSymbol string) (*contractDetail, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	data, err := c.public(ctx, "/api/v1/contract/detail", params)
	if err != nil {
		return nil, err
	}
	var cd contractDetail
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("mexc: decode contract detail: %w", err)
	}
	return &cd, nil
}

// submitOrder places an order and returns the venue order id
func (c *RestClient) submitOrder(ctx context.Context, req map[string]any) (string, error) {
	data, err := c.signedPost(ctx, "/api/v1/private/order/submit", req)
	if err != nil {
		return "", err
	}
	// order ids arrive as bare numbers or quoted strings
	var id json.Number
	if err := json.Unmarshal(data, &id); err != nil {
		var s string
		if err2 := json.Unmarshal(data, &s); err2 != nil {
			return "", fmt.Errorf("mexc: decode order id: %w", err)
		}
		return s, nil
	}
	return id.String(), nil
}

// fetchOrder queries one historical or open order
func (c *RestClient) fetchOrder(ctx context.Context, orderID string) (*orderData, error) {
	data, err := c.signedGet(ctx, "/api/v1/private/order/get/"+orderID, nil)
	if err != nil {
		return nil, err
	}
	var od orderData
	if err := json.Unmarshal(data, &od); err != nil {
		return nil, fmt.Errorf("mexc: decode order: %w", err)
	}
	return &od, nil
}

// changeLeverage sets cross-margin leverage for both position directions
func (c *RestClient) changeLeverage(ctx context.Context, venueSymbol string, leverage, positionType int) error {
	_, err := c.signedPost(ctx, "/api/v1/private/position/change_leverage", map[string]any{
		"symbol":       venueSymbol,
		"leverage":     leverage,
		"openType":     2, // cross
		"positionType": positionType,
	})
	return err
}

// placePlanOrder places a price-triggered plan order and returns its id
func (c *RestClient) placePlanOrder(ctx context.Context, req map[string]any) (string, error) {
	data, err := c.signedPost(ctx, "/api/v1/private/planorder/place", req)
	if err != nil {
		return "", err
	}
	var id json.Number
	if err := json.Unmarshal(data, &id); err != nil {
		var s string
		if err2 := json.Unmarshal(data, &s); err2 != nil {
			return "", fmt.Errorf("mexc: decode plan order id: %w", err)
		}
		return s, nil
	}
	return id.String(), nil
}

// cancelPlanOrder cancels one plan order
func (c *RestClient) cancelPlanOrder(ctx context.Context, venueSymbol, orderID string) error {
	_, err := c.signedPost(ctx, "/api/v1/private/planorder/cancel", []map[string]string{
		{"symbol": venueSymbol, "orderId": orderID},
	})
	return err
}

// fetchPlanOrders lists plan orders for a contract across the given states
func (c *RestClient) fetchPlanOrders(ctx context.Context, venueSymbol, states string) ([]planOrderData, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	if states != "" {
		params.Set("states", states)
	}
	data, err := c.signedGet(ctx, "/api/v1/private/planorder/list/orders", params)
	if err != nil {
		return nil, err
	}
	var rows []planOrderData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("mexc: decode plan orders: %w", err)
	}
	return rows, nil
}

// fetchOpenPositions lists open positions for one contract
func (c *RestClient) fetchOpenPositions(ctx context.Context, venueSymbol string) ([]positionData, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	data, err := c.signedGet(ctx, "/api/v1/private/position/open_positions", params)
	if err != nil {
		return nil, err
	}
	var rows []positionData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("mexc: decode positions: %w", err)
	}
	return rows, nil
}

// fetchFundingRecords pages through settled funding for one contract
func (c *RestClient) fetchFundingRecords(ctx context.Context, venueSymbol string, page int) (*fundingRecordPage, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("page_num", strconv.Itoa(page))
	params.Set("page_size", "100")

	data, err := c.signedGet(ctx, "/api/v1/private/account/funding_records", params)
	if err != nil {
		return nil, err
	}
	var pg fundingRecordPage
	if err := json.Unmarshal(data, &pg); err != nil {
		return nil, fmt.Errorf("mexc: decode funding records: %w", err)
	}
	return &pg, nil
}

// public performs an unsigned GET
func (c *RestClient) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// signedGet performs a signed GET; the signature covers the sorted query string
func (c *RestClient) signedGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return nil, &exchange.RejectError{Exchange: exchange.MEXC, Code: "NO_API_KEY", Message: "signed endpoint requires credentials"}
	}
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	c.authHeaders(req, query)
	return c.do(req)
}

// signedPost performs a signed POST; the signature covers the JSON body
func (c *RestClient) signedPost(ctx context.Context, path string, payload any) ([]byte, error) {
	if c.apiKey == "" || c.secretKey == "" {
		return nil, &exchange.RejectError{Exchange: exchange.MEXC, Code: "NO_API_KEY", Message: "signed endpoint requires credentials"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req, string(body))
	return c.do(req)
}

// authHeaders signs apiKey + requestTime + payload with HMAC-SHA256
func (c *RestClient) authHeaders(req *http.Request, payload string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(c.apiKey + ts + payload))

	req.Header.Set("ApiKey", c.apiKey)
	req.Header.Set("Request-Time", ts)
	req.Header.Set("Signature", hex.EncodeToString(mac.Sum(nil)))
}

// do executes the request, unwraps the envelope and returns data
func (c *RestClient) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &exchange.ConnectionError{Exchange: exchange.MEXC, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exchange.ConnectionError{Exchange: exchange.MEXC, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &exchange.RateLimitError{Exchange: exchange.MEXC, RetryAfter: time.Minute}
	}
	if resp.StatusCode >= 500 {
		return nil, &exchange.ConnectionError{Exchange: exchange.MEXC,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("mexc: decode envelope: %w", err)
	}
	if !env.Success {
		return nil, classifyCode(env.Code, env.Message)
	}
	return env.Data, nil
}

// classifyCode maps venue error codes onto the error taxonomy
func classifyCode(code int, message string) error {
	switch code {
	case 510, 1003: // request frequency limits
		return &exchange.RateLimitError{Exchange: exchange.MEXC, RetryAfter: time.Minute}
	case 1001, 1002: // contract does not exist / not activated
		return &exchange.InvalidSymbolError{Exchange: exchange.MEXC, Symbol: ""}
	case 2005: // insufficient balance
		return &exchange.InsufficientBalanceError{Exchange: exchange.MEXC, Asset: "USDT"}
	}
	return &exchange.RejectError{Exchange: exchange.MEXC,
		Code: strconv.Itoa(code), Message: message}
}
