package bingx

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
	"time"

	"golang.org/x/time/rate"

	"fundingarb/internal/exchange"
)

const restBaseURL = "https://open-api.bingx.com"

// RestClient is the signed REST client for BingX perpetual swaps
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

// FetchPremiumIndex fetches mark price and funding rate; empty symbol
// returns every listed instrument.
func (c *RestClient) FetchPremiumIndex(ctx context.Context, venueSymbol string) ([]premiumIndex, error) {
	params := url.Values{}
	if venueSymbol != "" {
		params.Set("symbol", venueSymbol)
	}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/quote/premiumIndex", params, false)
	if err != nil {
		return nil, err
	}

	// single-symbol responses are an object, not an array
	if venueSymbol != "" {
		var idx premiumIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, fmt.Errorf("bingx: decode premium index: %w", err)
		}
		return []premiumIndex{idx}, nil
	}

	var out []premiumIndex
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("bingx: decode premium index list: %w", err)
	}
	return out, nil
}

// CreateListenKey opens a user-data stream token
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	data, err := c.request(ctx, http.MethodPost, "/openApi/user/auth/userDataStream", nil, true)
	if err != nil {
		return "", err
	}
	var lk listenKeyData
	if err := json.Unmarshal(data, &lk); err != nil {
		return "", fmt.Errorf("bingx: decode listen key: %w", err)
	}
	return lk.ListenKey, nil
}

// KeepAliveListenKey extends the listen key lifetime
func (c *RestClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.request(ctx, http.MethodPut, "/openApi/user/auth/userDataStream", params, true)
	return err
}

// DeleteListenKey closes the user-data stream token
func (c *RestClient) DeleteListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.request(ctx, http.MethodDelete, "/openApi/user/auth/userDataStream", params, true)
	return err
}

// createOrder places an order and returns the venue order object
func (c *RestClient) createOrder(ctx context.Context, params url.Values) (*orderData, error) {
	data, err := c.request(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		return nil, err
	}
	var w orderWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bingx: decode order: %w", err)
	}
	return &w.Order, nil
}

// fetchOrder queries one order by id
func (c *RestClient) fetchOrder(ctx context.Context, venueSymbol, orderID string) (*orderData, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", orderID)

	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		return nil, err
	}
	var w orderWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bingx: decode order query: %w", err)
	}
	return &w.Order, nil
}

// fetchOpenOrders lists pending orders for a contract
func (c *RestClient) fetchOpenOrders(ctx context.Context, venueSymbol string) ([]orderData, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)

	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/trade/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var w ordersWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("bingx: decode open orders: %w", err)
	}
	return w.Orders, nil
}

// cancelOrder cancels one order
func (c *RestClient) cancelOrder(ctx context.Context, venueSymbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("orderId", orderID)
	_, err := c.request(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", params, true)
	return err
}

// setLeverage sets the leverage for one position side
func (c *RestClient) setLeverage(ctx context.Context, venueSymbol, side string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("side", side)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.request(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params, true)
	return err
}

// fetchFundingIncome lists FUNDING_FEE income rows for the window
func (c *RestClient) fetchFundingIncome(ctx context.Context, venueSymbol string, from, to time.Time) ([]incomeRow, error) {
	params := url.Values{}
	params.Set("symbol", venueSymbol)
	params.Set("incomeType", "FUNDING_FEE")
	params.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(to.UnixMilli(), 10))
	params.Set("limit", "1000")

	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/user/income", params, true)
	if err != nil {
		return nil, err
	}
	var rows []incomeRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("bingx: decode income: %w", err)
	}
	return rows, nil
}

// request executes one call, signing it when auth is set, and unwraps the
// {code, msg, data} envelope.
func (c *RestClient) request(ctx context.Context, method, path string, params url.Values, auth bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	if auth {
		if c.apiKey == "" || c.secretKey == "" {
			return nil, &exchange.RejectError{Exchange: exchange.BingX, Code: "NO_API_KEY", Message: "signed endpoint requires credentials"}
		}
		params.Set("timestamp", nowMillis())
		params.Set("signature", c.sign(params.Encode()))
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}
	if auth {
		req.Header.Set("X-BX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &exchange.ConnectionError{Exchange: exchange.BingX, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exchange.ConnectionError{Exchange: exchange.BingX, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &exchange.RateLimitError{Exchange: exchange.BingX, RetryAfter: time.Minute}
	}
	if resp.StatusCode >= 500 {
		return nil, &exchange.ConnectionError{Exchange: exchange.BingX,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))}
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bingx: decode envelope: %w", err)
	}
	if env.Code != 0 {
		return nil, classifyCode(env.Code, env.Msg)
	}
	return env.Data, nil
}

// classifyCode maps venue error codes onto the error taxonomy
func classifyCode(code int, msg string) error {
	switch code {
	case 100410: // rate limited
		return &exchange.RateLimitError{Exchange: exchange.BingX, RetryAfter: time.Minute}
	case 100400, 109400: // invalid symbol / contract not supported
		return &exchange.InvalidSymbolError{Exchange: exchange.BingX, Symbol: ""}
	case 101204: // insufficient margin
		return &exchange.InsufficientBalanceError{Exchange: exchange.BingX, Asset: "USDT"}
	}
	return &exchange.RejectError{Exchange: exchange.BingX,
		Code: strconv.Itoa(code), Message: msg}
}

func (c *RestClient) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}
