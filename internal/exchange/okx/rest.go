package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundingarb/internal/exchange"
)

const restBaseURL = "https://www.okx.com"

// RestClient is the signed REST client for OKX. Signing uses base64 HMAC
// over timestamp+method+path+body plus the account passphrase header.
type RestClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool
}

// NewRestClient creates a REST client; keys may be empty for public endpoints
func NewRestClient(creds exchange.Credentials) *RestClient {
	return &RestClient{
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSHandshakeTimeout: 10 * time.Second},
		},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		apiKey:     creds.APIKey,
		secretKey:  creds.APISecret,
		passphrase: creds.Passphrase,
		simulated:  creds.Environment == exchange.Testnet,
	}
}

// FetchFundingRates fetches funding rates; instID "ANY" returns all swaps
func (c *RestClient) FetchFundingRates(ctx context.Context, instID string) ([]fundingRateData, error) {
	var out []fundingRateData
	err := c.getPublic(ctx, "/api/v5/public/funding-rate?instId="+instID, &out)
	return out, err
}

// FetchMarkPrices fetches mark prices; empty instID returns every swap
func (c *RestClient) FetchMarkPrices(ctx context.Context, instID string) ([]markPriceData, error) {
	path := "/api/v5/public/mark-price?instType=SWAP"
	if instID != "" {
		path += "&instId=" + instID
	}
	var out []markPriceData
	err := c.getPublic(ctx, path, &out)
	return out, err
}

func (c *RestClient) placeOrder(ctx context.Context, req map[string]any) (*orderData, error) {
	var out []orderData
	if err := c.request(ctx, http.MethodPost, "/api/v5/trade/order", req, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &exchange.RejectError{Exchange: exchange.OKX, Code: "EMPTY", Message: "empty order response"}
	}
	if out[0].SCode != "" && out[0].SCode != "0" {
		return nil, classifyCode(out[0].SCode, out[0].SMsg)
	}
	return &out[0], nil
}

func (c *RestClient) fetchOrder(ctx context.Context, instID, ordID string) (*orderData, error) {
	var out []orderData
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", instID, ordID)
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, &exchange.RejectError{Exchange: exchange.OKX, Code: "51603", Message: "order does not exist"}
	}
	return &out[0], nil
}

func (c *RestClient) setLeverage(ctx context.Context, instID string, leverage int) error {
	req := map[string]any{
		"instId":  instID,
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	var out []json.RawMessage
	return c.request(ctx, http.MethodPost, "/api/v5/account/set-leverage", req, &out)
}

func (c *RestClient) placeAlgoOrder(ctx context.Context, req map[string]any) (string, error) {
	var out []struct {
		AlgoID string `json:"algoId"`
		SCode  string `json:"sCode"`
		SMsg   string `json:"sMsg"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v5/trade/order-algo", req, &out); err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", &exchange.RejectError{Exchange: exchange.OKX, Code: "EMPTY", Message: "empty algo response"}
	}
	if out[0].SCode != "" && out[0].SCode != "0" {
		return "", classifyCode(out[0].SCode, out[0].SMsg)
	}
	return out[0].AlgoID, nil
}

func (c *RestClient) cancelAlgoOrder(ctx context.Context, instID, algoID string) error {
	req := []map[string]string{{"instId": instID, "algoId": algoID}}
	var out []json.RawMessage
	return c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", req, &out)
}

func (c *RestClient) fetchAlgoOrders(ctx context.Context, path string) ([]algoOrderData, error) {
	var out []algoOrderData
	err := c.request(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// fetchFundingBills lists funding-fee bill rows (type 8) for the window
func (c *RestClient) fetchFundingBills(ctx context.Context, instID string, from, to time.Time) ([]billData, error) {
	path := fmt.Sprintf("/api/v5/account/bills?instType=SWAP&type=8&instId=%s&begin=%d&end=%d",
		instID, from.UnixMilli(), to.UnixMilli())
	var out []billData
	err := c.request(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *RestClient) getPublic(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, nil, out)
}

func (c *RestClient) request(ctx context.Context, method, path string, reqBody, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, restBaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, path, string(bodyBytes)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
		if c.simulated {
			req.Header.Set("x-simulated-trading", "1")
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &exchange.ConnectionError{Exchange: exchange.OKX, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.ConnectionError{Exchange: exchange.OKX, Err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &exchange.RateLimitError{Exchange: exchange.OKX, RetryAfter: 2 * time.Second}
	}
	if resp.StatusCode >= 500 {
		return &exchange.ConnectionError{Exchange: exchange.OKX,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("okx: decode envelope: %w", err)
	}
	if env.Code != "0" {
		return classifyCode(env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("okx: decode data: %w", err)
		}
	}
	return nil
}

// classifyCode maps venue error codes onto the error taxonomy
func classifyCode(code, msg string) error {
	switch code {
	case "51001": // Instrument ID does not exist
		return &exchange.InvalidSymbolError{Exchange: exchange.OKX, Symbol: msg}
	case "51008", "59200": // Insufficient balance / margin
		return &exchange.InsufficientBalanceError{Exchange: exchange.OKX, Asset: "USDT"}
	case "50011": // Rate limit reached
		return &exchange.RateLimitError{Exchange: exchange.OKX, RetryAfter: 2 * time.Second}
	}
	return &exchange.RejectError{Exchange: exchange.OKX, Code: code, Message: msg}
}

func (c *RestClient) sign(timestamp, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

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

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
