package gateio

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundingarb/internal/exchange"
)

const (
	restBaseURL = "https://api.gateio.ws"
	restPrefix  = "/api/v4"
	settle      = "usdt"
)

// RestClient is the signed REST client for Gate.io USDT futures. Requests
// are signed with HMAC-SHA512 over method, path, query, body hash and
// timestamp.
type RestClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
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
		apiKey:    creds.APIKey,
		secretKey: creds.APISecret,
	}
}

// FetchContracts lists every USDT perpetual with funding metadata
func (c *RestClient) FetchContracts(ctx context.Context) ([]contract, error) {
	var out []contract
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/contracts", "", nil, &out)
	return out, err
}

// FetchContract fetches one contract's metadata
func (c *RestClient) FetchContract(ctx context.Context, name string) (*contract, error) {
	var out contract
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/contracts/"+name, "", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) placeOrder(ctx context.Context, req map[string]any) (*futuresOrder, error) {
	var out futuresOrder
	err := c.request(ctx, http.MethodPost, "/futures/"+settle+"/orders", "", req, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) fetchOrder(ctx context.Context, orderID string) (*futuresOrder, error) {
	var out futuresOrder
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/orders/"+orderID, "", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) fetchOrderTrades(ctx context.Context, orderID string) ([]myTrade, error) {
	var out []myTrade
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/my_trades", "order="+orderID, nil, &out)
	return out, err
}

func (c *RestClient) setLeverage(ctx context.Context, contractName string, leverage int) error {
	path := "/futures/" + settle + "/positions/" + contractName + "/leverage"
	return c.request(ctx, http.MethodPost, path, "leverage="+strconv.Itoa(leverage), nil, nil)
}

func (c *RestClient) placePriceOrder(ctx context.Context, req map[string]any) (int64, error) {
	var out struct {
		ID int64 `json:"id"`
	}
	err := c.request(ctx, http.MethodPost, "/futures/"+settle+"/price_orders", "", req, &out)
	return out.ID, err
}

func (c *RestClient) fetchPriceOrder(ctx context.Context, orderID string) (*priceOrder, error) {
	var out priceOrder
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/price_orders/"+orderID, "", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) cancelPriceOrder(ctx context.Context, orderID string) error {
	return c.request(ctx, http.MethodDelete, "/futures/"+settle+"/price_orders/"+orderID, "", nil, nil)
}

// fetchFundingBook lists funding-fee account book rows for the window
func (c *RestClient) fetchFundingBook(ctx context.Context, from, to time.Time) ([]accountBookEntry, error) {
	query := fmt.Sprintf("type=fund&from=%d&to=%d&limit=1000", from.Unix(), to.Unix())
	var out []accountBookEntry
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/account_book", query, nil, &out)
	return out, err
}

// fetchAccount returns the futures account, including the numeric user id
// the private stream subscription needs.
func (c *RestClient) fetchAccount(ctx context.Context) (*futuresAccount, error) {
	var out futuresAccount
	err := c.request(ctx, http.MethodGet, "/futures/"+settle+"/accounts", "", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RestClient) request(ctx context.Context, method, path, query string, reqBody, out any) error {
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

	fullURL := restBaseURL + restPrefix + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.apiKey != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		bodyHash := sha512.Sum512(bodyBytes)
		payload := strings.Join([]string{
			method, restPrefix + path, query, hex.EncodeToString(bodyHash[:]), ts,
		}, "\n")
		req.Header.Set("KEY", c.apiKey)
		req.Header.Set("Timestamp", ts)
		req.Header.Set("SIGN", c.sign(payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &exchange.ConnectionError{Exchange: exchange.GateIO, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.ConnectionError{Exchange: exchange.GateIO, Err: err}
	}
	if resp.StatusCode >= 400 {
		return classifyHTTPError(resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("gateio: decode response: %w", err)
		}
	}
	return nil
}

// classifyHTTPError maps venue labels onto the error taxonomy
func classifyHTTPError(status int, body []byte) error {
	if status == http.StatusTooManyRequests {
		return &exchange.RateLimitError{Exchange: exchange.GateIO, RetryAfter: 2 * time.Second}
	}
	if status >= 500 {
		return &exchange.ConnectionError{Exchange: exchange.GateIO,
			Err: fmt.Errorf("HTTP %d: %s", status, string(body))}
	}

	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil && ae.Label != "" {
		switch ae.Label {
		case "CONTRACT_NOT_FOUND", "INVALID_CURRENCY_PAIR":
			return &exchange.InvalidSymbolError{Exchange: exchange.GateIO, Symbol: ae.Message}
		case "INSUFFICIENT_AVAILABLE", "BALANCE_NOT_ENOUGH":
			return &exchange.InsufficientBalanceError{Exchange: exchange.GateIO, Asset: "USDT"}
		}
		return &exchange.RejectError{Exchange: exchange.GateIO, Code: ae.Label, Message: ae.Message}
	}
	return &exchange.RejectError{Exchange: exchange.GateIO,
		Code: strconv.Itoa(status), Message: strings.TrimSpace(string(body))}
}

func (c *RestClient) sign(payload string) string {
	mac := hmac.New(sha512.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
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
