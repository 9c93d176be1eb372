package okx

import "encoding/json"

// envelope is the uniform OKX REST response wrapper
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// fundingRateData is one row of /api/v5/public/funding-rate
type fundingRateData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

// markPriceData is one row of /api/v5/public/mark-price
type markPriceData struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
}

// orderData is one row of /api/v5/trade/order placement/query responses
type orderData struct {
	InstID      string `json:"instId"`
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	State       string `json:"state"`
	Side        string `json:"side"`
	PosSide     string `json:"posSide"`
	OrdType     string `json:"ordType"`
	Px          string `json:"px"`
	AvgPx       string `json:"avgPx"`
	Sz          string `json:"sz"`
	AccFillSz   string `json:"accFillSz"`
	Fee         string `json:"fee"`
	Pnl         string `json:"pnl"`
	UTime       string `json:"uTime"`
	SCode       string `json:"sCode"`
	SMsg        string `json:"sMsg"`
}

// algoOrderData is one row of the algo-order endpoints
type algoOrderData struct {
	InstID      string `json:"instId"`
	AlgoID      string `json:"algoId"`
	State       string `json:"state"` // live, effective, canceled, order_failed
	Side        string `json:"side"`
	PosSide     string `json:"posSide"`
	OrdType     string `json:"ordType"`
	SlTriggerPx string `json:"slTriggerPx"`
	TpTriggerPx string `json:"tpTriggerPx"`
	Sz          string `json:"sz"`
	CTime       string `json:"cTime"`
	UTime       string `json:"uTime"`
}

// billData is one funding-fee row of /api/v5/account/bills (type 8)
type billData struct {
	InstID string `json:"instId"`
	BalChg string `json:"balChg"`
	Type   string `json:"type"`
	Ts     string `json:"ts"`
}

// wsMessage is the public/private stream envelope
type wsMessage struct {
	Event string          `json:"event,omitempty"`
	Code  string          `json:"code,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Arg   wsArg           `json:"arg"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wsArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// wsBalanceData is one row of the private account channel
type wsBalanceData struct {
	Details []struct {
		Ccy     string `json:"ccy"`
		CashBal string `json:"cashBal"`
	} `json:"details"`
	UTime string `json:"uTime"`
}
