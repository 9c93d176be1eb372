package binance

import "encoding/json"

// premiumIndex is /fapi/v1/premiumIndex: mark price and current funding rate
type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// fundingInfo is /fapi/v1/fundingInfo: listed only for symbols whose
// settlement interval differs from the 8h default
type fundingInfo struct {
	Symbol               string `json:"symbol"`
	FundingIntervalHours int    `json:"fundingIntervalHours"`
}

// orderResponse is the /fapi/v1/order response with newOrderRespType=RESULT
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	StopPrice     string `json:"stopPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

// userTrade is one fill from /fapi/v1/userTrades
type userTrade struct {
	OrderID    int64  `json:"orderId"`
	Commission string `json:"commission"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
}

// income is one row from /fapi/v1/income
type income struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Time       int64  `json:"time"`
}

// apiError is the venue error envelope
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// wsMarkPriceEvent is the markPriceUpdate stream payload
type wsMarkPriceEvent struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// wsStreamWrapper is the combined-stream envelope
type wsStreamWrapper struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// wsOrderUpdate is the ORDER_TRADE_UPDATE user-data event
type wsOrderUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		OrigQty       string `json:"q"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		RealizedPnl   string `json:"rp"`
		PositionSide  string `json:"ps"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

// wsAccountUpdate is the ACCOUNT_UPDATE user-data event
type wsAccountUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Data      struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
			BalanceChange string `json:"bc"`
		} `json:"B"`
	} `json:"a"`
}
