package bingx

import "encoding/json"

// apiEnvelope is the uniform BingX response wrapper
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// premiumIndex is /openApi/swap/v2/quote/premiumIndex rows
type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

// orderData is the order object inside trade endpoint responses
type orderData struct {
	OrderID      int64  `json:"orderId"`
	Symbol       string `json:"symbol"`
	Status       string `json:"status"`
	Side         string `json:"side"`
	PositionSide string `json:"positionSide"`
	Type         string `json:"type"`
	Price        string `json:"price"`
	AvgPrice     string `json:"avgPrice"`
	OrigQty      string `json:"origQty"`
	ExecutedQty  string `json:"executedQty"`
	StopPrice    string `json:"stopPrice"`
	Commission   string `json:"commission"`
	Profit       string `json:"profit"`
	UpdateTime   int64  `json:"updateTime"`
}

// orderWrapper unwraps {"order": {...}} responses
type orderWrapper struct {
	Order orderData `json:"order"`
}

// ordersWrapper unwraps {"orders": [...]} responses
type ordersWrapper struct {
	Orders []orderData `json:"orders"`
}

// incomeRow is /openApi/swap/v2/user/income rows
type incomeRow struct {
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Time       int64  `json:"time"`
}

// listenKeyData is the user-data stream token response
type listenKeyData struct {
	ListenKey string `json:"listenKey"`
}

// wsRequest is the market stream subscribe frame
type wsRequest struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

// wsPush is the market stream push envelope
type wsPush struct {
	Code     int             `json:"code"`
	DataType string          `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

// wsMarkPrice is the @markPrice channel payload
type wsMarkPrice struct {
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// wsUserEvent is the user-data stream envelope; BingX mirrors the Binance
// futures event shapes.
type wsUserEvent struct {
	Event string          `json:"e"`
	Time  int64           `json:"E"`
	Order json.RawMessage `json:"o"`
	Acct  json.RawMessage `json:"a"`
}

// wsOrderUpdate is the ORDER_TRADE_UPDATE payload
type wsOrderUpdate struct {
	Symbol       string `json:"s"`
	ClientID     string `json:"c"`
	Side         string `json:"S"`
	PositionSide string `json:"ps"`
	Type         string `json:"o"`
	Status       string `json:"X"`
	OrderID      int64  `json:"i"`
	AvgPrice     string `json:"ap"`
	FilledQty    string `json:"z"`
	StopPrice    string `json:"sp"`
	RealizedPnl  string `json:"rp"`
}

// wsAccountUpdate is the ACCOUNT_UPDATE payload
type wsAccountUpdate struct {
	Reason   string `json:"m"`
	Balances []struct {
		Asset   string `json:"a"`
		Wallet  string `json:"wb"`
		Change  string `json:"bc"`
	} `json:"B"`
}
