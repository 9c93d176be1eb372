package mexc

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// envelope is the uniform MEXC contract-API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// fundingRateData is /api/v1/contract/funding_rate rows
type fundingRateData struct {
	Symbol         string          `json:"symbol"`
	FundingRate    decimal.Decimal `json:"fundingRate"`
	CollectCycle   int             `json:"collectCycle"` // hours between settlements
	NextSettleTime int64           `json:"nextSettleTime"`
	Timestamp      int64           `json:"timestamp"`
}

// tickerData is /api/v1/contract/ticker rows; fairPrice is the mark price
type tickerData struct {
	Symbol    string          `json:"symbol"`
	FairPrice decimal.Decimal `json:"fairPrice"`
}

// contractDetail is /api/v1/contract/detail rows
type contractDetail struct {
	Symbol       string          `json:"symbol"`
	ContractSize decimal.Decimal `json:"contractSize"`
	State        int             `json:"state"`
}

// orderData is /api/v1/private/order/get rows.
// State: 1 uninformed, 2 uncompleted, 3 completed, 4 cancelled, 5 invalid.
type orderData struct {
	OrderID      string          `json:"orderId"`
	Symbol       string          `json:"symbol"`
	Side         int             `json:"side"`
	Vol          decimal.Decimal `json:"vol"`
	DealVol      decimal.Decimal `json:"dealVol"`
	DealAvgPrice decimal.Decimal `json:"dealAvgPrice"`
	MakerFee     decimal.Decimal `json:"makerFee"`
	TakerFee     decimal.Decimal `json:"takerFee"`
	State        int             `json:"state"`
	OrderType    int             `json:"orderType"`
	UpdateTime   int64           `json:"updateTime"`
}

// planOrderData is /api/v1/private/planorder/list rows.
// State: 1 untriggered, 2 cancelled, 3 executed, 4 invalid, 5 failed.
type planOrderData struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         int             `json:"side"`
	Vol          decimal.Decimal `json:"vol"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	State        int             `json:"state"`
	UpdateTime   int64           `json:"updateTime"`
}

// positionData is /api/v1/private/position/open_positions rows.
// PositionType: 1 long, 2 short.
type positionData struct {
	PositionID   int64           `json:"positionId"`
	Symbol       string          `json:"symbol"`
	PositionType int             `json:"positionType"`
	HoldVol      decimal.Decimal `json:"holdVol"`
	State        int             `json:"state"`
}

// fundingRecord is one row of /api/v1/private/account/funding_records
type fundingRecord struct {
	Symbol     string          `json:"symbol"`
	Funding    decimal.Decimal `json:"funding"`
	SettleTime int64           `json:"settleTime"`
}

// fundingRecordPage wraps the paginated funding records response
type fundingRecordPage struct {
	PageSize    int             `json:"pageSize"`
	TotalCount  int             `json:"totalCount"`
	CurrentPage int             `json:"currentPage"`
	ResultList  []fundingRecord `json:"resultList"`
}

// wsFrame is the stream envelope for both directions
type wsFrame struct {
	Channel string          `json:"channel,omitempty"`
	Symbol  string          `json:"symbol,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Pong    int64           `json:"pong,omitempty"`
}

// wsFundingRate is the push.funding.rate payload
type wsFundingRate struct {
	Symbol         string          `json:"symbol"`
	Rate           decimal.Decimal `json:"rate"`
	NextSettleTime int64           `json:"nextSettleTime"`
}

// wsTicker is the push.ticker payload
type wsTicker struct {
	Symbol    string          `json:"symbol"`
	FairPrice decimal.Decimal `json:"fairPrice"`
}

// wsPersonalOrder is the push.personal.order payload
type wsPersonalOrder struct {
	OrderID      string          `json:"orderId"`
	Symbol       string          `json:"symbol"`
	Side         int             `json:"side"`
	Vol          decimal.Decimal `json:"vol"`
	DealVol      decimal.Decimal `json:"dealVol"`
	DealAvgPrice decimal.Decimal `json:"dealAvgPrice"`
	State        int             `json:"state"`
	OrderType    int             `json:"orderType"`
	UpdateTime   int64           `json:"updateTime"`
}

// wsPersonalAsset is the push.personal.asset payload
type wsPersonalAsset struct {
	Currency         string          `json:"currency"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	FrozenBalance    decimal.Decimal `json:"frozenBalance"`
}
