package models

import "encoding/json"

// ControlCommand is the upstream subscription control message.
type ControlCommand struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// ControlAck is the upstream response to a control command. Result is null on
// success.
type ControlAck struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
}

// ErrorFrame is an upstream error message.
type ErrorFrame struct {
	Error *UpstreamError `json:"error"`
}

type UpstreamError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// StreamFrame is the combined-stream envelope wrapping every data message.
type StreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// KlineEvent is the payload of a kline stream frame.
type KlineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// KlinePayload carries one candlestick. Prices and volumes arrive as strings.
type KlinePayload struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Close       string `json:"c"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	TradeCount  int64  `json:"n"`
	Closed      bool   `json:"x"`
}

// TickerEvent is the payload of a 24h ticker frame. Only the fields the
// dispatcher inspects are mapped.
type TickerEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

// DepthEvent is the payload of a partial book depth frame.
type DepthEvent struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}
