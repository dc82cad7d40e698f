package models

import (
	"fmt"
	"strings"
)

// StreamKind is the class of upstream market-data stream.
type StreamKind string

const (
	StreamKindKline  StreamKind = "kline"
	StreamKindTicker StreamKind = "ticker"
	StreamKindDepth  StreamKind = "depth"
)

// StreamIdentifier names one upstream data feed. Its canonical string form is
// the upstream stream name and is used as the registry map key. Formatting and
// parsing live here and nowhere else.
type StreamIdentifier struct {
	Symbol     string
	Kind       StreamKind
	Timeframe  string
	DepthLevel string
}

// KlineStream builds the identifier for a candlestick stream.
func KlineStream(symbol, timeframe string) StreamIdentifier {
	return StreamIdentifier{Symbol: strings.ToUpper(symbol), Kind: StreamKindKline, Timeframe: timeframe}
}

// TickerStream builds the identifier for a 24h ticker stream.
func TickerStream(symbol string) StreamIdentifier {
	return StreamIdentifier{Symbol: strings.ToUpper(symbol), Kind: StreamKindTicker}
}

// DepthStream builds the identifier for a partial book depth stream.
func DepthStream(symbol, level string) StreamIdentifier {
	return StreamIdentifier{Symbol: strings.ToUpper(symbol), Kind: StreamKindDepth, DepthLevel: level}
}

// String returns the upstream wire name, e.g. "btcusdt@kline_1m",
// "btcusdt@ticker", "btcusdt@depth20".
func (s StreamIdentifier) String() string {
	sym := strings.ToLower(s.Symbol)
	switch s.Kind {
	case StreamKindKline:
		return fmt.Sprintf("%s@kline_%s", sym, s.Timeframe)
	case StreamKindTicker:
		return fmt.Sprintf("%s@ticker", sym)
	case StreamKindDepth:
		return fmt.Sprintf("%s@depth%s", sym, s.DepthLevel)
	default:
		return sym
	}
}

// ParseStreamName parses an upstream wire name back into its identifier.
func ParseStreamName(name string) (StreamIdentifier, error) {
	parts := strings.SplitN(name, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return StreamIdentifier{}, fmt.Errorf("invalid stream name %q", name)
	}

	symbol := strings.ToUpper(parts[0])
	suffix := parts[1]

	switch {
	case strings.HasPrefix(suffix, "kline_"):
		tf := strings.TrimPrefix(suffix, "kline_")
		if tf == "" {
			return StreamIdentifier{}, fmt.Errorf("invalid stream name %q: missing timeframe", name)
		}
		return StreamIdentifier{Symbol: symbol, Kind: StreamKindKline, Timeframe: tf}, nil
	case suffix == "ticker":
		return StreamIdentifier{Symbol: symbol, Kind: StreamKindTicker}, nil
	case strings.HasPrefix(suffix, "depth"):
		return StreamIdentifier{Symbol: symbol, Kind: StreamKindDepth, DepthLevel: strings.TrimPrefix(suffix, "depth")}, nil
	default:
		return StreamIdentifier{}, fmt.Errorf("unknown stream kind in %q", name)
	}
}
