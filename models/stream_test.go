package models

import "testing"

func TestStreamIdentifierString(t *testing.T) {
	cases := []struct {
		id   StreamIdentifier
		want string
	}{
		{KlineStream("BTCUSDT", "1m"), "btcusdt@kline_1m"},
		{KlineStream("ethusdt", "4h"), "ethusdt@kline_4h"},
		{TickerStream("BTCUSDT"), "btcusdt@ticker"},
		{DepthStream("BTCUSDT", "20"), "btcusdt@depth20"},
	}
	for _, c := range cases {
		if got := c.id.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestParseStreamName(t *testing.T) {
	id, err := ParseStreamName("btcusdt@kline_1m")
	if err != nil {
		t.Fatalf("ParseStreamName failed: %v", err)
	}
	if id.Symbol != "BTCUSDT" || id.Kind != StreamKindKline || id.Timeframe != "1m" {
		t.Errorf("unexpected identifier: %+v", id)
	}

	id, err = ParseStreamName("ethusdt@ticker")
	if err != nil {
		t.Fatalf("ParseStreamName failed: %v", err)
	}
	if id.Kind != StreamKindTicker || id.Symbol != "ETHUSDT" {
		t.Errorf("unexpected identifier: %+v", id)
	}

	id, err = ParseStreamName("btcusdt@depth20")
	if err != nil {
		t.Fatalf("ParseStreamName failed: %v", err)
	}
	if id.Kind != StreamKindDepth || id.DepthLevel != "20" {
		t.Errorf("unexpected identifier: %+v", id)
	}
}

func TestParseStreamNameRoundTrip(t *testing.T) {
	names := []string{"btcusdt@kline_1m", "ethusdt@kline_1d", "solusdt@ticker", "btcusdt@depth5"}
	for _, name := range names {
		id, err := ParseStreamName(name)
		if err != nil {
			t.Fatalf("ParseStreamName(%q) failed: %v", name, err)
		}
		if got := id.String(); got != name {
			t.Errorf("round trip %q -> %q", name, got)
		}
	}
}

func TestParseStreamNameInvalid(t *testing.T) {
	for _, name := range []string{"", "btcusdt", "@kline_1m", "btcusdt@", "btcusdt@kline_", "btcusdt@trades"} {
		if _, err := ParseStreamName(name); err == nil {
			t.Errorf("expected error for %q", name)
		}
	}
}
