package util

import "testing"

func TestSplitSymbols(t *testing.T) {
	got := SplitSymbols(" aapl, msft,,SPY ")
	if len(got) != 3 || got[0] != "AAPL" || got[1] != "MSFT" || got[2] != "SPY" {
		t.Fatalf("unexpected %v", got)
	}
}

func TestParseDefaults(t *testing.T) {
	if ParseIntDefault("x", 7) != 7 {
		t.Fatalf("expected default int")
	}
	if ParseFloatDefault("0.25", 1) != 0.25 {
		t.Fatalf("expected parsed float")
	}
}
