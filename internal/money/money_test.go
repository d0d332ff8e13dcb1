package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestTaxOnRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		base int64
		rate string
		want int64
	}{
		{base: 10000, rate: "11", want: 1100},
		{base: 150, rate: "10", want: 15},
		{base: 5, rate: "10", want: 1},   // 0.5 rounds up
		{base: 14, rate: "7.5", want: 1}, // 1.05
		{base: 999, rate: "0", want: 0},
	}
	for _, tc := range cases {
		rate := decimal.RequireFromString(tc.rate)
		if got := TaxOn(tc.base, rate); got != tc.want {
			t.Fatalf("TaxOn(%d, %s) = %d, want %d", tc.base, tc.rate, got, tc.want)
		}
	}
}

func TestParseRateRejectsOutOfRange(t *testing.T) {
	if _, err := ParseRate("-1"); err == nil {
		t.Fatalf("expected negative rate to fail")
	}
	if _, err := ParseRate("101"); err == nil {
		t.Fatalf("expected rate above 100 to fail")
	}
	rate, err := ParseRate("")
	if err != nil || !rate.IsZero() {
		t.Fatalf("expected empty rate to parse as zero, got %s err=%v", rate, err)
	}
}

func TestFormat(t *testing.T) {
	if got := Format(12345); got != "123.45" {
		t.Fatalf("expected 123.45, got %s", got)
	}
	if got := Format(-50); got != "-0.50" {
		t.Fatalf("expected -0.50, got %s", got)
	}
}
