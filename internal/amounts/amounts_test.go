package amounts

import (
	"math/big"
	"testing"
)

func TestParseUSDC(t *testing.T) {
	cases := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"   ", 0},
		{"-1", 0},
		{"abc", 0},
		{"0", 0},
		{"1", 1_000_000},
		{"0.0001", 100},
		{"0.5", 500_000},
		{"1,000", 1_000_000_000},
		{"2.5", 2_500_000},
		{"0.0000004", 0},
		{"0.0000005", 1},
		{".5", 500_000},
		// big.Rat 额外支持的分数、指数与十六进制写法不属于金额语法。
		{"1/2", 0},
		{"1e3", 0},
		{"1E3", 0},
		{"0x10", 0},
		{"0x1p-2", 0},
		{"+1", 0},
		{"1.2.3", 0},
		{".", 0},
	}

	for _, tc := range cases {
		got := ParseUSDC(tc.input)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("ParseUSDC(%q) = %s, want %d", tc.input, got, tc.want)
		}
		if got.Sign() < 0 {
			t.Fatalf("ParseUSDC(%q) returned negative value %s", tc.input, got)
		}
	}
}

func TestParseJab(t *testing.T) {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if got := ParseJab("1"); got.Cmp(one) != 0 {
		t.Fatalf("ParseJab(\"1\") = %s, want %s", got, one)
	}

	half := new(big.Int).Div(one, big.NewInt(2))
	if got := ParseJab("0.5"); got.Cmp(half) != 0 {
		t.Fatalf("ParseJab(\"0.5\") = %s, want %s", got, half)
	}

	if got := ParseJab(""); got.Sign() != 0 {
		t.Fatalf("ParseJab(\"\") = %s, want 0", got)
	}
	if got := ParseJab("-0.5"); got.Sign() != 0 {
		t.Fatalf("ParseJab(\"-0.5\") = %s, want 0", got)
	}

	// 18 位小数超过 float64 精度，确保解析保持精确。
	exact, _ := new(big.Int).SetString("1000000000000000001", 10)
	if got := ParseJab("1.000000000000000001"); got.Cmp(exact) != 0 {
		t.Fatalf("ParseJab lost precision: got %s, want %s", got, exact)
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatUSDC(big.NewInt(2_500_000)); got != "2.50" {
		t.Fatalf("FormatUSDC = %q, want \"2.50\"", got)
	}
	if got := FormatUSDC(nil); got != "0.00" {
		t.Fatalf("FormatUSDC(nil) = %q, want \"0.00\"", got)
	}
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if got := FormatJab(one); got != "1.00" {
		t.Fatalf("FormatJab = %q, want \"1.00\"", got)
	}
}
