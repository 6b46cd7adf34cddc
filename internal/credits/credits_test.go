package credits

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one credit", "1.00", 1_000_000},
		{"half credit", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"whole and frac", "1.500000", 1_500_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"three decimals", "1.123", 1_123_000},
		{"six decimals", "1.123456", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
		{"leading zeros in whole", "007.50", 7_500_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"two dots", "1.2.3"},
		{"letters", "abc"},
		{"letters in frac", "1.2x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) returned ok=true, want false", tt.input)
			}
		})
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("")
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %s, want 0", got.String())
	}
}

func TestParse_TruncationBeyondSixDecimals(t *testing.T) {
	got, ok := Parse("1.1234567890")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.Int64() != 1_123_456 {
		t.Errorf("Parse truncation = %d, want 1123456", got.Int64())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    *big.Int
		expected string
	}{
		{"nil", nil, "0.000000"},
		{"zero", big.NewInt(0), "0.000000"},
		{"one credit", big.NewInt(1_000_000), "1.000000"},
		{"smallest unit", big.NewInt(1), "0.000001"},
		{"mixed", big.NewInt(1_500_000), "1.500000"},
		{"negative", big.NewInt(-2_250_000), "-2.250000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.expected {
				t.Errorf("Format(%v) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	inputs := []string{"0.000000", "1.000000", "0.000001", "123456.789012"}
	for _, in := range inputs {
		got, ok := Parse(in)
		if !ok {
			t.Fatalf("Parse(%q) returned ok=false", in)
		}
		if out := Format(got); out != in {
			t.Errorf("round trip %q -> %q", in, out)
		}
	}
}

func TestFromWei(t *testing.T) {
	oneEther, _ := new(big.Int).SetString("1000000000000000000", 10)
	tests := []struct {
		name     string
		wei      *big.Int
		expected int64
	}{
		{"nil", nil, 0},
		{"zero", big.NewInt(0), 0},
		{"one token", oneEther, 1_000_000},
		{"dust truncated", big.NewInt(999_999_999_999), 0},
		{"just above dust", big.NewInt(1_000_000_000_000), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromWei(tt.wei); got.Int64() != tt.expected {
				t.Errorf("FromWei(%v) = %d, want %d", tt.wei, got.Int64(), tt.expected)
			}
		})
	}
}
