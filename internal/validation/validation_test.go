package validation

import (
	"testing"
)

func TestIsValidCurrency(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"USD", true},
		{"EUR", true},
		{"NGN", true},

		// Invalid cases
		{"usd", false},
		{"US", false},
		{"USDT", false},
		{"U$D", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidCurrency(tc.code)
		if result != tc.valid {
			t.Errorf("IsValidCurrency(%q) = %v, want %v", tc.code, result, tc.valid)
		}
	}
}

func TestSanitizeCurrency(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"USD", "USD"},
		{"usd", "USD"},
		{"  eur  ", "EUR"},
	}

	for _, tc := range tests {
		result := SanitizeCurrency(tc.input)
		if result != tc.expected {
			t.Errorf("SanitizeCurrency(%q) = %q, want %q", tc.input, result, tc.expected)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("provider", "agency-1"),
		ValidCurrency("currency", "USD"),
		PositiveAmount("amount", 1000),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("provider", ""),
		ValidCurrency("currency", "dollars"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestPositiveAmount(t *testing.T) {
	tests := []struct {
		amount int64
		valid  bool
	}{
		{1, true},
		{1000, true},

		// Invalid
		{0, false},
		{-100, false},
	}

	for _, tc := range tests {
		err := PositiveAmount("amount", tc.amount)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("PositiveAmount(%d) valid=%v, want %v", tc.amount, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
