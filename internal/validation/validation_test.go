package validation

import (
	"testing"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"null\x00byte", 20, "nullbyte"},
		{"", 10, ""},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestRequired(t *testing.T) {
	if err := Required("title", "website build")(); err != nil {
		t.Errorf("expected no error for non-empty value, got %+v", err)
	}
	if err := Required("title", "")(); err == nil {
		t.Error("expected error for empty value")
	}
	if err := Required("title", "   ")(); err == nil {
		t.Error("expected error for whitespace-only value")
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("title", "short", 10)(); err != nil {
		t.Errorf("expected no error, got %+v", err)
	}
	if err := MaxLength("title", "this is too long", 5)(); err == nil {
		t.Error("expected error for oversized value")
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("title", ""),
		Required("asset", "USDC"),
		MaxLength("description", "way too long", 3),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %+v", len(errs), errs)
	}
	if errs[0].Field != "title" || errs[1].Field != "description" {
		t.Errorf("unexpected fields: %+v", errs)
	}

	if errs := Validate(Required("asset", "USDC")); len(errs) != 0 {
		t.Errorf("expected no errors, got %+v", errs)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	var empty ValidationErrors
	if empty.Error() != "validation failed" {
		t.Errorf("unexpected message: %q", empty.Error())
	}

	errs := ValidationErrors{{Field: "amount", Message: "must be greater than zero"}}
	if errs.Error() != "amount: must be greater than zero" {
		t.Errorf("unexpected message: %q", errs.Error())
	}
}
