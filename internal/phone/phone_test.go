package phone_test

import (
	"testing"

	"github.com/sweeney/nfon-callmonitor/internal/phone"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+49 170-5664234", "01705664234"},
		{"0049625182755", "0625182755"},
		{"0170-566 42 34", "01705664234"},
		{"(06251) 82755", "0625182755"},
		{"06251/827.55", "0625182755"},
		{"+496251555", "06251555"},
		{"00491705664234", "01705664234"},
		{"496251555", "06251555"},
		{"491705664234", "01705664234"},
		{"49123", "49123"},
		{"0625182755", "0625182755"},
		{"+1 555 0100", "0015550100"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := phone.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "0625182755", "0625182755", true},
		{"formatting", "+49 6251 82755", "0625182755", true},
		{"both formatted", "0049-6251-82755", "06251/82755", true},
		{"kopfnummer suffix", "0625182755", "625182755", true},
		{"short exact", "12345", "12345", true},
		{"short overlap", "0123", "990123", false},
		{"five digit overlap", "12345", "9912345", false},
		{"different landline", "0625182755", "0625199999", false},
		{"different mobile", "01705664234", "01711234567", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := phone.Match(tt.a, tt.b); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	plan := phone.DefaultPlan()
	tests := []struct {
		in   string
		want phone.Kind
	}{
		{"01705664234", phone.KindMobile},
		{"01511234567", phone.KindMobile},
		{"01601234567", phone.KindMobile},
		{"01791234567", phone.KindMobile},
		{"08001234567", phone.KindSpecial},
		{"01801123456", phone.KindSpecial},
		{"09001234567", phone.KindSpecial},
		{"01371234567", phone.KindSpecial},
		{"0625182755", phone.KindLandline},
		{"06930000", phone.KindLandline},
		{"03012345678", phone.KindLandline},
		{"12345678", phone.KindUnknown},
		{"5551234", phone.KindUnknown},
	}
	for _, tt := range tests {
		if got := plan.Classify(tt.in); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestClassifyCustomPrefixes(t *testing.T) {
	plan, err := phone.NewPlan(
		phone.WithMobilePrefixes([]string{"0199"}),
		phone.WithSpecialPrefixes([]string{"0170"}),
	)
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	if got := plan.Classify("01991234567"); got != phone.KindMobile {
		t.Errorf("expected custom mobile prefix, got %s", got)
	}
	if got := plan.Classify("01705664234"); got != phone.KindSpecial {
		t.Errorf("expected 0170 reclassified as special, got %s", got)
	}
}

func TestLookupCity(t *testing.T) {
	plan := phone.DefaultPlan()
	tests := []struct {
		in   string
		want string
	}{
		{"0625182755", "Bensheim"},
		{"06930000", "Frankfurt am Main"},
		{"03012345", "Berlin"},
		{"08912345", "München"},
		{"0615112345", "Darmstadt"},
	}
	for _, tt := range tests {
		got, ok := plan.LookupCity(tt.in)
		if !ok || got != tt.want {
			t.Errorf("LookupCity(%q) = %q, %v; want %q", tt.in, got, ok, tt.want)
		}
	}

	if _, ok := plan.LookupCity("12345678"); ok {
		t.Error("expected no city for number without trunk prefix")
	}
	if _, ok := plan.LookupCity("0"); ok {
		t.Error("expected no city for bare trunk prefix")
	}
}

func TestFormatNice(t *testing.T) {
	plan := phone.DefaultPlan()
	tests := []struct {
		in   string
		want string
	}{
		{"0625182755", "+49 6251 82755"},
		{"01705664234", "+49 170 5664234"},
		{"+496251555", "+49 6251 555"},
		{"00496251555", "+49 6251 555"},
		{"08001234567", "+49 800 1234567"},
		{"0999", "+49 999"},
	}
	for _, tt := range tests {
		got, ok := plan.FormatNice(tt.in)
		if !ok || got != tt.want {
			t.Errorf("FormatNice(%q) = %q, %v; want %q", tt.in, got, ok, tt.want)
		}
	}

	if got, ok := plan.FormatNice("12345678"); ok {
		t.Errorf("expected no formatting for foreign number, got %q", got)
	}
}

func TestLabel(t *testing.T) {
	plan := phone.DefaultPlan()
	if got, _ := plan.Label("01705664234"); got != phone.LabelMobile {
		t.Errorf("expected %q, got %q", phone.LabelMobile, got)
	}
	if got, _ := plan.Label("08001234567"); got != phone.LabelSpecial {
		t.Errorf("expected %q, got %q", phone.LabelSpecial, got)
	}
	if got, _ := plan.Label("0625182755"); got != "Bensheim" {
		t.Errorf("expected Bensheim, got %q", got)
	}
	if _, ok := plan.Label("12345"); ok {
		t.Error("expected no label for unknown number")
	}
}

func TestDialString(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"0170 566-4234", "491705664234", true},
		{"+49 6251 82755", "49625182755", true},
		{"0049 6251 82755", "49625182755", true},
		{"22", "22", true},
		{"0170abc", "", false},
		{"", "", false},
		{"+", "", false},
	}
	for _, tt := range tests {
		got, ok := phone.DialString(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("DialString(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
