package swiftbuy

import (
	"context"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

func TestSelectorCandidatesPriorityChain(t *testing.T) {
	saved := map[FieldType]string{FieldEmail: "#saved-email"}
	fresh := map[FieldType]string{FieldEmail: "#fresh-email"}
	original := map[FieldType]string{FieldEmail: "#orig-email"}

	got := selectorCandidates(FieldEmail, saved, fresh, original, PlatformShopify)
	want := []string{"#saved-email", "#fresh-email", "#orig-email",
		"#checkout_email", `input[name="checkout[email]"]`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("selectorCandidates() = %v, want %v", got, want)
	}
}

func TestSelectorCandidatesDeduplicates(t *testing.T) {
	same := map[FieldType]string{FieldEmail: "#email"}
	got := selectorCandidates(FieldEmail, same, same, same, PlatformUnknown)
	if len(got) != 1 || got[0] != "#email" {
		t.Errorf("duplicates must collapse to the first occurrence, got %v", got)
	}
}

func TestSelectorCandidatesEmpty(t *testing.T) {
	got := selectorCandidates(FieldCardCVV, nil, nil, nil, PlatformUnknown)
	if len(got) != 0 {
		t.Errorf("no sources should yield no candidates, got %v", got)
	}
}

func TestShippingComplete(t *testing.T) {
	tests := []struct {
		name       string
		filled     int
		missed     int
		threshold  float64
		maxMissing int
		want       bool
	}{
		{"all filled", 8, 0, 0.75, 2, true},
		{"one miss within both bounds", 7, 1, 0.75, 2, true},
		{"ratio too low", 2, 2, 0.75, 2, false},
		{"too many missing despite ratio", 9, 3, 0.75, 2, false},
		{"nothing attempted", 0, 0, 0.75, 2, false},
		{"exactly at threshold", 3, 1, 0.75, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &FillReport{Filled: make(map[FieldType]string)}
			fields := []FieldType{FieldEmail, FieldFirstName, FieldLastName, FieldStreet,
				FieldCity, FieldRegion, FieldPostalCode, FieldPhone, FieldFullName,
				FieldStreet2, FieldCountry, FieldCardName}
			for i := 0; i < tt.filled; i++ {
				r.Filled[fields[i]] = "#x"
			}
			for i := 0; i < tt.missed; i++ {
				r.Missed = append(r.Missed, fields[len(fields)-1-i])
			}
			if got := r.shippingComplete(tt.threshold, tt.maxMissing); got != tt.want {
				t.Errorf("shippingComplete(%d filled, %d missed) = %v, want %v",
					tt.filled, tt.missed, got, tt.want)
			}
		})
	}
}

func TestContextValueFor(t *testing.T) {
	cc := testContext(false)
	tests := []struct {
		ft   FieldType
		want string
	}{
		{FieldEmail, "ada@example.com"},
		{FieldFirstName, "Ada"},
		{FieldStreet, "1 Main St"},
		{FieldStreet2, ""},
		{FieldCountry, "US"},
		{FieldCardNumber, "4242424242424242"},
		{FieldCardCVV, "123"},
		{FieldCardExpMonth, "09"},
		{FieldCardExpYear, "2028"},
		{FieldCardExpiry, "09/28"},
		{FieldCardName, "Ada Example"},
	}
	for _, tt := range tests {
		if got := contextValueFor(tt.ft, cc); got != tt.want {
			t.Errorf("contextValueFor(%s) = %q, want %q", tt.ft, got, tt.want)
		}
	}
}

func TestContextValueForExpiryVariants(t *testing.T) {
	cc := testContext(false)
	cc.Payment.ExpiryYear = "28"
	if got := contextValueFor(FieldCardExpiry, cc); got != "09/28" {
		t.Errorf("two-digit year expiry = %q, want 09/28", got)
	}
	cc.Payment.ExpiryMonth = ""
	if got := contextValueFor(FieldCardExpiry, cc); got != "" {
		t.Errorf("missing month must yield empty expiry, got %q", got)
	}
}

func TestFastFillFillsDetectedFields(t *testing.T) {
	page := newFakePage(checkoutStage("Total: $52.30"))
	ff := NewFastFill(zap.NewNop())
	cc := testContext(false)

	report, err := ff.Fill(context.Background(), page, PlatformUnknown, cc, nil)
	if err != nil {
		t.Fatalf("Fill() error: %v", err)
	}

	for _, ft := range []FieldType{FieldEmail, FieldFirstName, FieldLastName,
		FieldStreet, FieldCity, FieldPostalCode, FieldCountry, FieldPhone} {
		if report.Filled[ft] == "" {
			t.Errorf("field %s not filled", ft)
		}
	}
	if len(report.Missed) != 0 {
		t.Errorf("unexpected misses: %v", report.Missed)
	}
	// Payment is a separate, gated pass.
	if _, ok := report.Filled[FieldCardNumber]; ok {
		t.Error("Fill must not touch payment fields")
	}

	st := page.stage()
	if st.find("#email").Value != "ada@example.com" {
		t.Errorf("email value = %q", st.find("#email").Value)
	}
	if st.find("#country").Value != "US" {
		t.Errorf("country value = %q", st.find("#country").Value)
	}
}

func TestFastFillSavedSelectorFallsThrough(t *testing.T) {
	// The saved selector is stale; the freshly detected one must win
	// without the field counting as missed.
	page := newFakePage(checkoutStage("Total: $52.30"))
	ff := NewFastFill(zap.NewNop())
	cc := testContext(false)
	saved := map[FieldType]string{FieldEmail: "#stale-email"}

	report, err := ff.Fill(context.Background(), page, PlatformUnknown, cc, saved)
	if err != nil {
		t.Fatalf("Fill() error: %v", err)
	}
	if report.UsedSelectors[FieldEmail] != "#email" {
		t.Errorf("used selector = %q, want fallthrough to #email", report.UsedSelectors[FieldEmail])
	}
}

func TestFastFillPayment(t *testing.T) {
	page := newFakePage(checkoutStage("Total: $52.30"))
	ff := NewFastFill(zap.NewNop())
	cc := testContext(false)

	report, err := ff.FillPayment(context.Background(), page, PlatformUnknown, cc, nil)
	if err != nil {
		t.Fatalf("FillPayment() error: %v", err)
	}
	st := page.stage()
	if st.find("#card-number").Value != "4242424242424242" {
		t.Errorf("card number value = %q", st.find("#card-number").Value)
	}
	if st.find("#card-expiry").Value != "09/28" {
		t.Errorf("expiry value = %q", st.find("#card-expiry").Value)
	}
	if st.find("#card-cvv").Value != "123" {
		t.Errorf("cvv value = %q", st.find("#card-cvv").Value)
	}
	if report.Filled[FieldCardNumber] == "" {
		t.Error("card number not reported as filled")
	}
}

func TestLearnSelectorsFromPage(t *testing.T) {
	stage := checkoutStage("Total: $52.30")
	// Simulate a completed form, however it got filled.
	stage.find("#email").Value = "ada@example.com"
	stage.find("#zip").Value = "90210"
	page := newFakePage(stage)

	learned := LearnSelectorsFromPage(context.Background(), page)
	if learned[FieldEmail] != "#email" {
		t.Errorf("email selector = %q", learned[FieldEmail])
	}
	if learned[FieldPostalCode] != "#zip" {
		t.Errorf("postal selector = %q", learned[FieldPostalCode])
	}
	// Untouched controls contribute nothing.
	if _, ok := learned[FieldCity]; ok {
		t.Error("empty field must not be learned")
	}
}
