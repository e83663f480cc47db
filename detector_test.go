package swiftbuy

import (
	"reflect"
	"testing"
)

func TestClassifyElementPriority(t *testing.T) {
	tests := []struct {
		name string
		el   formElement
		want FieldType
		ok   bool
	}{
		{
			name: "autocomplete wins over conflicting name",
			el:   formElement{Tag: "input", Autocomplete: "given-name", Name: "email"},
			want: FieldFirstName,
			ok:   true,
		},
		{
			name: "sectioned autocomplete token",
			el:   formElement{Tag: "input", Autocomplete: "shipping address-line1"},
			want: FieldStreet,
			ok:   true,
		},
		{
			name: "autocomplete off falls through to name",
			el:   formElement{Tag: "input", Autocomplete: "off", Name: "billing_city"},
			want: FieldCity,
			ok:   true,
		},
		{
			name: "input type email",
			el:   formElement{Tag: "input", Type: "email", Name: "contact"},
			want: FieldEmail,
			ok:   true,
		},
		{
			name: "input type tel",
			el:   formElement{Tag: "input", Type: "tel"},
			want: FieldPhone,
			ok:   true,
		},
		{
			name: "name beats placeholder",
			el:   formElement{Tag: "input", Name: "zip", Placeholder: "City"},
			want: FieldPostalCode,
			ok:   true,
		},
		{
			name: "placeholder beats label",
			el:   formElement{Tag: "input", Placeholder: "First name", Label: "Last name"},
			want: FieldFirstName,
			ok:   true,
		},
		{
			name: "label used when earlier sources are silent",
			el:   formElement{Tag: "input", Label: "Postal code"},
			want: FieldPostalCode,
			ok:   true,
		},
		{
			name: "aria-label as last resort",
			el:   formElement{Tag: "input", AriaLabel: "Card number"},
			want: FieldCardNumber,
			ok:   true,
		},
		{
			name: "last name pattern beats bare name pattern",
			el:   formElement{Tag: "input", Name: "last_name"},
			want: FieldLastName,
			ok:   true,
		},
		{
			name: "address line 2 beats address",
			el:   formElement{Tag: "input", Placeholder: "Address line 2"},
			want: FieldStreet2,
			ok:   true,
		},
		{
			name: "expiry month beats expiry",
			el:   formElement{Tag: "select", Name: "exp_month"},
			want: FieldCardExpMonth,
			ok:   true,
		},
		{
			name: "unclassifiable search box",
			el:   formElement{Tag: "input", Name: "q", Placeholder: "Search products"},
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classifyElement(tt.el)
			if ok != tt.ok {
				t.Fatalf("classifyElement() ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("classifyElement() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyFieldsDeterministic(t *testing.T) {
	elements := []formElement{
		{Tag: "input", Type: "email", ID: "email"},
		{Tag: "input", Autocomplete: "given-name", ID: "fn"},
		{Tag: "input", Autocomplete: "family-name", ID: "ln"},
		{Tag: "input", Name: "address1", ID: "street"},
		{Tag: "input", Name: "postal_code", ID: "zip"},
	}

	first := classifyFields(elements)
	for i := 0; i < 10; i++ {
		again := classifyFields(elements)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("classifyFields is not deterministic: %v vs %v", first, again)
		}
	}

	want := map[FieldType]string{
		FieldEmail:      "#email",
		FieldFirstName:  "#fn",
		FieldLastName:   "#ln",
		FieldStreet:     "#street",
		FieldPostalCode: "#zip",
	}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("classifyFields() = %v, want %v", first, want)
	}
}

func TestClassifyFieldsFirstMatchWins(t *testing.T) {
	elements := []formElement{
		{Tag: "input", Type: "email", ID: "shipping-email"},
		{Tag: "input", Type: "email", ID: "billing-email"},
	}
	got := classifyFields(elements)
	if got[FieldEmail] != "#shipping-email" {
		t.Errorf("document order should break the tie, got %q", got[FieldEmail])
	}
}

func TestStableSelector(t *testing.T) {
	tests := []struct {
		name string
		el   formElement
		want string
	}{
		{
			name: "id preferred",
			el:   formElement{Tag: "input", ID: "email", Name: "email", Autocomplete: "email", Path: "form > input:nth-of-type(1)"},
			want: "#email",
		},
		{
			name: "name when no id",
			el:   formElement{Tag: "input", Name: "checkout[email]"},
			want: `input[name="checkout[email]"]`,
		},
		{
			name: "autocomplete when no id or name",
			el:   formElement{Tag: "input", Autocomplete: "postal-code"},
			want: `input[autocomplete="postal-code"]`,
		},
		{
			name: "structural path as last resort",
			el:   formElement{Tag: "input", Path: "div#main > form:nth-of-type(1) > input:nth-of-type(3)"},
			want: "div#main > form:nth-of-type(1) > input:nth-of-type(3)",
		},
		{
			name: "quotes escaped in name",
			el:   formElement{Tag: "input", Name: `weird"name`},
			want: `input[name="weird\"name"]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stableSelector(tt.el); got != tt.want {
				t.Errorf("stableSelector() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFieldFromAutocomplete(t *testing.T) {
	tests := []struct {
		in   string
		want FieldType
		ok   bool
	}{
		{"email", FieldEmail, true},
		{"shipping postal-code", FieldPostalCode, true},
		{"billing cc-number", FieldCardNumber, true},
		{"CC-EXP", FieldCardExpiry, true},
		{"off", "", false},
		{"on", "", false},
		{"", "", false},
		{"one-time-code", "", false},
	}
	for _, tt := range tests {
		got, ok := fieldFromAutocomplete(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("fieldFromAutocomplete(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
