package swiftbuy

import (
	"context"
	"testing"
)

func TestVerifyConfirmation(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		body      string
		confirmed bool
		orderID   string
	}{
		{
			name:      "keyword and order number",
			url:       "https://shop.example/orders/12345",
			body:      "Thank you for your order!\nOrder #ORD-1029\nA receipt was emailed to you.",
			confirmed: true,
			orderID:   "ORD-1029",
		},
		{
			name:      "url token alone",
			url:       "https://shop.example/checkout/thank_you",
			body:      "",
			confirmed: true,
		},
		{
			name:      "woocommerce order received",
			url:       "https://store.example/checkout/order-received/443/",
			body:      "Order received\nOrder number: 443981",
			confirmed: true,
			orderID:   "443981",
		},
		{
			name:      "confirmation number variant",
			url:       "https://shop.example/done",
			body:      "Your order has been placed. Confirmation number: 84A7Q2",
			confirmed: true,
			orderID:   "84A7Q2",
		},
		{
			name:      "checkout form is not a confirmation",
			url:       "https://shop.example/checkout",
			body:      "Shipping address\nPayment method\nOrder summary",
			confirmed: false,
		},
		{
			name:      "cart page is not a confirmation",
			url:       "https://shop.example/cart",
			body:      "Your cart\nProceed to checkout",
			confirmed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newFakePage(&pageStage{url: tt.url, bodyText: tt.body})
			conf := VerifyConfirmation(context.Background(), page)
			if conf.Confirmed != tt.confirmed {
				t.Fatalf("Confirmed = %v, want %v", conf.Confirmed, tt.confirmed)
			}
			if conf.OrderID != tt.orderID {
				t.Errorf("OrderID = %q, want %q", conf.OrderID, tt.orderID)
			}
			if conf.URL != tt.url {
				t.Errorf("URL = %q, want %q", conf.URL, tt.url)
			}
		})
	}
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"$49.99", 49.99, true},
		{"Total: $1,234", 1234, true},
		{"Total: $1,234.56", 1234.56, true},
		{"$1,234,567", 1234567, true},
		{"1.234,56 €", 1234.56, true},
		{"EUR 99,95", 99.95, true},
		{"12 345.00", 12345.00, true},
		{"Total due today: 250", 250, true},
		{"free shipping", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseMoney(tt.in)
		if ok != tt.ok {
			t.Errorf("parseMoney(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("parseMoney(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestObserveTotal(t *testing.T) {
	page := newFakePage(&pageStage{
		url:       "https://shop.example/checkout",
		totalText: "Total: $52.30",
	})
	got, ok := ObserveTotal(context.Background(), page)
	if !ok || got != 52.30 {
		t.Errorf("ObserveTotal() = (%v, %v), want (52.30, true)", got, ok)
	}

	blank := newFakePage(&pageStage{url: "https://shop.example/checkout"})
	if _, ok := ObserveTotal(context.Background(), blank); ok {
		t.Error("no visible total must report ok=false")
	}
}

func TestTotalWithinTolerance(t *testing.T) {
	tests := []struct {
		name      string
		observed  float64
		expected  float64
		tolerance float64
		want      bool
	}{
		{"exact", 50, 50, 0.18, true},
		{"tax and shipping absorbed", 57.50, 50, 0.18, true},
		{"boundary inclusive", 59, 50, 0.18, true},
		{"just past boundary", 59.01, 50, 0.18, false},
		{"wrong product", 199.99, 50, 0.18, false},
		{"undercharge is also a mismatch", 20, 50, 0.18, false},
		{"no expected price disables the check", 999, 0, 0.18, true},
		{"negative expected disables the check", 999, -1, 0.18, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TotalWithinTolerance(tt.observed, tt.expected, tt.tolerance); got != tt.want {
				t.Errorf("TotalWithinTolerance(%v, %v, %v) = %v, want %v",
					tt.observed, tt.expected, tt.tolerance, got, tt.want)
			}
		})
	}
}
