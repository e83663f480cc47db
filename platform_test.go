package swiftbuy

import (
	"strings"
	"testing"
)

func TestClassifyPlatform(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		markup     string
		want       Platform
		minScore   float64
	}{
		{
			name:     "shopify checkout url and cdn",
			url:      "https://shop.example/checkouts/c/abc123",
			markup:   `<link href="https://cdn.shopify.com/assets/theme.css">`,
			want:     PlatformShopify,
			minScore: 0.6,
		},
		{
			name:     "myshopify host alone",
			url:      "https://brand.myshopify.com/products/tee",
			markup:   "<html></html>",
			want:     PlatformShopify,
			minScore: 0.5,
		},
		{
			name:     "woocommerce markup",
			url:      "https://store.example/checkout/",
			markup:   `<form class="woocommerce-checkout"><script src="/wp-content/plugins/woocommerce/js/checkout.js">`,
			want:     PlatformWooCommerce,
			minScore: 0.6,
		},
		{
			name:     "bigcommerce cdn",
			url:      "https://store.example/checkout",
			markup:   `<img src="https://cdn11.bigcommerce.com/s-abc/images/logo.png">`,
			want:     PlatformBigCommerce,
			minScore: 0.6,
		},
		{
			name:     "magento mage-init",
			url:      "https://store.example/checkout/",
			markup:   `<script type="text/x-magento-init">{}</script><div data-mage-init='{}'></div>Magento_Checkout`,
			want:     PlatformMagento,
			minScore: 0.6,
		},
		{
			name:   "plain storefront",
			url:    "https://boutique.example/cart",
			markup: "<html><body><form></form></body></html>",
			want:   PlatformUnknown,
		},
		{
			name:   "empty inputs",
			url:    "",
			markup: "",
			want:   PlatformUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, score := ClassifyPlatform(tt.url, tt.markup)
			if got != tt.want {
				t.Fatalf("ClassifyPlatform() = %q (%.2f), want %q", got, score, tt.want)
			}
			if got == PlatformUnknown && score != 0 {
				t.Errorf("unknown platform must carry zero confidence, got %.2f", score)
			}
			if score < tt.minScore {
				t.Errorf("confidence %.2f below expected %.2f", score, tt.minScore)
			}
			if score > 1 {
				t.Errorf("confidence must be clamped to 1, got %.2f", score)
			}
		})
	}
}

func TestClassifyPlatformBoundsMarkup(t *testing.T) {
	// A signature token buried past the prefix limit must not count.
	padding := strings.Repeat("x", markupPrefixLimit)
	got, score := ClassifyPlatform("https://store.example/", padding+"cdn.shopify.com")
	if got != PlatformUnknown || score != 0 {
		t.Errorf("token past the markup prefix should be ignored, got %q (%.2f)", got, score)
	}
}

func TestPlatformSelectorsCoverShipping(t *testing.T) {
	// Every known platform must at least carry the core shipping fields,
	// otherwise the fourth fallback tier is useless there.
	core := []FieldType{FieldEmail, FieldStreet, FieldCity, FieldPostalCode, FieldCountry}
	for platform, fields := range platformSelectors {
		for _, ft := range core {
			if len(fields[ft]) == 0 {
				t.Errorf("platform %s has no fallback selector for %s", platform, ft)
			}
		}
	}
}
