package swiftbuy

import (
	"context"
	"encoding/json"
	"strings"
)

// Platform is a known checkout platform family. Knowing the platform only
// unlocks fallback selector hints; unknown is always safe.
type Platform string

const (
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformBigCommerce Platform = "bigcommerce"
	PlatformMagento     Platform = "magento"
	PlatformUnknown     Platform = "unknown"
)

// platformSignature contributes a fixed weight when either the URL or the
// markup prefix contains the token. Ordered by specificity within each
// platform: strong tokens first.
type platformSignature struct {
	platform  Platform
	urlToken  string
	htmlToken string
	weight    float64
}

var platformSignatures = []platformSignature{
	{PlatformShopify, "/checkouts/", "cdn.shopify.com", 0.6},
	{PlatformShopify, ".myshopify.com", "Shopify.theme", 0.5},
	{PlatformShopify, "", "shopify-section", 0.3},
	{PlatformWooCommerce, "/checkout/", "woocommerce-checkout", 0.6},
	{PlatformWooCommerce, "", "wp-content/plugins/woocommerce", 0.5},
	{PlatformWooCommerce, "", "wc-block", 0.3},
	{PlatformBigCommerce, "/checkout", "cdn11.bigcommerce.com", 0.6},
	{PlatformBigCommerce, "", "bigcommerce.com/s-", 0.4},
	{PlatformMagento, "/checkout/", "Magento_", 0.6},
	{PlatformMagento, "", "mage-init", 0.4},
	{PlatformMagento, "", "static/version", 0.2},
}

// markupPrefixLimit bounds how much page markup the classifier looks at.
const markupPrefixLimit = 64 * 1024

// ClassifyPlatform matches URL substrings and a bounded markup prefix
// against the signature table. Confidence is the clamped sum of matched
// weights for the best-scoring platform; {unknown, 0} when nothing matches.
func ClassifyPlatform(pageURL, markup string) (Platform, float64) {
	if len(markup) > markupPrefixLimit {
		markup = markup[:markupPrefixLimit]
	}
	urlLower := strings.ToLower(pageURL)
	markupLower := strings.ToLower(markup)

	scores := make(map[Platform]float64)
	for _, sig := range platformSignatures {
		matched := false
		if sig.urlToken != "" && strings.Contains(urlLower, strings.ToLower(sig.urlToken)) {
			matched = true
		}
		if !matched && sig.htmlToken != "" && strings.Contains(markupLower, strings.ToLower(sig.htmlToken)) {
			matched = true
		}
		if matched {
			scores[sig.platform] += sig.weight
		}
	}

	best := PlatformUnknown
	bestScore := 0.0
	for _, p := range []Platform{PlatformShopify, PlatformWooCommerce, PlatformBigCommerce, PlatformMagento} {
		if scores[p] > bestScore {
			best = p
			bestScore = scores[p]
		}
	}
	if bestScore > 1 {
		bestScore = 1
	}
	if best == PlatformUnknown {
		return PlatformUnknown, 0
	}
	return best, bestScore
}

// DetectPlatform classifies the live page. Failures degrade to unknown.
func DetectPlatform(ctx context.Context, page Page) (Platform, float64) {
	pageURL, err := page.URL(ctx)
	if err != nil {
		return PlatformUnknown, 0
	}
	raw, err := page.Eval(ctx, `() => document.documentElement.outerHTML.slice(0, 65536)`)
	if err != nil {
		return ClassifyPlatform(pageURL, "")
	}
	var markup string
	if err := json.Unmarshal(raw, &markup); err != nil {
		return ClassifyPlatform(pageURL, "")
	}
	return ClassifyPlatform(pageURL, markup)
}

// platformSelectors are the fourth-priority fallback selectors Fast-Fill
// tries when nothing learned or detected matches. These are the stock
// checkout templates of each platform; stores with customized themes simply
// miss here and escalate to the oracle.
var platformSelectors = map[Platform]map[FieldType][]string{
	PlatformShopify: {
		FieldEmail:      {"#checkout_email", `input[name="checkout[email]"]`},
		FieldFirstName:  {"#checkout_shipping_address_first_name", `input[name="checkout[shipping_address][first_name]"]`},
		FieldLastName:   {"#checkout_shipping_address_last_name", `input[name="checkout[shipping_address][last_name]"]`},
		FieldStreet:     {"#checkout_shipping_address_address1", `input[name="checkout[shipping_address][address1]"]`},
		FieldStreet2:    {"#checkout_shipping_address_address2"},
		FieldCity:       {"#checkout_shipping_address_city"},
		FieldRegion:     {"#checkout_shipping_address_province"},
		FieldPostalCode: {"#checkout_shipping_address_zip"},
		FieldCountry:    {"#checkout_shipping_address_country"},
		FieldPhone:      {"#checkout_shipping_address_phone"},
		FieldCardNumber: {`input[name="number"]`, "#number"},
		FieldCardName:   {`input[name="name"]`},
		FieldCardExpiry: {`input[name="expiry"]`},
		FieldCardCVV:    {`input[name="verification_value"]`},
	},
	PlatformWooCommerce: {
		FieldEmail:      {"#billing_email"},
		FieldFirstName:  {"#shipping_first_name", "#billing_first_name"},
		FieldLastName:   {"#shipping_last_name", "#billing_last_name"},
		FieldStreet:     {"#shipping_address_1", "#billing_address_1"},
		FieldStreet2:    {"#shipping_address_2", "#billing_address_2"},
		FieldCity:       {"#shipping_city", "#billing_city"},
		FieldRegion:     {"#shipping_state", "#billing_state"},
		FieldPostalCode: {"#shipping_postcode", "#billing_postcode"},
		FieldCountry:    {"#shipping_country", "#billing_country"},
		FieldPhone:      {"#billing_phone"},
	},
	PlatformBigCommerce: {
		FieldEmail:      {"#email"},
		FieldFirstName:  {"#firstNameInput"},
		FieldLastName:   {"#lastNameInput"},
		FieldStreet:     {"#addressLine1Input"},
		FieldStreet2:    {"#addressLine2Input"},
		FieldCity:       {"#cityInput"},
		FieldRegion:     {"#provinceInput", "#provinceCodeInput"},
		FieldPostalCode: {"#postCodeInput"},
		FieldCountry:    {"#countryCodeInput"},
		FieldPhone:      {"#phoneInput"},
	},
	PlatformMagento: {
		FieldEmail:      {"#customer-email"},
		FieldFirstName:  {`input[name="firstname"]`},
		FieldLastName:   {`input[name="lastname"]`},
		FieldStreet:     {`input[name="street[0]"]`},
		FieldStreet2:    {`input[name="street[1]"]`},
		FieldCity:       {`input[name="city"]`},
		FieldRegion:     {`select[name="region_id"]`, `input[name="region"]`},
		FieldPostalCode: {`input[name="postcode"]`},
		FieldCountry:    {`select[name="country_id"]`},
		FieldPhone:      {`input[name="telephone"]`},
	},
}
