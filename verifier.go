package swiftbuy

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Confirmation is the verifier's independent read of the live page. An
// oracle completion claim is never sufficient on its own; this is.
type Confirmation struct {
	Confirmed bool
	OrderID   string
	URL       string
}

// Any single keyword match in page text or URL confirms the order.
var confirmationKeywords = []string{
	"order confirmed",
	"order is confirmed",
	"thank you for your order",
	"thank you for your purchase",
	"your order has been placed",
	"order number",
	"order received",
	"confirmation number",
	"purchase complete",
}

var confirmationURLTokens = []string{"confirm", "thank", "order-received", "success"}

// orderIDPattern grabs the first alphanumeric token after an order/
// confirmation marker, e.g. "Order #ORD-1029" or "confirmation number: 84A7Q2".
var orderIDPattern = regexp.MustCompile(`(?i)(?:order|confirmation)\s*(?:#|number|no\.?|:)\s*:?\s*#?\s*([A-Z0-9][A-Z0-9-]{3,})`)

// VerifyConfirmation inspects the live page for confirmation signals and
// extracts a retailer order ID when one is visible.
func VerifyConfirmation(ctx context.Context, page Page) Confirmation {
	var conf Confirmation

	pageURL, err := page.URL(ctx)
	if err == nil {
		conf.URL = pageURL
		lower := strings.ToLower(pageURL)
		for _, token := range confirmationURLTokens {
			if strings.Contains(lower, token) {
				conf.Confirmed = true
				break
			}
		}
	}

	text := pageText(ctx, page)
	if text != "" {
		lower := strings.ToLower(text)
		for _, kw := range confirmationKeywords {
			if strings.Contains(lower, kw) {
				conf.Confirmed = true
				break
			}
		}
		if m := orderIDPattern.FindStringSubmatch(text); len(m) > 1 {
			conf.OrderID = m[1]
		}
	}

	return conf
}

func pageText(ctx context.Context, page Page) string {
	raw, err := page.Eval(ctx, `() => (document.body ? document.body.innerText : "").slice(0, 30000)`)
	if err != nil {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return ""
	}
	return text
}

// totalJS finds the most plausible order-total text on the page: elements
// whose class/id/text mention a total, preferring the last (grand total
// rows come after subtotal rows in every template seen).
const totalJS = `() => {
	const nodes = document.querySelectorAll("[class*='total' i], [id*='total' i], [data-testid*='total' i], td, dd, span, strong");
	let last = "";
	for (const el of nodes) {
		const hay = ((el.className || "") + " " + (el.id || "")).toLowerCase();
		const text = (el.innerText || "").trim();
		if (!text || text.length > 80) continue;
		const labeled = hay.includes("total") || /\btotal\b/i.test(text);
		if (labeled && /\d/.test(text)) last = text;
	}
	return last;
}`

var moneyPattern = regexp.MustCompile(`(\d{1,3}(?:[,.\s]\d{3})*(?:[.,]\d{2})?)`)

// ObserveTotal extracts the order total visible on the page. Returns
// (0, false) when no total is visible, which is not an error: the safety
// check simply cannot run and the flow proceeds on the oracle's judgment.
func ObserveTotal(ctx context.Context, page Page) (float64, bool) {
	raw, err := page.Eval(ctx, totalJS)
	if err != nil {
		return 0, false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil || text == "" {
		return 0, false
	}
	return parseMoney(text)
}

// parseMoney pulls the first currency-like number out of free text,
// normalizing thousand separators. A comma is a decimal point only when
// exactly two digits follow it ("1.234,56"); a trailing group of three is
// a thousands separator ("1,234").
func parseMoney(text string) (float64, bool) {
	m := moneyPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	s := strings.ReplaceAll(m[1], " ", "")
	lastComma := strings.LastIndex(s, ",")
	if lastComma > strings.LastIndex(s, ".") && len(s)-lastComma == 3 {
		head := strings.NewReplacer(".", "", ",", "").Replace(s[:lastComma])
		s = head + "." + s[lastComma+1:]
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TotalWithinTolerance checks the observed total against the authorized
// price. tolerance is fractional (0.15 = 15%), sized to absorb tax and
// shipping, not a different product.
func TotalWithinTolerance(observed, expected, tolerance float64) bool {
	if expected <= 0 {
		return true
	}
	deviation := math.Abs(observed-expected) / expected
	return deviation <= tolerance
}
