package swiftbuy

import (
	"context"
	"encoding/json"
	"strings"
)

// FieldType is the canonical name of a checkout form field.
type FieldType string

const (
	FieldEmail        FieldType = "email"
	FieldFirstName    FieldType = "firstName"
	FieldLastName     FieldType = "lastName"
	FieldFullName     FieldType = "fullName"
	FieldStreet       FieldType = "street"
	FieldStreet2      FieldType = "street2"
	FieldCity         FieldType = "city"
	FieldRegion       FieldType = "region"
	FieldPostalCode   FieldType = "postalCode"
	FieldCountry      FieldType = "country"
	FieldPhone        FieldType = "phone"
	FieldCardNumber   FieldType = "cardNumber"
	FieldCardName     FieldType = "cardName"
	FieldCardExpiry   FieldType = "cardExpiry"
	FieldCardExpMonth FieldType = "cardExpMonth"
	FieldCardExpYear  FieldType = "cardExpYear"
	FieldCardCVV      FieldType = "cardCVV"
)

// shippingFields is the fixed fill order for non-payment fields. Country is
// handled first and separately because changing it can re-render the form.
var shippingFields = []FieldType{
	FieldEmail, FieldFirstName, FieldLastName, FieldFullName,
	FieldStreet, FieldStreet2, FieldCity, FieldRegion,
	FieldPostalCode, FieldPhone,
}

var paymentFields = []FieldType{
	FieldCardNumber, FieldCardName, FieldCardExpiry,
	FieldCardExpMonth, FieldCardExpYear, FieldCardCVV,
}

// formElement is the per-control metadata collected in one DOM pass.
type formElement struct {
	Tag          string `json:"tag"`
	Type         string `json:"type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Autocomplete string `json:"autocomplete"`
	Placeholder  string `json:"placeholder"`
	Label        string `json:"label"`
	AriaLabel    string `json:"aria_label"`
	Path         string `json:"path"`
	Value        string `json:"value"`
}

// formElementsJS collects every visible, enabled form control with the
// attributes the classifier needs, plus a structural CSS path as a selector
// of last resort.
const formElementsJS = `() => {
	const toText = (v) => String(v || "").trim().replace(/\s+/g, " ").slice(0, 160);
	const visible = (el) => {
		const style = window.getComputedStyle(el);
		if (!style || style.visibility === "hidden" || style.display === "none") return false;
		const r = el.getBoundingClientRect();
		return r.width > 1 && r.height > 1;
	};
	const cssEscape = (v) => {
		if (typeof CSS !== "undefined" && typeof CSS.escape === "function") return CSS.escape(String(v));
		return String(v).replace(/["\\]/g, "\\$&");
	};
	const pathFor = (el) => {
		const parts = [];
		let cur = el;
		while (cur && cur.nodeType === 1 && parts.length < 8) {
			const tag = cur.tagName.toLowerCase();
			if (cur.id) { parts.unshift(tag + "#" + cssEscape(cur.id)); break; }
			let idx = 1, sib = cur;
			while ((sib = sib.previousElementSibling)) {
				if (sib.tagName === cur.tagName) idx++;
			}
			parts.unshift(tag + ":nth-of-type(" + idx + ")");
			cur = cur.parentElement;
		}
		return parts.join(" > ");
	};
	const labelFor = (el) => {
		if (el.id) {
			const lab = document.querySelector('label[for="' + cssEscape(el.id) + '"]');
			if (lab) return toText(lab.innerText);
		}
		const wrap = el.closest("label");
		if (wrap) return toText(wrap.innerText);
		return "";
	};
	const out = [];
	for (const el of document.querySelectorAll("input, select, textarea")) {
		if (el.disabled || el.readOnly) continue;
		const type = toText(el.type).toLowerCase();
		if (type === "hidden" || type === "submit" || type === "button" || type === "image") continue;
		if (!visible(el)) continue;
		out.push({
			tag: el.tagName.toLowerCase(),
			type: type,
			id: toText(el.id),
			name: toText(el.name),
			autocomplete: toText(el.getAttribute("autocomplete")).toLowerCase(),
			placeholder: toText(el.placeholder),
			label: labelFor(el),
			aria_label: toText(el.getAttribute("aria-label")),
			path: pathFor(el),
			value: el.tagName.toLowerCase() === "select" || type === "checkbox" || type === "radio" ? "" : toText(el.value)
		});
	}
	return out;
}`

// DetectFields scans the current page's form controls and maps them to
// canonical field types. Best-effort: any internal failure yields an empty
// map, never an error. Re-run it after any DOM mutation; a map captured
// before a country change may point at elements that no longer exist.
func DetectFields(ctx context.Context, page Page) map[FieldType]string {
	elements, err := snapshotFormElements(ctx, page)
	if err != nil {
		return map[FieldType]string{}
	}
	return classifyFields(elements)
}

func snapshotFormElements(ctx context.Context, page Page) ([]formElement, error) {
	raw, err := page.Eval(ctx, formElementsJS)
	if err != nil {
		return nil, err
	}
	var elements []formElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

// classifyFields is pure: the same element list always yields the same map.
// First match per field type wins, so element order (document order) is the
// tie break.
func classifyFields(elements []formElement) map[FieldType]string {
	out := make(map[FieldType]string)
	for _, el := range elements {
		ft, ok := classifyElement(el)
		if !ok {
			continue
		}
		if _, taken := out[ft]; taken {
			continue
		}
		out[ft] = stableSelector(el)
	}
	return out
}

// classifyElement derives a field type from element metadata using the
// priority order: autocomplete attribute, name, placeholder, label text,
// aria-label. The first source that yields a match decides.
func classifyElement(el formElement) (FieldType, bool) {
	if ft, ok := fieldFromAutocomplete(el.Autocomplete); ok {
		return ft, true
	}
	if el.Type == "email" {
		return FieldEmail, true
	}
	if el.Type == "tel" {
		return FieldPhone, true
	}
	for _, source := range []string{el.Name, el.Placeholder, el.Label, el.AriaLabel} {
		if ft, ok := fieldFromHint(source); ok {
			return ft, true
		}
	}
	return "", false
}

// Standard autofill tokens, per the WHATWG autocomplete spec. Section
// prefixes like "shipping address-line1" are handled by matching the last
// token.
var autocompleteFields = map[string]FieldType{
	"email":          FieldEmail,
	"given-name":     FieldFirstName,
	"family-name":    FieldLastName,
	"name":           FieldFullName,
	"address-line1":  FieldStreet,
	"street-address": FieldStreet,
	"address-line2":  FieldStreet2,
	"address-level2": FieldCity,
	"address-level1": FieldRegion,
	"postal-code":    FieldPostalCode,
	"country":        FieldCountry,
	"country-name":   FieldCountry,
	"tel":            FieldPhone,
	"cc-number":      FieldCardNumber,
	"cc-name":        FieldCardName,
	"cc-exp":         FieldCardExpiry,
	"cc-exp-month":   FieldCardExpMonth,
	"cc-exp-year":    FieldCardExpYear,
	"cc-csc":         FieldCardCVV,
}

func fieldFromAutocomplete(value string) (FieldType, bool) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || value == "off" || value == "on" {
		return "", false
	}
	tokens := strings.Fields(value)
	ft, ok := autocompleteFields[tokens[len(tokens)-1]]
	return ft, ok
}

// hintPatterns maps free-text hints (names, placeholders, labels) to field
// types. Order matters: more specific patterns are listed before the
// substrings they contain (e.g. "last name" before "name").
var hintPatterns = []struct {
	field    FieldType
	patterns []string
}{
	{FieldEmail, []string{"email", "e-mail"}},
	{FieldCardNumber, []string{"card number", "cardnumber", "card_number", "ccnumber", "cc-number", "pan"}},
	{FieldCardCVV, []string{"cvv", "cvc", "csc", "security code", "securitycode"}},
	{FieldCardExpMonth, []string{"exp month", "expmonth", "expiry month", "exp_month"}},
	{FieldCardExpYear, []string{"exp year", "expyear", "expiry year", "exp_year"}},
	{FieldCardExpiry, []string{"expiration", "expiry", "exp date", "mm/yy", "mm / yy"}},
	{FieldCardName, []string{"name on card", "cardholder", "card holder", "card name"}},
	{FieldFirstName, []string{"first name", "firstname", "first_name", "fname", "given name"}},
	{FieldLastName, []string{"last name", "lastname", "last_name", "lname", "surname", "family name"}},
	{FieldStreet2, []string{"address 2", "address2", "address line 2", "apartment", "apt", "suite", "unit"}},
	{FieldStreet, []string{"address 1", "address1", "address line 1", "street", "address"}},
	{FieldCity, []string{"city", "town", "locality"}},
	{FieldRegion, []string{"state", "province", "region", "county"}},
	{FieldPostalCode, []string{"zip", "postal", "postcode", "post code"}},
	{FieldCountry, []string{"country"}},
	{FieldPhone, []string{"phone", "mobile", "telephone"}},
	{FieldFullName, []string{"full name", "fullname", "your name", "name"}},
}

func fieldFromHint(hint string) (FieldType, bool) {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return "", false
	}
	for _, entry := range hintPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(hint, p) {
				return entry.field, true
			}
		}
	}
	return "", false
}

// stableSelector builds a selector that survives losing the live element
// handle: id first, then name, then autocomplete, then the structural path.
func stableSelector(el formElement) string {
	if el.ID != "" {
		return "#" + cssEscapeGo(el.ID)
	}
	if el.Name != "" {
		return el.Tag + `[name="` + cssEscapeGo(el.Name) + `"]`
	}
	if el.Autocomplete != "" {
		return el.Tag + `[autocomplete="` + cssEscapeGo(el.Autocomplete) + `"]`
	}
	return el.Path
}

func cssEscapeGo(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
