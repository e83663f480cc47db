package swiftbuy

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// FillReport is the partial-friendly result of one Fast-Fill pass.
type FillReport struct {
	Filled        map[FieldType]string // field -> selector that worked
	Missed        []FieldType
	UsedSelectors map[FieldType]string
}

func (r *FillReport) filledCount() int { return len(r.Filled) }

// shippingComplete reports whether enough shipping fields landed that
// attempting payment fast-fill will not collide with oracle double-entry.
// The bar: at least threshold of the fields the page actually has, with at
// most maxMissing missing.
func (r *FillReport) shippingComplete(threshold float64, maxMissing int) bool {
	total := len(r.Filled) + len(r.Missed)
	if total == 0 {
		return false
	}
	if len(r.Missed) > maxMissing {
		return false
	}
	return float64(len(r.Filled))/float64(total) >= threshold
}

// FastFill fills checkout fields without oracle calls, using a four-source
// selector priority chain per field.
type FastFill struct {
	log *zap.Logger
}

func NewFastFill(log *zap.Logger) *FastFill {
	return &FastFill{log: log}
}

// contextValueFor maps a field type to the value from the checkout context.
// Empty string means the context has nothing for it and the field is
// skipped rather than missed.
func contextValueFor(ft FieldType, cc *CheckoutContext) string {
	switch ft {
	case FieldEmail:
		return cc.Buyer.Email
	case FieldFirstName:
		return cc.Buyer.FirstName
	case FieldLastName:
		return cc.Buyer.LastName
	case FieldFullName:
		return cc.Shipping.FullName
	case FieldStreet:
		return cc.Shipping.Street
	case FieldStreet2:
		return cc.Shipping.Street2
	case FieldCity:
		return cc.Shipping.City
	case FieldRegion:
		return cc.Shipping.Region
	case FieldPostalCode:
		return cc.Shipping.PostalCode
	case FieldCountry:
		return cc.Shipping.CountryCode
	case FieldPhone:
		return cc.Shipping.Phone
	case FieldCardNumber:
		return cc.Payment.Number
	case FieldCardName:
		return cc.Shipping.FullName
	case FieldCardExpiry:
		if cc.Payment.ExpiryMonth == "" || cc.Payment.ExpiryYear == "" {
			return ""
		}
		yy := cc.Payment.ExpiryYear
		if len(yy) == 4 {
			yy = yy[2:]
		}
		return cc.Payment.ExpiryMonth + "/" + yy
	case FieldCardExpMonth:
		return cc.Payment.ExpiryMonth
	case FieldCardExpYear:
		return cc.Payment.ExpiryYear
	case FieldCardCVV:
		return cc.Payment.CVV
	default:
		return ""
	}
}

// selectorCandidates builds the priority chain for one field: saved cache
// selector, freshly re-detected selector, originally detected selector,
// then the platform's hardcoded fallbacks. Duplicates collapse to the
// first occurrence so a selector is only tried once.
func selectorCandidates(ft FieldType, saved, fresh, original map[FieldType]string, platform Platform) []string {
	var out []string
	seen := make(map[string]struct{})
	push := func(sel string) {
		if sel == "" {
			return
		}
		if _, dup := seen[sel]; dup {
			return
		}
		seen[sel] = struct{}{}
		out = append(out, sel)
	}
	push(saved[ft])
	push(fresh[ft])
	push(original[ft])
	for _, sel := range platformSelectors[platform][ft] {
		push(sel)
	}
	return out
}

// Fill runs the shipping fast-fill pass: country first (its change can
// re-render the form), settle, fresh detection, then every remaining
// shipping field in fixed order. Never errors for a single missed field.
func (ff *FastFill) Fill(ctx context.Context, page Page, platform Platform, cc *CheckoutContext, saved map[FieldType]string) (*FillReport, error) {
	report := &FillReport{
		Filled:        make(map[FieldType]string),
		UsedSelectors: make(map[FieldType]string),
	}

	original := DetectFields(ctx, page)
	fresh := original

	// Country goes first: on most platforms changing it swaps out the
	// region selector and re-keys element identities.
	if value := contextValueFor(FieldCountry, cc); value != "" {
		candidates := selectorCandidates(FieldCountry, saved, fresh, original, platform)
		if sel, err := ff.fillField(ctx, page, FieldCountry, value, candidates); err == nil {
			report.Filled[FieldCountry] = sel
			report.UsedSelectors[FieldCountry] = sel
			if err := page.WaitSettle(ctx); err != nil {
				ff.log.Debug("settle after country change failed", zap.Error(err))
			}
			fresh = DetectFields(ctx, page)
		} else if len(candidates) > 0 {
			report.Missed = append(report.Missed, FieldCountry)
		}
	}

	return ff.fillTargets(ctx, page, platform, cc, saved, fresh, original, shippingFields, report)
}

// FillPayment attempts the card fields. The orchestrator only authorizes
// this once shipping proved materially complete; otherwise payment entry
// is left entirely to the oracle to avoid double-entry collisions.
func (ff *FastFill) FillPayment(ctx context.Context, page Page, platform Platform, cc *CheckoutContext, saved map[FieldType]string) (*FillReport, error) {
	report := &FillReport{
		Filled:        make(map[FieldType]string),
		UsedSelectors: make(map[FieldType]string),
	}
	fresh := DetectFields(ctx, page)
	return ff.fillTargets(ctx, page, platform, cc, saved, fresh, fresh, paymentFields, report)
}

func (ff *FastFill) fillTargets(ctx context.Context, page Page, platform Platform, cc *CheckoutContext, saved, fresh, original map[FieldType]string, targets []FieldType, report *FillReport) (*FillReport, error) {
	for _, ft := range targets {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		value := contextValueFor(ft, cc)
		if value == "" {
			continue
		}
		candidates := selectorCandidates(ft, saved, fresh, original, platform)
		if len(candidates) == 0 {
			continue
		}
		sel, err := ff.fillField(ctx, page, ft, value, candidates)
		if err != nil {
			report.Missed = append(report.Missed, ft)
			ff.log.Debug("fast-fill missed field", zap.String("field", string(ft)), zap.Error(err))
			continue
		}
		report.Filled[ft] = sel
		report.UsedSelectors[ft] = sel
	}
	return report, nil
}

// fillField tries each candidate selector until one takes the value.
func (ff *FastFill) fillField(ctx context.Context, page Page, ft FieldType, value string, candidates []string) (string, error) {
	var lastErr error
	for _, sel := range candidates {
		var err error
		if ft == FieldCountry || ft == FieldRegion {
			err = fillCountryLike(ctx, page, sel, value)
		} else {
			err = fillBySelector(ctx, page, sel, value)
		}
		if err == nil {
			return sel, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no selector candidates for %s", ft)
	}
	return "", lastErr
}

// fillBySelector sets a value on a native control and dispatches the
// input+change event pair. A plain value assignment is invisible to
// React/Vue checkout forms; the framework only notices the events.
const fillJS = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el) return "missing";
	if (el.disabled || el.readOnly) return "disabled";
	el.focus();
	const proto = el.tagName === "TEXTAREA" ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, "value");
	if (desc && desc.set) {
		desc.set.call(el, value);
	} else {
		el.value = value;
	}
	el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	el.blur();
	return el.value === value ? "ok" : "rejected";
}`

func fillBySelector(ctx context.Context, page Page, selector, value string) error {
	js := fmt.Sprintf(`() => (%s)(%s, %s)`, fillJS, jsString(selector), jsString(value))
	raw, err := page.Eval(ctx, js)
	if err != nil {
		return fmt.Errorf("fill eval failed for %s: %w", selector, err)
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("fill result unreadable for %s: %w", selector, err)
	}
	if status != "ok" {
		return fmt.Errorf("fill %s: %s", selector, status)
	}
	return nil
}

// selectOption drives a <select> through the fallback ladder: exact value,
// exact label, fuzzy substring on label, then forced value assignment with
// dispatched events for widgets that resist native selection.
const selectJS = `(sel, value) => {
	const el = document.querySelector(sel);
	if (!el) return "missing";
	if (el.tagName !== "SELECT") return "not-select";
	const fire = () => {
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
	};
	const lower = String(value).toLowerCase();
	for (const opt of el.options) {
		if (opt.value === value) { el.value = opt.value; fire(); return "ok"; }
	}
	for (const opt of el.options) {
		if (opt.label.trim().toLowerCase() === lower) { el.value = opt.value; fire(); return "ok"; }
	}
	for (const opt of el.options) {
		if (opt.label.toLowerCase().includes(lower) || String(opt.value).toLowerCase().includes(lower)) {
			el.value = opt.value; fire(); return "ok";
		}
	}
	el.value = value;
	fire();
	return el.value === value ? "ok" : "no-match";
}`

func selectOption(ctx context.Context, page Page, selector, value string) error {
	js := fmt.Sprintf(`() => (%s)(%s, %s)`, selectJS, jsString(selector), jsString(value))
	raw, err := page.Eval(ctx, js)
	if err != nil {
		return fmt.Errorf("select eval failed for %s: %w", selector, err)
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("select result unreadable for %s: %w", selector, err)
	}
	if status != "ok" && status != "not-select" {
		return fmt.Errorf("select %s: %s", selector, status)
	}
	if status == "not-select" {
		return fmt.Errorf("select %s: element is not a <select>", selector)
	}
	return nil
}

// fillCountryLike handles country/region controls: native <select> first,
// then plain input, then the free-text combobox last resort (focus, type,
// confirm with Enter).
func fillCountryLike(ctx context.Context, page Page, selector, value string) error {
	if err := selectOption(ctx, page, selector, value); err == nil {
		return nil
	}
	if err := fillBySelector(ctx, page, selector, value); err == nil {
		return nil
	}
	return comboBoxFill(ctx, page, selector, value)
}

func comboBoxFill(ctx context.Context, page Page, selector, value string) error {
	if err := clickBySelector(ctx, page, selector); err != nil {
		return err
	}
	if err := page.Type(ctx, value); err != nil {
		return err
	}
	return page.PressKey(ctx, "Enter")
}

// learnedSelectorsJS is the reverse lookup run after a verified success:
// every non-empty, visible, filled control yields its stable selector so
// the run's actual working selectors get persisted, regardless of whether
// fast-fill or the oracle filled them.
func LearnSelectorsFromPage(ctx context.Context, page Page) map[FieldType]string {
	elements, err := snapshotFormElements(ctx, page)
	if err != nil {
		return map[FieldType]string{}
	}
	out := make(map[FieldType]string)
	for _, el := range elements {
		if el.Value == "" {
			continue
		}
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
