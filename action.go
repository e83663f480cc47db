package swiftbuy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionKind tags the Action variant.
type ActionKind string

const (
	ActionClick  ActionKind = "click"
	ActionFill   ActionKind = "fill"
	ActionSelect ActionKind = "select"
	ActionKey    ActionKind = "key"
	ActionScroll ActionKind = "scroll"
	ActionWait   ActionKind = "wait"
	// ActionSubmit is the purchase-committing click. It is the only action
	// class suppressed under dry-run.
	ActionSubmit ActionKind = "submit"
)

// Action is one replayable browser step. Every variant carries enough to be
// replayed without re-deriving page state.
type Action struct {
	Kind ActionKind `json:"kind"`

	// click / submit
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	// fill / select / submit (selector form)
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`

	// key
	Combo string `json:"combo,omitempty"`

	// scroll
	DX float64 `json:"dx,omitempty"`
	DY float64 `json:"dy,omitempty"`

	// wait
	Ms int `json:"ms,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case ActionClick, ActionSubmit:
		if a.Selector != "" {
			return fmt.Sprintf("%s %s", a.Kind, a.Selector)
		}
		return fmt.Sprintf("%s (%.0f,%.0f)", a.Kind, a.X, a.Y)
	case ActionFill, ActionSelect:
		return fmt.Sprintf("%s %s", a.Kind, a.Selector)
	case ActionKey:
		return fmt.Sprintf("key %s", a.Combo)
	case ActionScroll:
		return fmt.Sprintf("scroll (%.0f,%.0f)", a.DX, a.DY)
	case ActionWait:
		return fmt.Sprintf("wait %dms", a.Ms)
	default:
		return string(a.Kind)
	}
}

// RecordedStep is one entry of a learned add-to-cart script.
type RecordedStep struct {
	Action       Action    `json:"action"`
	ResultingURL string    `json:"resulting_url"`
	Timestamp    time.Time `json:"timestamp"`
}

// ErrDryRunSubmit is returned when a submit-class action reaches the
// executor under dry-run. It marks the point a real run would commit.
var ErrDryRunSubmit = fmt.Errorf("submit suppressed: dry run")

// ExecuteAction dispatches one action against the page. The switch is
// exhaustive over ActionKind; unknown kinds are an error rather than a
// silent no-op so a corrupted recorded flow fails loudly.
func ExecuteAction(ctx context.Context, page Page, a Action, dryRun bool) error {
	switch a.Kind {
	case ActionClick:
		if a.Selector != "" {
			return clickBySelector(ctx, page, a.Selector)
		}
		return page.Click(ctx, a.X, a.Y)
	case ActionSubmit:
		if dryRun {
			return ErrDryRunSubmit
		}
		if a.Selector != "" {
			return clickBySelector(ctx, page, a.Selector)
		}
		return page.Click(ctx, a.X, a.Y)
	case ActionFill:
		return fillBySelector(ctx, page, a.Selector, a.Value)
	case ActionSelect:
		return selectOption(ctx, page, a.Selector, a.Value)
	case ActionKey:
		return page.PressKey(ctx, a.Combo)
	case ActionScroll:
		return page.Scroll(ctx, a.DX, a.DY)
	case ActionWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(a.Ms) * time.Millisecond):
			return nil
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// clickBySelector resolves the element center and clicks through the real
// mouse path so event order matches a human click.
func clickBySelector(ctx context.Context, page Page, selector string) error {
	js := fmt.Sprintf(`() => {
		const el = document.querySelector(%s);
		if (!el) return null;
		el.scrollIntoView({block: "center"});
		const r = el.getBoundingClientRect();
		return {x: r.left + r.width / 2, y: r.top + r.height / 2};
	}`, jsString(selector))

	raw, err := page.Eval(ctx, js)
	if err != nil {
		return fmt.Errorf("failed to locate %s: %w", selector, err)
	}
	var pt *struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &pt); err != nil || pt == nil {
		return fmt.Errorf("element not found: %s", selector)
	}
	return page.Click(ctx, pt.X, pt.Y)
}

// templateVars maps template tokens to context values at replay time, so
// recorded flows stay portable across buyers. Payment secrets deliberately
// have no tokens; they are never recorded.
func templateVars(cc *CheckoutContext) map[string]string {
	return map[string]string{
		"email":      cc.Buyer.Email,
		"firstName":  cc.Buyer.FirstName,
		"lastName":   cc.Buyer.LastName,
		"fullName":   cc.Shipping.FullName,
		"street":     cc.Shipping.Street,
		"street2":    cc.Shipping.Street2,
		"city":       cc.Shipping.City,
		"region":     cc.Shipping.Region,
		"postalCode": cc.Shipping.PostalCode,
		"country":    cc.Shipping.CountryCode,
		"phone":      cc.Shipping.Phone,
		"productURL": cc.Product.URL,
	}
}

// SubstituteTemplates resolves {{token}} placeholders in an action's value
// fields against the current checkout context.
func SubstituteTemplates(a Action, cc *CheckoutContext) Action {
	vars := templateVars(cc)
	a.Value = substituteString(a.Value, vars)
	a.Selector = substituteString(a.Selector, vars)
	return a
}

// TemplatizeValue replaces a literal context value with its template token
// before a step is recorded, when the value matches exactly.
func TemplatizeValue(value string, cc *CheckoutContext) string {
	if value == "" {
		return value
	}
	for token, v := range templateVars(cc) {
		if v != "" && v == value {
			return "{{" + token + "}}"
		}
	}
	return value
}

func substituteString(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	for token, v := range vars {
		s = strings.ReplaceAll(s, "{{"+token+"}}", v)
	}
	return s
}

// jsString encodes a Go string as a JS string literal, keeping selectors
// with quotes or backslashes safe to embed in Eval expressions.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
