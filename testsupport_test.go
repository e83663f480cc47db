package swiftbuy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// pageStage is one frozen state of the fake page. Clicking advances to the
// next stage, which is how the fakes model navigation.
type pageStage struct {
	url       string
	elements  []formElement
	bodyText  string
	totalText string
	markup    string
	clickable map[string]bool
}

type fakePage struct {
	mu     sync.Mutex
	stages []*pageStage
	idx    int

	clicks int
	typed  []string
	keys   []string
	navs   []string
}

func newFakePage(stages ...*pageStage) *fakePage {
	return &fakePage{stages: stages}
}

func (p *fakePage) stage() *pageStage {
	return p.stages[p.idx]
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navs = append(p.navs, url)
	for i, st := range p.stages {
		if st.url == url {
			p.idx = i
			break
		}
	}
	return nil
}

func (p *fakePage) WaitSettle(context.Context) error { return nil }

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

var evalTailArgs = regexp.MustCompile(`\)\((.+)\)\s*$`)
var evalQuerySel = regexp.MustCompile(`document\.querySelector\((".*")\);`)

func (p *fakePage) Eval(_ context.Context, js string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stage()

	switch {
	case strings.Contains(js, `document.querySelectorAll("input, select, textarea")`):
		return json.Marshal(st.elements)

	case strings.Contains(js, `[role='button']`):
		return json.Marshal("")

	case strings.Contains(js, `[class*='total' i]`):
		return json.Marshal(st.totalText)

	case strings.Contains(js, `document.body ? document.body.innerText`):
		return json.Marshal(st.bodyText)

	case strings.Contains(js, "outerHTML"):
		return json.Marshal(st.markup)

	case strings.Contains(js, "HTMLInputElement.prototype"):
		sel, value, ok := evalFillArgs(js)
		if !ok {
			return nil, fmt.Errorf("unparseable fill eval: %s", js)
		}
		el := st.find(sel)
		if el == nil {
			return json.Marshal("missing")
		}
		if el.Tag == "select" {
			return json.Marshal("rejected")
		}
		el.Value = value
		return json.Marshal("ok")

	case strings.Contains(js, `el.tagName !== "SELECT"`):
		sel, value, ok := evalFillArgs(js)
		if !ok {
			return nil, fmt.Errorf("unparseable select eval: %s", js)
		}
		el := st.find(sel)
		if el == nil {
			return json.Marshal("missing")
		}
		if el.Tag != "select" {
			return json.Marshal("not-select")
		}
		el.Value = value
		return json.Marshal("ok")

	case strings.Contains(js, "getBoundingClientRect"):
		m := evalQuerySel.FindStringSubmatch(js)
		if m == nil {
			return nil, fmt.Errorf("unparseable click eval: %s", js)
		}
		var sel string
		if err := json.Unmarshal([]byte(m[1]), &sel); err != nil {
			return nil, err
		}
		if st.clickable[sel] {
			return json.Marshal(map[string]float64{"x": 10, "y": 10})
		}
		return json.Marshal(nil)
	}
	return nil, fmt.Errorf("fake page has no handler for eval: %s", js)
}

// evalFillArgs recovers the two JSON string arguments from the trailing
// `)(sel, value)` of a wrapped fill/select expression.
func evalFillArgs(js string) (sel, value string, ok bool) {
	m := evalTailArgs.FindStringSubmatch(strings.TrimSpace(js))
	if m == nil {
		return "", "", false
	}
	var args []string
	if err := json.Unmarshal([]byte("["+m[1]+"]"), &args); err != nil || len(args) != 2 {
		return "", "", false
	}
	return args[0], args[1], true
}

func (p *fakePage) Click(context.Context, float64, float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks++
	if p.idx+1 < len(p.stages) {
		p.idx++
	}
	return nil
}

func (p *fakePage) Type(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, text)
	return nil
}

func (p *fakePage) PressKey(_ context.Context, combo string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, combo)
	return nil
}

func (p *fakePage) Scroll(context.Context, float64, float64) error { return nil }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage().url, nil
}

func (st *pageStage) find(sel string) *formElement {
	for i := range st.elements {
		el := &st.elements[i]
		if stableSelector(*el) == sel {
			return el
		}
		if el.ID != "" && sel == "#"+el.ID {
			return el
		}
	}
	return nil
}

type fakeSession struct {
	page   *fakePage
	dead   bool
	closed bool
}

func (s *fakeSession) Page() Page  { return s.page }
func (s *fakeSession) Alive() bool { return !s.dead }
func (s *fakeSession) Close()      { s.closed = true }

func fakeFactory(page *fakePage, calls *int) SessionFactory {
	return func(context.Context) (Session, error) {
		if calls != nil {
			*calls++
		}
		return &fakeSession{page: page}, nil
	}
}

// scriptedOracle replays a fixed outcome sequence. Exhausting the script
// fails the run loudly so a test that loops too long is visible.
type scriptedOracle struct {
	name  string
	steps []scriptedStep
	calls int
}

type scriptedStep struct {
	out Outcome
	err error
}

func (o *scriptedOracle) Name() string { return o.name }

func (o *scriptedOracle) Propose(context.Context, Snapshot, string, *Conversation) (Outcome, error) {
	o.calls++
	if o.calls > len(o.steps) {
		return Outcome{Kind: OutcomeFailure, Reason: "oracle script exhausted"}, nil
	}
	step := o.steps[o.calls-1]
	return step.out, step.err
}

// memFlowCache applies the same merge semantics as the real stores but in
// a map, and counts writes.
type memFlowCache struct {
	flows map[string]*CheckoutFlow
	saves int
}

func newMemFlowCache() *memFlowCache {
	return &memFlowCache{flows: make(map[string]*CheckoutFlow)}
}

func (c *memFlowCache) Load(_ context.Context, domain string) (*CheckoutFlow, error) {
	return c.flows[domain], nil
}

func (c *memFlowCache) Save(_ context.Context, domain string, selectors map[FieldType]string, steps []RecordedStep, platform Platform) error {
	c.saves++
	if existing := c.flows[domain]; existing != nil {
		c.flows[domain] = MergeFlow(existing, selectors, steps, platform)
	} else {
		c.flows[domain] = NewCheckoutFlow(domain, selectors, steps, platform)
	}
	return nil
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.OuterDeadlineSeconds = 60
	cfg.PhaseDeadlineSeconds = 30
	cfg.MaxTurnsPerPhase = 8
	cfg.RateLimitRetryCap = 2
	cfg.PriceTolerance = 0.18
	return cfg
}

func newTestEngine(cfg *Config, cache FlowCache, oracles []Oracle, factory SessionFactory) (*Engine, *[]time.Duration) {
	e := NewEngine(cfg, cache, oracles, factory, zap.NewNop())
	slept := &[]time.Duration{}
	e.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return e, slept
}

// productStage and checkoutStage build the canonical two-step storefront
// used across the pipeline tests.
func productStage() *pageStage {
	return &pageStage{
		url:       "https://shop.example/products/widget",
		bodyText:  "Widget. Add to cart.",
		clickable: map[string]bool{"#add-to-cart": true},
	}
}

func checkoutStage(total string) *pageStage {
	return &pageStage{
		url:       "https://shop.example/checkout",
		bodyText:  "Shipping address\nPayment",
		totalText: total,
		clickable: map[string]bool{"#place-order": true},
		elements: []formElement{
			{Tag: "input", Type: "email", ID: "email", Autocomplete: "email"},
			{Tag: "input", Type: "text", ID: "first-name", Autocomplete: "given-name"},
			{Tag: "input", Type: "text", ID: "last-name", Autocomplete: "family-name"},
			{Tag: "input", Type: "text", ID: "address1", Autocomplete: "address-line1"},
			{Tag: "input", Type: "text", ID: "city", Autocomplete: "address-level2"},
			{Tag: "input", Type: "text", ID: "zip", Autocomplete: "postal-code"},
			{Tag: "select", Type: "", ID: "country", Autocomplete: "country"},
			{Tag: "input", Type: "tel", ID: "phone", Autocomplete: "tel"},
			{Tag: "input", Type: "text", ID: "card-number", Autocomplete: "cc-number"},
			{Tag: "input", Type: "text", ID: "card-expiry", Autocomplete: "cc-exp"},
			{Tag: "input", Type: "text", ID: "card-cvv", Autocomplete: "cc-csc"},
		},
	}
}

func confirmationStage() *pageStage {
	return &pageStage{
		url:      "https://shop.example/orders/confirmation?id=9281",
		bodyText: "Thank you for your order!\nOrder #ORD-9281 is confirmed.",
	}
}

func testContext(dryRun bool) *CheckoutContext {
	return &CheckoutContext{
		Product: Product{
			URL:           "https://shop.example/products/widget",
			Title:         "Widget",
			ExpectedPrice: 50.00,
		},
		Payment: PaymentInstrument{
			Number:      "4242424242424242",
			CVV:         "123",
			ExpiryMonth: "09",
			ExpiryYear:  "2028",
		},
		Shipping: ShippingAddress{
			FullName:    "Ada Example",
			Street:      "1 Main St",
			City:        "Springfield",
			Region:      "CA",
			PostalCode:  "90210",
			CountryCode: "US",
			Phone:       "+1 555 0100",
		},
		Buyer: BuyerProfile{
			Email:     "ada@example.com",
			FirstName: "Ada",
			LastName:  "Example",
		},
		DryRun: dryRun,
	}
}
