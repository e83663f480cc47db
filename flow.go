package swiftbuy

import "time"

// FlowStatus marks whether a learned flow is still trusted. Deprecation is
// administrative only; the engine never deletes a flow on its own.
type FlowStatus string

const (
	FlowActive     FlowStatus = "active"
	FlowDeprecated FlowStatus = "deprecated"
)

// CheckoutFlow is the learned "how to check out here" record for one
// domain. It holds selector strings and recorded navigation only — payment
// values never enter it.
type CheckoutFlow struct {
	Domain         string               `json:"domain"`
	Platform       Platform             `json:"platform"`
	FormSelectors  map[FieldType]string `json:"form_selectors"`
	AddToCartSteps []RecordedStep       `json:"add_to_cart_steps"`
	SuccessCount   int                  `json:"success_count"`
	LastSuccessAt  time.Time            `json:"last_success_at"`
	Status         FlowStatus           `json:"status"`
}

// NewCheckoutFlow builds the record created on a domain's first verified
// success.
func NewCheckoutFlow(domain string, selectors map[FieldType]string, steps []RecordedStep, platform Platform) *CheckoutFlow {
	if platform == "" {
		platform = PlatformUnknown
	}
	return &CheckoutFlow{
		Domain:         domain,
		Platform:       platform,
		FormSelectors:  copySelectors(selectors),
		AddToCartSteps: steps,
		SuccessCount:   1,
		LastSuccessAt:  time.Now().UTC(),
		Status:         FlowActive,
	}
}

// MergeFlow folds one successful run into an existing record:
//   - a newly learned selector overwrites the stored one for that field
//     type (most recent learning event wins), others are preserved;
//   - a non-empty step sequence replaces the stored one wholesale;
//   - the success counter increments by exactly one.
//
// The overwrite-on-conflict policy means a selector learned from a flaky
// run can displace a reliable one; the cost is bounded because a bad
// selector only costs a Fast-Fill miss, never a wrong value.
func MergeFlow(existing *CheckoutFlow, selectors map[FieldType]string, steps []RecordedStep, platform Platform) *CheckoutFlow {
	merged := *existing
	merged.FormSelectors = copySelectors(existing.FormSelectors)
	for ft, sel := range selectors {
		if sel != "" {
			merged.FormSelectors[ft] = sel
		}
	}
	if len(steps) > 0 {
		merged.AddToCartSteps = steps
	}
	if platform != "" && platform != PlatformUnknown {
		merged.Platform = platform
	}
	merged.SuccessCount = existing.SuccessCount + 1
	merged.LastSuccessAt = time.Now().UTC()
	return &merged
}

// Usable reports whether the flow's recorded navigation is worth replaying.
func (f *CheckoutFlow) Usable() bool {
	return f != nil && f.Status == FlowActive && f.SuccessCount > 0
}

func copySelectors(in map[FieldType]string) map[FieldType]string {
	out := make(map[FieldType]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
