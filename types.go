package swiftbuy

// Phase identifies a step of the checkout state machine.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseAddToCart  Phase = "add_to_cart"
	PhaseFormFill   Phase = "form_fill"
	PhaseReview     Phase = "review"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

func (p Phase) String() string { return string(p) }

// Product describes what is being bought and the price the order
// collaborator authorized.
type Product struct {
	URL           string
	Title         string
	ExpectedPrice float64
}

// PaymentInstrument is a pre-authorized card. It lives only in process
// memory for the duration of one run and is never persisted or logged.
type PaymentInstrument struct {
	Number      string
	CVV         string
	ExpiryMonth string
	ExpiryYear  string
}

// ShippingAddress is the delivery destination for the order.
type ShippingAddress struct {
	FullName   string
	Street     string
	Street2    string
	City       string
	Region     string
	PostalCode string
	// CountryCode is ISO 3166-1 alpha-2, e.g. "US".
	CountryCode string
	Phone       string
}

// BuyerProfile carries non-secret identity details used to fill forms.
type BuyerProfile struct {
	Email     string
	FirstName string
	LastName  string
	Sizes     map[string]string
	Notes     string
}

// CheckoutContext is the full input for one checkout attempt. Ephemeral;
// the payment instrument must never leak into the learning cache.
type CheckoutContext struct {
	Product  Product
	Payment  PaymentInstrument
	Shipping ShippingAddress
	Buyer    BuyerProfile

	// DryRun exercises the whole flow but never executes the final
	// purchase-committing action.
	DryRun bool
}

// DryRunOrderID is the sentinel retailer order ID reported for dry runs so
// callers can never mistake one for a real order.
const DryRunOrderID = "DRY-RUN"

// CheckoutResult is what the engine hands back to the order collaborator.
type CheckoutResult struct {
	RunID             string `json:"run_id"`
	Success           bool   `json:"success"`
	DryRun            bool   `json:"dry_run"`
	RetailerOrderID   string `json:"retailer_order_id,omitempty"`
	ConfirmationURL   string `json:"confirmation_url,omitempty"`
	ExecutionMs       int64  `json:"execution_ms"`
	DecisionCalls     int    `json:"decision_calls"`
	UsedSavedFlow     bool   `json:"used_saved_flow"`
	LearnedFieldCount int    `json:"learned_field_count"`
	Error             string `json:"error,omitempty"`
}
