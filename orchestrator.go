package swiftbuy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine drives one checkout attempt through the three-phase pipeline.
// Every collaborator is injected so concurrent runs are fully isolated;
// the flow cache is the only state shared between them.
type Engine struct {
	cfg      *Config
	cache    FlowCache
	oracles  []Oracle
	sessions SessionFactory
	fastfill *FastFill
	log      *zap.Logger

	// sleep is swappable in tests so backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
	// watchInterval paces the session liveness watchdog.
	watchInterval time.Duration
}

// NewEngine wires the engine. cache may be nil to disable learning;
// oracles may be empty only if saved flows are expected to carry every run.
func NewEngine(cfg *Config, cache FlowCache, oracles []Oracle, sessions SessionFactory, log *zap.Logger) *Engine {
	if cache == nil {
		cache = NopFlowCache{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		cache:    cache,
		oracles:  oracles,
		sessions: sessions,
		fastfill: NewFastFill(log),
		log:      log,
		sleep:    sleepCtx,

		watchInterval: 2 * time.Second,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// budget is a wall-clock deadline that rate-limit sleeps push out, because
// provider-imposed waiting must not eat attempt-imposed time.
type budget struct {
	deadline time.Time
}

func newBudget(d time.Duration) *budget {
	return &budget{deadline: time.Now().Add(d)}
}

func (b *budget) expired() bool          { return time.Now().After(b.deadline) }
func (b *budget) extend(d time.Duration) { b.deadline = b.deadline.Add(d) }

// runState is the per-attempt mutable state threaded through the phases.
type runState struct {
	cc       *CheckoutContext
	page     Page
	domain   string
	platform Platform
	flow     *CheckoutFlow

	convo         Conversation
	decisionCalls int
	usedSavedFlow bool
	recorded      []RecordedStep
	learned       map[FieldType]string

	oracleIdx     int
	rateLimitHits int

	outer *budget
}

// ExecuteCheckout runs the full pipeline for one purchase. The returned
// result is always non-nil; failures carry a typed error both in
// result.Error and as the second return value.
func (e *Engine) ExecuteCheckout(ctx context.Context, cc *CheckoutContext) (*CheckoutResult, error) {
	start := time.Now()
	result := &CheckoutResult{
		RunID:  uuid.NewString(),
		DryRun: cc.DryRun,
	}
	log := e.log.With(zap.String("run_id", result.RunID))

	var sessionLost atomic.Bool
	fail := func(st *runState, err error) (*CheckoutResult, error) {
		if sessionLost.Load() {
			err = fmt.Errorf("%w (%v)", ErrSessionLost, err)
		}
		result.Error = err.Error()
		result.ExecutionMs = time.Since(start).Milliseconds()
		if st != nil {
			result.DecisionCalls = st.decisionCalls
			result.UsedSavedFlow = st.usedSavedFlow
		}
		log.Warn("checkout failed", zap.Error(err))
		return result, err
	}

	domain, err := domainOf(cc.Product.URL)
	if err != nil {
		return fail(nil, phaseErr(PhaseNotStarted, fmt.Errorf("invalid product url: %w", err)))
	}

	flow, _ := e.cache.Load(ctx, domain)
	if len(e.oracles) == 0 && !flow.Usable() {
		return fail(nil, phaseErr(PhaseNotStarted, ErrConfiguration))
	}

	// One browser session per attempt, torn down on every exit path. The
	// watchdog cancels the run if the user closes the browser mid-flight.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := e.sessions(runCtx)
	if err != nil {
		return fail(nil, phaseErr(PhaseNotStarted, err))
	}
	defer session.Close()
	go watchSession(runCtx, session, e.watchInterval, func() {
		sessionLost.Store(true)
		cancel()
	})

	st := &runState{
		cc:      cc,
		page:    session.Page(),
		domain:  domain,
		flow:    flow,
		learned: make(map[FieldType]string),
		outer:   newBudget(e.cfg.OuterDeadline()),
	}

	log.Info("checkout starting",
		zap.String("domain", domain),
		zap.Bool("dry_run", cc.DryRun),
		zap.Bool("saved_flow", flow.Usable()))

	if err := st.page.Navigate(runCtx, cc.Product.URL); err != nil {
		return fail(st, phaseErr(PhaseAddToCart, err))
	}
	if err := st.page.WaitSettle(runCtx); err != nil {
		log.Debug("initial settle failed", zap.Error(err))
	}

	st.platform, _ = DetectPlatform(runCtx, st.page)

	// Phase 1: reach the checkout form, by replay when we can.
	if err := e.runAddToCart(runCtx, st, log); err != nil {
		return fail(st, err)
	}

	// Phase 2: deterministic form filling, no oracle cost.
	report, err := e.runFormFill(runCtx, st, log)
	if err != nil {
		return fail(st, err)
	}

	// Phase 3: oracle finishes what fast-fill could not, then the
	// verifier has the last word.
	conf, err := e.runReview(runCtx, st, report, log)
	if err != nil {
		return fail(st, err)
	}

	result.Success = true
	result.DecisionCalls = st.decisionCalls
	result.UsedSavedFlow = st.usedSavedFlow
	result.LearnedFieldCount = len(st.learned)
	result.ExecutionMs = time.Since(start).Milliseconds()

	if cc.DryRun {
		result.RetailerOrderID = DryRunOrderID
		log.Info("dry run complete", zap.Int("decision_calls", st.decisionCalls))
		return result, nil
	}

	result.RetailerOrderID = conf.OrderID
	result.ConfirmationURL = conf.URL

	// The single cache write of the run: only after verified completion,
	// so cancellation can never leave a half-written flow behind.
	if err := e.cache.Save(ctx, st.domain, st.learned, st.recorded, st.platform); err != nil {
		log.Warn("failed to persist learned flow", zap.Error(err))
	}

	log.Info("checkout complete",
		zap.String("order_id", conf.OrderID),
		zap.Int("decision_calls", st.decisionCalls),
		zap.Int("learned_fields", len(st.learned)),
		zap.Int64("execution_ms", result.ExecutionMs))
	return result, nil
}

// runAddToCart is phase 1: saved-flow replay first, oracle-guided
// navigation as the fallback.
func (e *Engine) runAddToCart(ctx context.Context, st *runState, log *zap.Logger) error {
	if st.flow.Usable() && len(st.flow.AddToCartSteps) > 0 {
		if e.replaySavedFlow(ctx, st, log) {
			st.usedSavedFlow = true
			log.Info("saved flow replay reached checkout",
				zap.Int("steps", len(st.flow.AddToCartSteps)))
			return nil
		}
		// Replay failed partway; start over from the product page with
		// the oracle driving.
		if err := st.page.Navigate(ctx, st.cc.Product.URL); err != nil {
			return phaseErr(PhaseAddToCart, err)
		}
		_ = st.page.WaitSettle(ctx)
	}

	if len(e.oracles) == 0 {
		return phaseErr(PhaseAddToCart, ErrConfiguration)
	}

	instruction := fmt.Sprintf(
		"Reach the checkout form for this product: %q (%s). Add it to the cart and navigate to checkout. Do NOT fill any form field; stop acting once the checkout form with shipping fields is visible.",
		st.cc.Product.Title, st.cc.Product.URL)

	phase := newBudget(e.cfg.PhaseDeadline())
	for turn := 0; turn < e.cfg.MaxTurnsPerPhase; turn++ {
		if looksLikeCheckoutPage(ctx, st.page) {
			return nil
		}
		if err := e.checkBudgets(ctx, st, phase); err != nil {
			if ctx.Err() != nil {
				return phaseErr(PhaseAddToCart, err)
			}
			return phaseErr(PhaseAddToCart, fmt.Errorf("%w: %v", ErrNavigationTimeout, err))
		}

		outcome, err := e.propose(ctx, st, phase, instruction, log)
		if err != nil {
			return phaseErr(PhaseAddToCart, err)
		}

		switch outcome.Kind {
		case OutcomeAction:
			if err := e.executeAndRecord(ctx, st, outcome.Action, true, log); err != nil {
				// A failed oracle action is information, not death; tell
				// the oracle and let it try something else.
				st.convo.AddUser(fmt.Sprintf("That action failed: %v. Pick a different approach.", err), nil)
			}
		case OutcomeCompletion, OutcomeDryRunDone:
			// The oracle thinks it is done navigating; trust only the
			// page heuristic.
			if looksLikeCheckoutPage(ctx, st.page) {
				return nil
			}
			st.convo.AddUser("The checkout form is not visible yet. Keep navigating toward checkout.", nil)
		case OutcomeFailure:
			return phaseErr(PhaseAddToCart, fmt.Errorf("oracle reported: %s", outcome.Reason))
		}
	}

	if looksLikeCheckoutPage(ctx, st.page) {
		return nil
	}
	return phaseErr(PhaseAddToCart, ErrNavigationTimeout)
}

// replaySavedFlow executes the recorded add-to-cart script with template
// substitution. Returns true when the checkout heuristic is reached.
func (e *Engine) replaySavedFlow(ctx context.Context, st *runState, log *zap.Logger) bool {
	for i, step := range st.flow.AddToCartSteps {
		action := SubstituteTemplates(step.Action, st.cc)
		if err := ExecuteAction(ctx, st.page, action, st.cc.DryRun); err != nil {
			log.Info("saved flow replay failed, falling back to oracle",
				zap.Int("failing_step", i), zap.Error(err))
			return false
		}
		if err := st.page.WaitSettle(ctx); err != nil {
			log.Debug("settle during replay failed", zap.Error(err))
		}
	}
	// Keep the proven script for the post-run merge.
	st.recorded = st.flow.AddToCartSteps
	return looksLikeCheckoutPage(ctx, st.page)
}

// runFormFill is phase 2. It never calls the oracle; an incomplete fill
// only escalates more work into phase 3.
func (e *Engine) runFormFill(ctx context.Context, st *runState, log *zap.Logger) (*FillReport, error) {
	var saved map[FieldType]string
	if st.flow != nil {
		saved = st.flow.FormSelectors
		if st.flow.Platform != PlatformUnknown && st.platform == PlatformUnknown {
			st.platform = st.flow.Platform
		}
	}

	report, err := e.fastfill.Fill(ctx, st.page, st.platform, st.cc, saved)
	if err != nil {
		return report, phaseErr(PhaseFormFill, err)
	}

	if report.shippingComplete(e.cfg.ShippingFillThreshold, e.cfg.ShippingMaxMissing) {
		payReport, err := e.fastfill.FillPayment(ctx, st.page, st.platform, st.cc, saved)
		if err != nil {
			return report, phaseErr(PhaseFormFill, err)
		}
		for ft, sel := range payReport.Filled {
			report.Filled[ft] = sel
			report.UsedSelectors[ft] = sel
		}
		report.Missed = append(report.Missed, payReport.Missed...)
	} else {
		log.Info("shipping fill incomplete, leaving payment to the oracle",
			zap.Error(ErrFormFillIncomplete),
			zap.Int("filled", report.filledCount()),
			zap.Int("missed", len(report.Missed)))
	}

	for ft, sel := range report.UsedSelectors {
		st.learned[ft] = sel
	}

	log.Info("fast-fill pass done",
		zap.Int("filled", report.filledCount()),
		zap.Int("missed", len(report.Missed)),
		zap.String("platform", string(st.platform)))
	return report, nil
}

// runReview is phase 3: the oracle completes the form and submits; the
// verifier decides whether it actually worked.
func (e *Engine) runReview(ctx context.Context, st *runState, report *FillReport, log *zap.Logger) (Confirmation, error) {
	// Safety gate on entry: if a total is already visible and it is not
	// the price we were authorized for, stop before anything commits.
	if err := e.checkTotal(ctx, st); err != nil {
		return Confirmation{}, err
	}

	if len(e.oracles) == 0 {
		return Confirmation{}, phaseErr(PhaseReview, ErrConfiguration)
	}

	instruction := reviewInstruction(st.cc, report)
	phase := newBudget(e.cfg.PhaseDeadline())

	for turn := 0; turn < e.cfg.MaxTurnsPerPhase; turn++ {
		if err := e.checkBudgets(ctx, st, phase); err != nil {
			return Confirmation{}, phaseErr(PhaseReview, fmt.Errorf("review budget exceeded: %w", err))
		}

		outcome, err := e.propose(ctx, st, phase, instruction, log)
		if err != nil {
			return Confirmation{}, phaseErr(PhaseReview, err)
		}

		switch outcome.Kind {
		case OutcomeAction:
			if outcome.Action.Kind == ActionSubmit {
				// Last chance to stop a wrong order: the safety check
				// outranks everything the oracle believes.
				if err := e.checkTotal(ctx, st); err != nil {
					return Confirmation{}, err
				}
				// The form is complete right now; harvest its working
				// selectors before the confirmation page replaces it.
				e.harvestSelectors(ctx, st)
			}
			err := e.executeAndRecord(ctx, st, outcome.Action, false, log)
			if errors.Is(err, ErrDryRunSubmit) {
				log.Info("dry run reached the purchase-committing action and stopped")
				e.harvestSelectors(ctx, st)
				return Confirmation{}, nil
			}
			if err != nil {
				st.convo.AddUser(fmt.Sprintf("That action failed: %v. Pick a different approach.", err), nil)
			}
		case OutcomeDryRunDone:
			if !st.cc.DryRun {
				return Confirmation{}, phaseErr(PhaseReview, fmt.Errorf("oracle stopped as dry run but this is a real purchase"))
			}
			e.harvestSelectors(ctx, st)
			return Confirmation{}, nil
		case OutcomeCompletion:
			if st.cc.DryRun {
				// A completion claim under dry-run means the oracle may
				// have pressed submit anyway; the executor blocks the
				// submit class, so the claim is bogus. Treat it as done.
				return Confirmation{}, nil
			}
			conf := VerifyConfirmation(ctx, st.page)
			if !conf.Confirmed {
				return Confirmation{}, phaseErr(PhaseReview, ErrConfirmationNotDetected)
			}
			if conf.OrderID == "" {
				conf.OrderID = outcome.OrderID
			}
			return conf, nil
		case OutcomeFailure:
			return Confirmation{}, phaseErr(PhaseReview, fmt.Errorf("oracle reported: %s", outcome.Reason))
		}
	}

	return Confirmation{}, phaseErr(PhaseReview, fmt.Errorf("review turns exhausted without completion"))
}

func (e *Engine) checkTotal(ctx context.Context, st *runState) error {
	observed, visible := ObserveTotal(ctx, st.page)
	if !visible {
		return nil
	}
	if !TotalWithinTolerance(observed, st.cc.Product.ExpectedPrice, e.cfg.PriceTolerance) {
		return phaseErr(PhaseReview, fmt.Errorf("%w: observed %.2f, expected %.2f",
			ErrUnsafeTotal, observed, st.cc.Product.ExpectedPrice))
	}
	return nil
}

func (e *Engine) harvestSelectors(ctx context.Context, st *runState) {
	for ft, sel := range LearnSelectorsFromPage(ctx, st.page) {
		st.learned[ft] = sel
	}
}

// reviewInstruction is the explicit completion manifest: what is already
// filled (must not be re-typed) and what is still missing.
func reviewInstruction(cc *CheckoutContext, report *FillReport) string {
	var b strings.Builder
	b.WriteString("Complete this checkout and place the order.\n")

	if len(report.Filled) > 0 {
		b.WriteString("Already filled, do NOT re-type or clear these fields: ")
		b.WriteString(joinFieldTypes(sortedFieldKeys(report.Filled)))
		b.WriteString(".\n")
	}
	if len(report.Missed) > 0 {
		b.WriteString("Still missing, these MUST be filled: ")
		b.WriteString(joinFieldTypes(report.Missed))
		b.WriteString(".\n")
	}
	fmt.Fprintf(&b, "The authorized total is %.2f; if the page shows a materially different total, reply with an error instead of submitting.\n", cc.Product.ExpectedPrice)
	if cc.DryRun {
		b.WriteString("THIS IS A DRY RUN: do not press the final purchase button. When the order is ready to submit, reply with dry_run_complete and describe the page.\n")
	} else {
		b.WriteString("After submitting, reply done with the order number shown on the confirmation page.\n")
	}
	return b.String()
}

// propose handles one oracle round-trip: snapshot capture, rate-limit
// backoff with budget extension, pruning, and fallback to the next backend
// on a fatal error.
func (e *Engine) propose(ctx context.Context, st *runState, phase *budget, instruction string, log *zap.Logger) (Outcome, error) {
	snap, err := e.snapshot(ctx, st.page)
	if err != nil {
		return Outcome{}, fmt.Errorf("snapshot failed: %w", err)
	}

	for {
		if st.oracleIdx >= len(e.oracles) {
			return Outcome{}, fmt.Errorf("%w: all backends exhausted", ErrOracleAPI)
		}
		oracle := e.oracles[st.oracleIdx]

		outcome, err := oracle.Propose(ctx, snap, instruction, &st.convo)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			if isFatalOracleErr(err) && st.oracleIdx+1 < len(e.oracles) {
				st.oracleIdx++
				log.Warn("oracle backend failed, falling back",
					zap.String("failed", oracle.Name()),
					zap.String("next", e.oracles[st.oracleIdx].Name()),
					zap.Error(err))
				continue
			}
			return Outcome{}, err
		}

		if outcome.Kind == OutcomeRateLimited {
			st.rateLimitHits++
			if st.rateLimitHits > e.cfg.RateLimitRetryCap {
				return Outcome{}, ErrOracleRateLimited
			}
			wait := outcome.RetryAfter
			if wait <= 0 {
				wait = defaultRateLimitRetry
			}
			// Provider-imposed waiting is free: push both deadlines out.
			st.outer.extend(wait)
			phase.extend(wait)
			log.Info("oracle rate limited, backing off",
				zap.Duration("wait", wait), zap.Int("hits", st.rateLimitHits))
			if err := e.sleep(ctx, wait); err != nil {
				return Outcome{}, err
			}
			continue
		}

		// 429 round-trips and dead backends never reach this point, so
		// the count reflects decisions, not attempts.
		st.decisionCalls++
		st.convo.AddUser(instruction, snap.Screenshot)
		if outcome.Narrative != "" {
			st.convo.AddAssistant(outcome.Narrative)
		} else {
			st.convo.AddAssistant(outcome.Action.String())
		}
		st.convo.Prune(e.cfg.KeepScreenshots)
		return outcome, nil
	}
}

// executeAndRecord runs one oracle action. Only navigation actions (phase
// 1) are recorded into the replayable script; review-phase actions touch
// form values and never belong in it.
func (e *Engine) executeAndRecord(ctx context.Context, st *runState, action Action, record bool, log *zap.Logger) error {
	if err := ExecuteAction(ctx, st.page, action, st.cc.DryRun); err != nil {
		return err
	}
	if err := st.page.WaitSettle(ctx); err != nil {
		log.Debug("settle after action failed", zap.Error(err))
	}
	if !record {
		return nil
	}

	// Record with values templatized so the script replays for any buyer
	// and no literal context value is persisted.
	recordable := action
	recordable.Value = TemplatizeValue(recordable.Value, st.cc)
	resultURL, _ := st.page.URL(ctx)
	st.recorded = append(st.recorded, RecordedStep{
		Action:       recordable,
		ResultingURL: resultURL,
		Timestamp:    time.Now().UTC(),
	})
	return nil
}

func (e *Engine) checkBudgets(ctx context.Context, st *runState, phase *budget) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.outer.expired() {
		return fmt.Errorf("outer deadline exceeded")
	}
	if phase.expired() {
		return fmt.Errorf("phase deadline exceeded")
	}
	return nil
}

// checkoutURLTokens and the field heuristic decide "are we on the checkout
// form yet". Either signal alone is enough.
var checkoutURLTokens = []string{"/checkout", "/checkouts/", "/kasse", "/caisse"}

func looksLikeCheckoutPage(ctx context.Context, page Page) bool {
	if pageURL, err := page.URL(ctx); err == nil {
		lower := strings.ToLower(pageURL)
		for _, token := range checkoutURLTokens {
			if strings.Contains(lower, token) {
				return true
			}
		}
	}
	fields := DetectFields(ctx, page)
	score := 0
	for _, ft := range []FieldType{FieldStreet, FieldPostalCode, FieldCity, FieldCardNumber, FieldEmail} {
		if _, ok := fields[ft]; ok {
			score++
		}
	}
	return score >= 3
}

// snapshot captures what the oracle sees for one turn: screenshot, URL and
// a compact text rendering of interactive elements.
func (e *Engine) snapshot(ctx context.Context, page Page) (Snapshot, error) {
	pageURL, err := page.URL(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		URL:        pageURL,
		Screenshot: shot,
		Elements:   interactiveSummary(ctx, page),
	}, nil
}

// interactiveSummaryJS lists clickable/typable elements with coordinates so
// text-only reasoning still has something to act on.
const interactiveSummaryJS = `() => {
	const toText = (v) => String(v || "").trim().replace(/\s+/g, " ").slice(0, 80);
	const lines = [];
	const els = document.querySelectorAll("a, button, input, select, textarea, [role='button']");
	for (const el of els) {
		const style = window.getComputedStyle(el);
		if (!style || style.visibility === "hidden" || style.display === "none") continue;
		const r = el.getBoundingClientRect();
		if (r.width < 2 || r.height < 2) continue;
		const tag = el.tagName.toLowerCase();
		const label = toText(el.innerText || el.value || el.placeholder || el.getAttribute("aria-label"));
		const id = el.id ? "#" + el.id : (el.name ? "[name=" + el.name + "]" : "");
		lines.push(tag + id + " '" + label + "' @(" + Math.round(r.left + r.width / 2) + "," + Math.round(r.top + r.height / 2) + ")");
		if (lines.length >= 120) break;
	}
	return lines.join("\n");
}`

func interactiveSummary(ctx context.Context, page Page) string {
	raw, err := page.Eval(ctx, interactiveSummaryJS)
	if err != nil {
		return ""
	}
	var summary string
	if err := json.Unmarshal(raw, &summary); err != nil {
		return ""
	}
	return summary
}

func watchSession(ctx context.Context, session Session, interval time.Duration, onLost func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !session.Alive() {
				onLost()
				return
			}
		}
	}
}

func domainOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("url has no host: %s", rawURL)
	}
	return strings.TrimPrefix(host, "www."), nil
}

func sortedFieldKeys(m map[FieldType]string) []FieldType {
	out := make([]FieldType, 0, len(m))
	for _, ft := range append(append([]FieldType{FieldCountry}, shippingFields...), paymentFields...) {
		if _, ok := m[ft]; ok {
			out = append(out, ft)
		}
	}
	return out
}

func joinFieldTypes(fts []FieldType) string {
	parts := make([]string, len(fts))
	for i, ft := range fts {
		parts[i] = string(ft)
	}
	return strings.Join(parts, ", ")
}
