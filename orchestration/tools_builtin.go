// Built-in tools. Every orchestrator created through the factory carries
// this set unless WithoutBuiltins is used. External effects go through the
// narrow interfaces in BuiltinDeps so deployments can swap in real payment
// processors, mailers, and databases while tests inject fakes.
package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandflow/strand/core"
	"github.com/strandflow/strand/telemetry"
)

// maxHTTPResponseBytes bounds how much of a response body http_request
// reads into the step output.
const maxHTTPResponseBytes = 4 << 20

// QueryRunner executes database queries for the database_query tool.
type QueryRunner interface {
	Query(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error)
}

// EmailSender delivers mail for the email_send tool.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// PaymentGateway charges and refunds payments for the payment_* and refund
// tools. Implementations must make Refund idempotent per payment id.
type PaymentGateway interface {
	Charge(ctx context.Context, provider string, amount float64, currency string, meta map[string]interface{}) (*ChargeResult, error)
	Refund(ctx context.Context, paymentID string, amount float64, reason string) (*RefundResult, error)
}

// ChargeResult is the gateway's record of a completed charge.
type ChargeResult struct {
	PaymentID string  `json:"payment_id"`
	Provider  string  `json:"provider"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Status    string  `json:"status"`
}

// RefundResult is the gateway's record of a refund.
type RefundResult struct {
	RefundID  string  `json:"refund_id"`
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
	Status    string  `json:"status"`
}

// ApprovalRequest is handed to the ApprovalDecider when an approval_human
// step runs.
type ApprovalRequest struct {
	ExecutionID string
	StepID      string
	TenantID    string
	UserID      string
	Approver    string
	Reason      string
	Amount      float64
}

// ApprovalDecision is the decider's verdict.
type ApprovalDecision struct {
	Approved bool
	Approver string
	Comment  string
}

// ApprovalDecider resolves human approval requests. Production deployments
// wire this to a ticketing or chat integration; the default approves
// everything, which is only sane for development.
type ApprovalDecider interface {
	Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// BuiltinDeps carries the external collaborators of the built-in tools.
// Every field is optional; zero values get development-grade defaults.
type BuiltinDeps struct {
	HTTPClient *http.Client    // defaults to a trace-propagating client
	Queries    QueryRunner     // no default, database_query fails without one
	Email      EmailSender     // defaults to a logging sender
	Gateway    PaymentGateway  // defaults to the simulated gateway
	Approvals  ApprovalDecider // defaults to auto-approval
	Clock      core.Clock      // defaults to the system clock
	Logger     core.Logger
}

// RegisterBuiltins registers the built-in tool set on the registry.
func RegisterBuiltins(registry *ToolRegistry, deps BuiltinDeps) error {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = telemetry.NewTracedHTTPClient(nil)
	}
	if deps.Gateway == nil {
		deps.Gateway = NewSimulatedGateway()
	}
	if deps.Approvals == nil {
		deps.Approvals = AutoApprover{}
	}
	if deps.Email == nil {
		deps.Email = &logEmailSender{logger: deps.Logger}
	}
	if deps.Clock == nil {
		deps.Clock = core.SystemClock{}
	}

	tools := []Tool{
		&triggerTool{id: "manual_trigger", description: "Starts an execution on explicit request", source: "manual"},
		&triggerTool{id: "webhook_trigger", description: "Starts an execution from an inbound webhook", source: "webhook"},
		&triggerTool{id: "schedule_trigger", description: "Starts an execution on a schedule", source: "schedule"},
		&httpRequestTool{client: deps.HTTPClient},
		&databaseQueryTool{runner: deps.Queries},
		newPaymentTool("payment_stripe", "stripe", deps.Gateway),
		newPaymentTool("payment_coinbase", "coinbase", deps.Gateway),
		newPaymentTool("payment_bank", "bank", deps.Gateway),
		&refundTool{gateway: deps.Gateway},
		&emailSendTool{sender: deps.Email},
		&approvalHumanTool{decider: deps.Approvals},
		&approvalBudgetTool{},
		&conditionCompareTool{},
		&delayTool{clock: deps.Clock},
		&loopCounterTool{},
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// triggerTool backs the three trigger kinds. A trigger has no effect of its
// own; it records how the execution started. The trigger payload itself is
// already in the variable store under "trigger".
type triggerTool struct {
	id          string
	description string
	source      string
}

func (t *triggerTool) Meta() ToolMeta {
	var params []ParamSpec
	switch t.id {
	case "webhook_trigger":
		params = []ParamSpec{
			{Name: "path", Type: "string", Description: "Webhook path the trigger listens on"},
		}
	case "schedule_trigger":
		params = []ParamSpec{
			{Name: "cron", Type: "string", Description: "Cron expression the schedule fires on"},
		}
	}
	return ToolMeta{
		ID:          t.id,
		Description: t.description,
		Params:      params,
		Idempotent:  true,
	}
}

func (t *triggerTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	output := map[string]interface{}{
		"triggered": true,
		"source":    t.source,
	}
	if path := paramString(params, "path"); path != "" {
		output["path"] = path
	}
	if cron := paramString(params, "cron"); cron != "" {
		output["cron"] = cron
	}
	return output, nil
}

// httpRequestTool performs an outbound HTTP call. Responses with status 400
// and above fail the step so error policies apply.
type httpRequestTool struct {
	client *http.Client
}

func (t *httpRequestTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "http_request",
		Description: "Performs an HTTP request and captures the response",
		Params: []ParamSpec{
			{Name: "url", Type: "string", Required: true},
			{Name: "method", Type: "string", Default: "GET",
				Enum: []interface{}{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			{Name: "headers", Type: "object"},
			{Name: "body", Description: "Request body, objects are sent as JSON"},
		},
		CostPerCall: 0.001,
	}
}

func (t *httpRequestTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	url := paramString(params, "url")
	method := strings.ToUpper(paramStringOr(params, "method", "GET"))

	var reqBody io.Reader
	sendJSON := false
	if raw, ok := params["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			reqBody = strings.NewReader(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("http_request body is not serializable: %w", err)
			}
			reqBody = bytes.NewReader(encoded)
			sendJSON = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	if sendJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range paramMap(params, "headers") {
		req.Header.Set(name, stringifyValue(value))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	var parsed interface{}
	if json.Unmarshal(data, &parsed) != nil {
		parsed = string(data)
	}

	headers := make(map[string]interface{}, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	output := map[string]interface{}{
		"status":  resp.StatusCode,
		"body":    parsed,
		"headers": headers,
	}
	if resp.StatusCode >= 400 {
		return output, &core.FrameworkError{
			Op:      "tools.http_request",
			Kind:    core.KindToolExecution,
			Message: fmt.Sprintf("%s %s returned status %d", method, url, resp.StatusCode),
		}
	}
	return output, nil
}

// databaseQueryTool runs a query through the injected QueryRunner.
type databaseQueryTool struct {
	runner QueryRunner
}

func (t *databaseQueryTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "database_query",
		Description: "Executes a database query and returns the rows",
		Params: []ParamSpec{
			{Name: "query", Type: "string", Required: true},
			{Name: "args", Type: "array"},
		},
		CostPerCall: 0.002,
	}
}

func (t *databaseQueryTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	if t.runner == nil {
		return nil, &core.FrameworkError{
			Op:      "tools.database_query",
			Kind:    core.KindValidation,
			Message: "no query runner configured",
			Err:     core.ErrMissingConfiguration,
		}
	}

	rows, err := t.runner.Query(ctx, paramString(params, "query"), paramSlice(params, "args"))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	results := make([]interface{}, len(rows))
	for i, row := range rows {
		results[i] = row
	}
	return map[string]interface{}{
		"rows":  results,
		"count": len(rows),
	}, nil
}

// paymentTool charges through one provider. Payment tools are payment class,
// non-idempotent, and rollbackable: a retry may double-charge, a rollback
// refunds through the gateway.
type paymentTool struct {
	id       string
	provider string
	gateway  PaymentGateway
}

var _ RollbackableTool = (*paymentTool)(nil)

func newPaymentTool(id, provider string, gateway PaymentGateway) *paymentTool {
	return &paymentTool{id: id, provider: provider, gateway: gateway}
}

func (t *paymentTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          t.id,
		Description: fmt.Sprintf("Charges a payment through %s", t.provider),
		Params: []ParamSpec{
			{Name: "amount", Type: "number", Required: true},
			{Name: "currency", Type: "string", Default: "USD"},
			{Name: "customer", Type: "string"},
		},
		Idempotent:       false,
		SupportsRollback: true,
		PaymentClass:     true,
		CostPerCall:      0.30,
	}
}

func (t *paymentTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	amount, ok := paramFloat(params, "amount")
	if !ok || amount <= 0 {
		return nil, &core.FrameworkError{
			Op:      "tools." + t.id,
			Kind:    core.KindValidation,
			Message: "amount must be a positive number",
			Err:     core.ErrInvalidParameters,
		}
	}
	currency := paramStringOr(params, "currency", "USD")

	meta := map[string]interface{}{
		"execution_id": rc.ExecutionID,
		"step_id":      rc.StepID,
		"tenant_id":    rc.TenantID,
	}
	if customer := paramString(params, "customer"); customer != "" {
		meta["customer"] = customer
	}

	charge, err := t.gateway.Charge(ctx, t.provider, amount, currency, meta)
	if err != nil {
		return nil, fmt.Errorf("charge via %s failed: %w", t.provider, err)
	}
	return map[string]interface{}{
		"payment_id": charge.PaymentID,
		"provider":   charge.Provider,
		"amount":     charge.Amount,
		"currency":   charge.Currency,
		"status":     charge.Status,
	}, nil
}

// Rollback refunds the charge the forward call produced.
func (t *paymentTool) Rollback(ctx context.Context, params map[string]interface{}, output map[string]interface{}, rc RunContext) error {
	paymentID, _ := output["payment_id"].(string)
	if paymentID == "" {
		return fmt.Errorf("cannot roll back %s step %s: output has no payment_id", t.id, rc.StepID)
	}
	amount, _ := paramFloat(output, "amount")
	_, err := t.gateway.Refund(ctx, paymentID, amount, "rollback")
	if err != nil {
		return fmt.Errorf("refund of %s failed: %w", paymentID, err)
	}
	return nil
}

// refundTool refunds a prior charge. Refunds are idempotent at the gateway,
// so RETRY is safe on this tool.
type refundTool struct {
	gateway PaymentGateway
}

func (t *refundTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "refund",
		Description: "Refunds a completed payment",
		Params: []ParamSpec{
			{Name: "payment_id", Type: "string", Required: true},
			{Name: "amount", Type: "number", Description: "Partial refund amount, omit for full refund"},
			{Name: "reason", Type: "string"},
		},
		Idempotent:   true,
		PaymentClass: true,
		CostPerCall:  0.05,
	}
}

func (t *refundTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	amount, _ := paramFloat(params, "amount")
	refund, err := t.gateway.Refund(ctx, paramString(params, "payment_id"), amount, paramString(params, "reason"))
	if err != nil {
		return nil, fmt.Errorf("refund failed: %w", err)
	}
	return map[string]interface{}{
		"refund_id":  refund.RefundID,
		"payment_id": refund.PaymentID,
		"amount":     refund.Amount,
		"status":     refund.Status,
	}, nil
}

// emailSendTool delivers mail through the injected sender.
type emailSendTool struct {
	sender EmailSender
}

func (t *emailSendTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "email_send",
		Description: "Sends an email",
		Params: []ParamSpec{
			{Name: "to", Type: "string", Required: true},
			{Name: "subject", Type: "string"},
			{Name: "body", Type: "string"},
		},
		CostPerCall: 0.01,
	}
}

func (t *emailSendTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	to := paramString(params, "to")
	if err := t.sender.Send(ctx, to, paramString(params, "subject"), paramString(params, "body")); err != nil {
		return nil, fmt.Errorf("sending email to %s: %w", to, err)
	}
	return map[string]interface{}{
		"sent": true,
		"to":   to,
	}, nil
}

// approvalHumanTool asks the ApprovalDecider for a verdict. A denial fails
// the step; the workflow's error policy decides what happens next.
type approvalHumanTool struct {
	decider ApprovalDecider
}

func (t *approvalHumanTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "approval_human",
		Description: "Requests a human approval decision",
		Params: []ParamSpec{
			{Name: "approver", Type: "string"},
			{Name: "reason", Type: "string"},
			{Name: "amount", Type: "number"},
		},
		Idempotent: true,
	}
}

func (t *approvalHumanTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	amount, _ := paramFloat(params, "amount")
	decision, err := t.decider.Decide(ctx, ApprovalRequest{
		ExecutionID: rc.ExecutionID,
		StepID:      rc.StepID,
		TenantID:    rc.TenantID,
		UserID:      rc.UserID,
		Approver:    paramString(params, "approver"),
		Reason:      paramString(params, "reason"),
		Amount:      amount,
	})
	if err != nil {
		return nil, fmt.Errorf("approval decision failed: %w", err)
	}
	if !decision.Approved {
		return nil, fmt.Errorf("approval denied by %s: %s", decision.Approver, decision.Comment)
	}
	return map[string]interface{}{
		"approved": true,
		"approver": decision.Approver,
		"comment":  decision.Comment,
	}, nil
}

// approvalBudgetTool auto-approves amounts at or under the limit.
type approvalBudgetTool struct{}

func (t *approvalBudgetTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "approval_budget",
		Description: "Approves automatically when the amount is within the limit",
		Params: []ParamSpec{
			{Name: "amount", Type: "number", Required: true},
			{Name: "limit", Type: "number", Required: true},
		},
		Idempotent: true,
	}
}

func (t *approvalBudgetTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	amount, _ := paramFloat(params, "amount")
	limit, _ := paramFloat(params, "limit")
	if amount > limit {
		return nil, fmt.Errorf("budget approval denied: amount %.2f exceeds limit %.2f", amount, limit)
	}
	return map[string]interface{}{
		"approved": true,
		"amount":   amount,
		"limit":    limit,
	}, nil
}

// conditionCompareTool evaluates a comparison and returns the result, for
// CONDITION steps that want the verdict in the variable store.
type conditionCompareTool struct{}

func (t *conditionCompareTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "condition_compare",
		Description: "Compares two values and reports the result",
		Params: []ParamSpec{
			{Name: "left", Required: true},
			{Name: "operator", Type: "string", Required: true,
				Enum: []interface{}{"==", "!=", ">", ">=", "<", "<=", "contains"}},
			{Name: "right", Required: true},
		},
		Idempotent: true,
	}
}

func (t *conditionCompareTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	result, err := compareValues(params["left"], params["right"], paramString(params, "operator"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"result": result}, nil
}

// delayTool pauses the execution. The wait honors step timeout and
// cancellation through the context.
type delayTool struct {
	clock core.Clock
}

func (t *delayTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "delay",
		Description: "Waits for the given duration",
		Params: []ParamSpec{
			{Name: "duration_ms", Type: "integer", Required: true},
		},
		Idempotent: true,
	}
}

func (t *delayTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	ms, ok := paramFloat(params, "duration_ms")
	if !ok || ms < 0 {
		return nil, &core.FrameworkError{
			Op:      "tools.delay",
			Kind:    core.KindValidation,
			Message: "duration_ms must be a non-negative integer",
			Err:     core.ErrInvalidParameters,
		}
	}
	if err := t.clock.Sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]interface{}{"waited_ms": int64(ms)}, nil
}

// loopCounterTool increments a counter variable, the companion of
// conditional loopbacks: the CONDITION step loops back while the counter is
// under its target.
type loopCounterTool struct{}

func (t *loopCounterTool) Meta() ToolMeta {
	return ToolMeta{
		ID:          "loop_counter",
		Description: "Increments a counter variable in the execution scope",
		Params: []ParamSpec{
			{Name: "key", Type: "string", Default: "counter"},
			{Name: "increment", Type: "number", Default: 1},
		},
	}
}

func (t *loopCounterTool) Execute(ctx context.Context, params map[string]interface{}, rc RunContext) (map[string]interface{}, error) {
	key := paramStringOr(params, "key", "counter")
	increment, ok := paramFloat(params, "increment")
	if !ok {
		increment = 1
	}

	current := 0.0
	if existing, found := rc.Variables.Get(key); found {
		if n, numeric := toNumber(existing); numeric {
			current = n
		}
	}
	next := current + increment
	rc.Variables.Set(key, next)

	return map[string]interface{}{
		"key":   key,
		"count": next,
	}, nil
}

// SimulatedGateway is the in-memory PaymentGateway used when no real
// processor is wired in. Charges get generated ids; refunds are idempotent
// per payment.
type SimulatedGateway struct {
	mu      sync.Mutex
	charges map[string]*ChargeResult
	refunds map[string]*RefundResult
}

var _ PaymentGateway = (*SimulatedGateway)(nil)

// NewSimulatedGateway creates an empty simulated gateway.
func NewSimulatedGateway() *SimulatedGateway {
	return &SimulatedGateway{
		charges: make(map[string]*ChargeResult),
		refunds: make(map[string]*RefundResult),
	}
}

func (g *SimulatedGateway) Charge(ctx context.Context, provider string, amount float64, currency string, meta map[string]interface{}) (*ChargeResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %v", amount)
	}
	if currency == "" {
		currency = "USD"
	}

	charge := &ChargeResult{
		PaymentID: uuid.New().String(),
		Provider:  provider,
		Amount:    amount,
		Currency:  currency,
		Status:    "charged",
	}

	g.mu.Lock()
	g.charges[charge.PaymentID] = charge
	g.mu.Unlock()
	return charge, nil
}

func (g *SimulatedGateway) Refund(ctx context.Context, paymentID string, amount float64, reason string) (*RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.refunds[paymentID]; ok {
		return existing, nil
	}

	charge, ok := g.charges[paymentID]
	if !ok {
		return nil, fmt.Errorf("unknown payment %s", paymentID)
	}
	if amount <= 0 {
		amount = charge.Amount
	}
	if amount > charge.Amount {
		return nil, fmt.Errorf("refund %v exceeds charged amount %v", amount, charge.Amount)
	}

	refund := &RefundResult{
		RefundID:  uuid.New().String(),
		PaymentID: paymentID,
		Amount:    amount,
		Status:    "refunded",
	}
	g.refunds[paymentID] = refund
	charge.Status = "refunded"
	return refund, nil
}

// FindCharge returns the gateway's record of a payment id.
func (g *SimulatedGateway) FindCharge(paymentID string) (*ChargeResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	charge, ok := g.charges[paymentID]
	return charge, ok
}

// ChargeCount returns how many charges the gateway has recorded.
func (g *SimulatedGateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// AutoApprover approves every request. Development default.
type AutoApprover struct {
	Approver string
}

func (a AutoApprover) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	approver := a.Approver
	if approver == "" {
		approver = "auto"
	}
	return ApprovalDecision{Approved: true, Approver: approver, Comment: "auto-approved"}, nil
}

// logEmailSender logs instead of delivering. Development default.
type logEmailSender struct {
	logger core.Logger
}

func (s *logEmailSender) Send(ctx context.Context, to, subject, body string) error {
	s.logger.InfoWithContext(ctx, "Email send (log sender)", map[string]interface{}{
		"operation": "email_send",
		"to":        to,
		"subject":   subject,
	})
	return nil
}

// Parameter access helpers. Parameters arrive JSON-normalized, so numbers
// are float64 and objects are map[string]interface{}.

func paramString(params map[string]interface{}, name string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return ""
}

func paramStringOr(params map[string]interface{}, name, fallback string) string {
	if v := paramString(params, name); v != "" {
		return v
	}
	return fallback
}

func paramFloat(params map[string]interface{}, name string) (float64, bool) {
	v, ok := params[name]
	if !ok {
		return 0, false
	}
	return toNumber(v)
}

func paramMap(params map[string]interface{}, name string) map[string]interface{} {
	if v, ok := params[name].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func paramSlice(params map[string]interface{}, name string) []interface{} {
	if v, ok := params[name].([]interface{}); ok {
		return v
	}
	return nil
}
