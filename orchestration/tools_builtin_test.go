package orchestration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/strandflow/strand/core"
)

// =============================================================================
// Built-in Tool Tests
// =============================================================================

func builtinRunContext() RunContext {
	return RunContext{
		ExecutionID: "x-1",
		AgentID:     "agent-1",
		TenantID:    "tenant-1",
		StepID:      "step-1",
		Attempt:     1,
	}
}

func TestRegisterBuiltins(t *testing.T) {
	registry := NewToolRegistry(nil)
	if err := RegisterBuiltins(registry, BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}

	list := registry.List()
	if len(list) != 15 {
		t.Fatalf("Expected 15 built-in tools, got %d", len(list))
	}

	for _, id := range []string{
		"manual_trigger", "webhook_trigger", "schedule_trigger",
		"http_request", "database_query",
		"payment_stripe", "payment_coinbase", "payment_bank",
		"refund", "email_send",
		"approval_human", "approval_budget",
		"condition_compare", "delay", "loop_counter",
	} {
		if _, err := registry.Get(id); err != nil {
			t.Errorf("Expected built-in %s to be registered: %v", id, err)
		}
	}

	stripe, _ := registry.Get("payment_stripe")
	meta := stripe.Meta()
	if !meta.PaymentClass || !meta.SupportsRollback || meta.Idempotent {
		t.Errorf("Expected payment tool to be payment-class, rollbackable, non-idempotent, got %+v", meta)
	}
	if _, ok := stripe.(RollbackableTool); !ok {
		t.Error("Expected payment tool to implement RollbackableTool")
	}

	refund, _ := registry.Get("refund")
	if !refund.Meta().Idempotent || !refund.Meta().PaymentClass {
		t.Errorf("Expected refund to be idempotent payment-class, got %+v", refund.Meta())
	}
}

// -----------------------------------------------------------------------------
// Trigger Tests
// -----------------------------------------------------------------------------

func TestTriggerTool(t *testing.T) {
	registry := NewToolRegistry(nil)
	if err := RegisterBuiltins(registry, BuiltinDeps{}); err != nil {
		t.Fatalf("RegisterBuiltins() error = %v", err)
	}

	webhook, _ := registry.Get("webhook_trigger")
	output, err := webhook.Execute(context.Background(), map[string]interface{}{
		"path": "/hooks/orders",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["triggered"] != true {
		t.Error("Expected triggered output")
	}
	if output["source"] != "webhook" {
		t.Errorf("Expected webhook source, got %v", output["source"])
	}
	if output["path"] != "/hooks/orders" {
		t.Errorf("Expected path echoed, got %v", output["path"])
	}

	schedule, _ := registry.Get("schedule_trigger")
	output, err = schedule.Execute(context.Background(), map[string]interface{}{
		"cron": "0 6 * * *",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["source"] != "schedule" || output["cron"] != "0 6 * * *" {
		t.Errorf("Expected schedule output, got %v", output)
	}
}

// -----------------------------------------------------------------------------
// HTTP Request Tests
// -----------------------------------------------------------------------------

func TestHTTPRequestTool_GET(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "id": 7}`))
	}))
	defer server.Close()

	tool := &httpRequestTool{client: server.Client()}
	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"url": server.URL + "/things",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotMethod != "GET" {
		t.Errorf("Expected GET default, got %s", gotMethod)
	}
	if output["status"] != 200 {
		t.Errorf("Expected status 200, got %v", output["status"])
	}
	body, ok := output["body"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected parsed JSON body, got %T", output["body"])
	}
	if body["ok"] != true || body["id"] != float64(7) {
		t.Errorf("Expected decoded body, got %v", body)
	}
	headers := output["headers"].(map[string]interface{})
	if headers["Content-Type"] != "application/json" {
		t.Errorf("Expected content type header captured, got %v", headers["Content-Type"])
	}
}

func TestHTTPRequestTool_PostJSONBody(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`created`))
	}))
	defer server.Close()

	tool := &httpRequestTool{client: server.Client()}
	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"url":     server.URL,
		"method":  "post",
		"body":    map[string]interface{}{"name": "widget"},
		"headers": map[string]interface{}{"X-Request-Id": "r-1"},
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Expected JSON content type for object body, got %q", gotContentType)
	}
	if string(gotBody) != `{"name":"widget"}` {
		t.Errorf("Expected encoded body, got %s", gotBody)
	}
	if output["status"] != 201 {
		t.Errorf("Expected status 201, got %v", output["status"])
	}
	// Non-JSON responses pass through as text.
	if output["body"] != "created" {
		t.Errorf("Expected text body, got %v", output["body"])
	}
}

func TestHTTPRequestTool_ErrorStatusFailsStep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tool := &httpRequestTool{client: server.Client()}
	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"url": server.URL,
	}, builtinRunContext())
	if err == nil {
		t.Fatal("Expected error for 503 response")
	}
	if !containsStr(err.Error(), "returned status 503") {
		t.Errorf("Expected status in error, got %v", err)
	}
	if core.ErrorKind(err) != core.KindToolExecution {
		t.Errorf("Expected tool_execution kind, got %s", core.ErrorKind(err))
	}
	// The response is still captured so failure handlers can inspect it.
	if output == nil || output["status"] != 503 {
		t.Errorf("Expected captured output alongside the error, got %v", output)
	}
}

func TestHTTPRequestTool_BadURL(t *testing.T) {
	tool := &httpRequestTool{client: http.DefaultClient}
	_, err := tool.Execute(context.Background(), map[string]interface{}{
		"url": "://nowhere",
	}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "building request") {
		t.Errorf("Expected request build error, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Database Query Tests
// -----------------------------------------------------------------------------

type stubQueryRunner struct {
	rows     []map[string]interface{}
	err      error
	gotQuery string
	gotArgs  []interface{}
}

func (r *stubQueryRunner) Query(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	r.gotQuery = query
	r.gotArgs = args
	return r.rows, r.err
}

func TestDatabaseQueryTool(t *testing.T) {
	noRunner := &databaseQueryTool{}
	_, err := noRunner.Execute(context.Background(), map[string]interface{}{
		"query": "SELECT 1",
	}, builtinRunContext())
	if !errors.Is(err, core.ErrMissingConfiguration) {
		t.Fatalf("Expected ErrMissingConfiguration without a runner, got %v", err)
	}

	runner := &stubQueryRunner{rows: []map[string]interface{}{
		{"id": 1, "name": "alpha"},
		{"id": 2, "name": "beta"},
	}}
	tool := &databaseQueryTool{runner: runner}
	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"query": "SELECT * FROM orders WHERE tenant = $1",
		"args":  []interface{}{"tenant-1"},
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["count"] != 2 {
		t.Errorf("Expected count 2, got %v", output["count"])
	}
	if rows := output["rows"].([]interface{}); len(rows) != 2 {
		t.Errorf("Expected 2 rows, got %d", len(rows))
	}
	if runner.gotQuery != "SELECT * FROM orders WHERE tenant = $1" {
		t.Errorf("Expected query passed through, got %q", runner.gotQuery)
	}
	if len(runner.gotArgs) != 1 || runner.gotArgs[0] != "tenant-1" {
		t.Errorf("Expected args passed through, got %v", runner.gotArgs)
	}

	failing := &databaseQueryTool{runner: &stubQueryRunner{err: errors.New("connection reset")}}
	_, err = failing.Execute(context.Background(), map[string]interface{}{"query": "SELECT 1"}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "query failed") {
		t.Errorf("Expected wrapped query error, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// Payment and Refund Tests
// -----------------------------------------------------------------------------

func TestPaymentTool_Charge(t *testing.T) {
	gateway := NewSimulatedGateway()
	tool := newPaymentTool("payment_stripe", "stripe", gateway)

	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"amount":   50.0,
		"currency": "EUR",
		"customer": "cus-9",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	paymentID, _ := output["payment_id"].(string)
	if paymentID == "" {
		t.Fatal("Expected a payment id")
	}
	if output["provider"] != "stripe" || output["status"] != "charged" {
		t.Errorf("Expected charged stripe payment, got %v", output)
	}
	if output["amount"] != 50.0 || output["currency"] != "EUR" {
		t.Errorf("Expected amount and currency echoed, got %v", output)
	}
	if gateway.ChargeCount() != 1 {
		t.Errorf("Expected one recorded charge, got %d", gateway.ChargeCount())
	}
	if _, ok := gateway.FindCharge(paymentID); !ok {
		t.Error("Expected gateway to know the charge")
	}
}

func TestPaymentTool_InvalidAmount(t *testing.T) {
	tool := newPaymentTool("payment_stripe", "stripe", NewSimulatedGateway())

	for _, params := range []map[string]interface{}{
		{},
		{"amount": 0.0},
		{"amount": -5.0},
		{"amount": "free"},
	} {
		_, err := tool.Execute(context.Background(), params, builtinRunContext())
		if !errors.Is(err, core.ErrInvalidParameters) {
			t.Errorf("Expected ErrInvalidParameters for %v, got %v", params, err)
		}
		if err != nil && !containsStr(err.Error(), "amount must be a positive number") {
			t.Errorf("Expected amount message, got %v", err)
		}
	}
}

func TestPaymentTool_Rollback(t *testing.T) {
	gateway := NewSimulatedGateway()
	tool := newPaymentTool("payment_stripe", "stripe", gateway)
	rc := builtinRunContext()

	params := map[string]interface{}{"amount": 80.0}
	output, err := tool.Execute(context.Background(), params, rc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	paymentID := output["payment_id"].(string)

	if err := tool.Rollback(context.Background(), params, output, rc); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	charge, _ := gateway.FindCharge(paymentID)
	if charge.Status != "refunded" {
		t.Errorf("Expected refunded status, got %s", charge.Status)
	}

	// Refunds are idempotent, so a second rollback is harmless.
	if err := tool.Rollback(context.Background(), params, output, rc); err != nil {
		t.Errorf("Expected repeated rollback to succeed, got %v", err)
	}

	err = tool.Rollback(context.Background(), params, map[string]interface{}{}, rc)
	if err == nil || !containsStr(err.Error(), "output has no payment_id") {
		t.Errorf("Expected missing payment_id error, got %v", err)
	}
}

func TestRefundTool(t *testing.T) {
	gateway := NewSimulatedGateway()
	charge, err := gateway.Charge(context.Background(), "stripe", 50.0, "USD", nil)
	if err != nil {
		t.Fatalf("Charge() error = %v", err)
	}

	tool := &refundTool{gateway: gateway}
	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"payment_id": charge.PaymentID,
		"amount":     10.0,
		"reason":     "partial return",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["amount"] != 10.0 || output["status"] != "refunded" {
		t.Errorf("Expected partial refund, got %v", output)
	}
	refundID := output["refund_id"].(string)
	if refundID == "" {
		t.Fatal("Expected a refund id")
	}

	// Repeating the refund returns the original record.
	repeat, err := tool.Execute(context.Background(), map[string]interface{}{
		"payment_id": charge.PaymentID,
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() repeat error = %v", err)
	}
	if repeat["refund_id"] != refundID {
		t.Errorf("Expected idempotent refund id %s, got %v", refundID, repeat["refund_id"])
	}

	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"payment_id": "pay-unknown",
	}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "unknown payment") {
		t.Errorf("Expected unknown payment error, got %v", err)
	}
}

func TestSimulatedGateway_RefundBounds(t *testing.T) {
	gateway := NewSimulatedGateway()
	charge, _ := gateway.Charge(context.Background(), "bank", 30.0, "", nil)
	if charge.Currency != "USD" {
		t.Errorf("Expected USD default currency, got %s", charge.Currency)
	}

	if _, err := gateway.Refund(context.Background(), charge.PaymentID, 31.0, ""); err == nil {
		t.Error("Expected refund above charge to fail")
	}

	refund, err := gateway.Refund(context.Background(), charge.PaymentID, 0, "")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if refund.Amount != 30.0 {
		t.Errorf("Expected full refund default, got %v", refund.Amount)
	}

	if _, err := gateway.Charge(context.Background(), "bank", 0, "USD", nil); err == nil {
		t.Error("Expected zero-amount charge to fail")
	}
}

// -----------------------------------------------------------------------------
// Email, Approval, Condition, Delay, Counter Tests
// -----------------------------------------------------------------------------

type captureEmailSender struct {
	to, subject, body string
	err               error
}

func (s *captureEmailSender) Send(ctx context.Context, to, subject, body string) error {
	s.to, s.subject, s.body = to, subject, body
	return s.err
}

func TestEmailSendTool(t *testing.T) {
	sender := &captureEmailSender{}
	tool := &emailSendTool{sender: sender}

	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"to":      "ops@example.com",
		"subject": "run finished",
		"body":    "all good",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["sent"] != true || output["to"] != "ops@example.com" {
		t.Errorf("Expected sent output, got %v", output)
	}
	if sender.subject != "run finished" || sender.body != "all good" {
		t.Errorf("Expected message delivered to sender, got %+v", sender)
	}

	failing := &emailSendTool{sender: &captureEmailSender{err: errors.New("smtp down")}}
	_, err = failing.Execute(context.Background(), map[string]interface{}{"to": "x@example.com"}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "sending email to x@example.com") {
		t.Errorf("Expected wrapped send error, got %v", err)
	}
}

type stubDecider struct {
	decision ApprovalDecision
	err      error
	got      ApprovalRequest
}

func (d *stubDecider) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	d.got = req
	return d.decision, d.err
}

func TestApprovalHumanTool(t *testing.T) {
	decider := &stubDecider{decision: ApprovalDecision{Approved: true, Approver: "carol", Comment: "ok"}}
	tool := &approvalHumanTool{decider: decider}

	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"approver": "carol",
		"reason":   "large order",
		"amount":   900.0,
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["approved"] != true || output["approver"] != "carol" {
		t.Errorf("Expected approval output, got %v", output)
	}
	if decider.got.Amount != 900.0 || decider.got.ExecutionID != "x-1" {
		t.Errorf("Expected request forwarded to decider, got %+v", decider.got)
	}

	denying := &approvalHumanTool{decider: &stubDecider{
		decision: ApprovalDecision{Approved: false, Approver: "carol", Comment: "too expensive"},
	}}
	_, err = denying.Execute(context.Background(), map[string]interface{}{}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "approval denied by carol: too expensive") {
		t.Errorf("Expected denial error, got %v", err)
	}

	erroring := &approvalHumanTool{decider: &stubDecider{err: errors.New("pager down")}}
	_, err = erroring.Execute(context.Background(), map[string]interface{}{}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "approval decision failed") {
		t.Errorf("Expected decision error, got %v", err)
	}
}

func TestAutoApprover(t *testing.T) {
	decision, err := AutoApprover{}.Decide(context.Background(), ApprovalRequest{})
	if err != nil || !decision.Approved || decision.Approver != "auto" {
		t.Errorf("Expected auto approval, got %+v err %v", decision, err)
	}

	named, _ := AutoApprover{Approver: "dev-bot"}.Decide(context.Background(), ApprovalRequest{})
	if named.Approver != "dev-bot" {
		t.Errorf("Expected configured approver, got %s", named.Approver)
	}
}

func TestApprovalBudgetTool(t *testing.T) {
	tool := &approvalBudgetTool{}

	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"amount": 99.0,
		"limit":  100.0,
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["approved"] != true {
		t.Errorf("Expected approval within limit, got %v", output)
	}

	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"amount": 150.0,
		"limit":  100.0,
	}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "budget approval denied: amount 150.00 exceeds limit 100.00") {
		t.Errorf("Expected denial error, got %v", err)
	}
}

func TestConditionCompareTool(t *testing.T) {
	tool := &conditionCompareTool{}

	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"left":     5.0,
		"operator": ">",
		"right":    3.0,
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["result"] != true {
		t.Errorf("Expected true result, got %v", output)
	}

	output, err = tool.Execute(context.Background(), map[string]interface{}{
		"left":     "staging",
		"operator": "==",
		"right":    "production",
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["result"] != false {
		t.Errorf("Expected false result, got %v", output)
	}

	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"left":     1.0,
		"operator": "~",
		"right":    2.0,
	}, builtinRunContext())
	if err == nil || !containsStr(err.Error(), "unknown comparison operator") {
		t.Errorf("Expected operator error, got %v", err)
	}
}

func TestDelayTool(t *testing.T) {
	clock := newFakeClock()
	tool := &delayTool{clock: clock}

	output, err := tool.Execute(context.Background(), map[string]interface{}{
		"duration_ms": 50.0,
	}, builtinRunContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["waited_ms"] != int64(50) {
		t.Errorf("Expected waited_ms 50, got %v", output["waited_ms"])
	}
	sleeps := clock.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 50*time.Millisecond {
		t.Errorf("Expected one 50ms sleep, got %v", sleeps)
	}

	_, err = tool.Execute(context.Background(), map[string]interface{}{
		"duration_ms": -1.0,
	}, builtinRunContext())
	if !errors.Is(err, core.ErrInvalidParameters) {
		t.Errorf("Expected ErrInvalidParameters for negative duration, got %v", err)
	}
}

func TestLoopCounterTool(t *testing.T) {
	tool := &loopCounterTool{}
	vars := NewVariableStore()
	rc := builtinRunContext()
	rc.Variables = vars

	output, err := tool.Execute(context.Background(), map[string]interface{}{}, rc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if output["key"] != "counter" || output["count"] != 1.0 {
		t.Errorf("Expected counter at 1, got %v", output)
	}

	output, _ = tool.Execute(context.Background(), map[string]interface{}{}, rc)
	if output["count"] != 2.0 {
		t.Errorf("Expected counter at 2, got %v", output)
	}
	if v, _ := vars.Get("counter"); v != 2.0 {
		t.Errorf("Expected variable store updated, got %v", v)
	}

	output, _ = tool.Execute(context.Background(), map[string]interface{}{
		"key":       "retries",
		"increment": 5.0,
	}, rc)
	if output["count"] != 5.0 {
		t.Errorf("Expected custom increment, got %v", output)
	}
}
