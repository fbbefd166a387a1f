package builtin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

func testCtx(config, input value.Map) *node.Context {
	return &node.Context{
		ExecutionID: "exec_test",
		FlowID:      "flow_test",
		NodeID:      "n1",
		Config:      config,
		InputData:   input,
		Logger:      slog.New(slog.DiscardHandler),
	}
}

func TestRegisterInstallsAllHandlers(t *testing.T) {
	r := node.NewRegistry()
	if err := Register(r, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, typ := range []string{
		"manualTrigger", "webhookTrigger", "scheduleTrigger", "formTrigger",
		"condition", "transform", "httpRequest", "setData", "noop", "merge",
		"log", "delay", "approval", "form",
	} {
		if r.Get(typ) == nil {
			t.Errorf("handler %q not registered", typ)
		}
	}
}

func TestTriggerEchoesInput(t *testing.T) {
	h := NewTrigger("manualTrigger", "Manual Trigger")
	if !h.Descriptor().IsTrigger {
		t.Fatal("trigger descriptor should be marked as trigger")
	}
	res, err := h.Execute(context.Background(), testCtx(nil, value.Map{"user": "ann"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(node.Success).Output
	if out.String("user") != "ann" {
		t.Fatalf("output = %v, want echoed input", out)
	}
}

func TestConditionRoutesHandles(t *testing.T) {
	h := NewCondition()
	tests := []struct {
		name    string
		expr    string
		input   value.Map
		verdict bool
	}{
		{"true branch", "input.x > 5", value.Map{"x": float64(10)}, true},
		{"false branch", "input.x > 5", value.Map{"x": float64(1)}, false},
		{"undefined variable is falsy", "input.missing == 'yes'", value.Map{}, false},
		{"string compare", "input.status == 'open'", value.Map{"status": "open"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Execute(context.Background(), testCtx(value.Map{"expression": tt.expr}, tt.input))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			s := res.(node.Success)
			if s.Handles["true"] != tt.verdict || s.Handles["false"] == tt.verdict {
				t.Fatalf("handles = %v, want verdict %v", s.Handles, tt.verdict)
			}
			if got, _ := s.Output["result"].(bool); got != tt.verdict {
				t.Fatalf("output result = %v, want %v", s.Output["result"], tt.verdict)
			}
		})
	}
}

func TestConditionValidateRejectsBadExpression(t *testing.T) {
	h := NewCondition()
	if v := h.Validate(value.Map{"expression": "input.x >"}); v.Valid {
		t.Fatal("expected invalid result for malformed expression")
	}
	if v := h.Validate(value.Map{}); v.Valid {
		t.Fatal("expected invalid result for missing expression")
	}
}

func TestTransformQuery(t *testing.T) {
	h := NewTransform()
	tests := []struct {
		name  string
		query string
		input value.Map
		check func(t *testing.T, out value.Map)
	}{
		{
			"object result",
			"{total: (.a + .b)}",
			value.Map{"a": float64(2), "b": float64(3)},
			func(t *testing.T, out value.Map) {
				if f, _ := out.Float("total"); f != 5 {
					t.Fatalf("total = %v, want 5", out["total"])
				}
			},
		},
		{
			"scalar wrapped under result",
			".a",
			value.Map{"a": float64(7)},
			func(t *testing.T, out value.Map) {
				if f, _ := out.Float("result"); f != 7 {
					t.Fatalf("result = %v, want 7", out["result"])
				}
			},
		},
		{
			"multiple results collected",
			".items[]",
			value.Map{"items": []any{float64(1), float64(2)}},
			func(t *testing.T, out value.Map) {
				got := out.Slice("result")
				if len(got) != 2 {
					t.Fatalf("result = %v, want two elements", out["result"])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Execute(context.Background(), testCtx(value.Map{"query": tt.query}, tt.input))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			tt.check(t, res.(node.Success).Output)
		})
	}
}

func TestTransformValidateRejectsBadQuery(t *testing.T) {
	h := NewTransform()
	if v := h.Validate(value.Map{"query": ".a | "}); v.Valid {
		t.Fatal("expected invalid result for malformed query")
	}
}

func TestHTTPRequestSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "abc" {
			t.Errorf("X-Token = %q, want abc", r.Header.Get("X-Token"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"echo": body["name"]})
	}))
	defer srv.Close()

	h := NewHTTPRequest(srv.Client())
	cfg := value.Map{
		"url":     srv.URL,
		"method":  "POST",
		"headers": value.Map{"X-Token": "abc"},
		"body":    value.Map{"name": "n3n"},
	}
	res, err := h.Execute(context.Background(), testCtx(cfg, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(node.Success).Output
	if f, _ := out.Float("status"); f != 200 {
		t.Fatalf("status = %v, want 200", out["status"])
	}
	if out.Map("body").String("echo") != "n3n" {
		t.Fatalf("body = %v, want echo n3n", out["body"])
	}
}

func TestHTTPRequestStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retriable bool
	}{
		{"server error retriable", 503, true},
		{"client error terminal", 404, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewHTTPRequest(srv.Client())
			res, err := h.Execute(context.Background(), testCtx(value.Map{"url": srv.URL}, nil))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			f, ok := res.(node.Failure)
			if !ok {
				t.Fatalf("result = %T, want Failure", res)
			}
			if f.Retriable != tt.retriable {
				t.Fatalf("retriable = %v, want %v", f.Retriable, tt.retriable)
			}
		})
	}
}

func TestHTTPRequestNetworkErrorIsRetriable(t *testing.T) {
	h := NewHTTPRequest(&http.Client{Timeout: 200 * time.Millisecond})
	res, err := h.Execute(context.Background(), testCtx(value.Map{"url": "http://127.0.0.1:1"}, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	f, ok := res.(node.Failure)
	if !ok || !f.Retriable {
		t.Fatalf("result = %#v, want retriable failure", res)
	}
}

func TestHTTPRequestValidate(t *testing.T) {
	h := NewHTTPRequest(nil)
	if v := h.Validate(value.Map{"url": "ftp://example.com"}); v.Valid {
		t.Fatal("expected invalid result for non-http url")
	}
	if v := h.Validate(value.Map{}); v.Valid {
		t.Fatal("expected invalid result for missing url")
	}
	if v := h.Validate(value.Map{"url": "https://example.com"}); !v.Valid {
		t.Fatalf("expected valid result, got %v", v.Errors)
	}
	if v := h.Validate(value.Map{"url": "https://example.com", "resource": "request", "operation": "trace"}); v.Valid {
		t.Fatal("expected invalid result for unregistered operation")
	}
}

func TestHTTPRequestOperationDispatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"method":"` + r.Method + `"}`))
	}))
	defer srv.Close()

	h := NewHTTPRequest(srv.Client())
	cfg := value.Map{"url": srv.URL, "resource": "request", "operation": "delete"}
	res, err := h.Execute(context.Background(), testCtx(cfg, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(node.Success).Output
	if out.Map("body").String("method") != "DELETE" {
		t.Fatalf("body = %v, want DELETE dispatch", out["body"])
	}
}

func TestSetDataMergesValues(t *testing.T) {
	h := NewSetData()
	cfg := value.Map{"values": value.Map{"b": "set", "c": float64(3)}}
	res, err := h.Execute(context.Background(), testCtx(cfg, value.Map{"a": float64(1), "b": "orig"}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := res.(node.Success).Output
	if f, _ := out.Float("a"); f != 1 {
		t.Fatalf("a = %v, want preserved input", out["a"])
	}
	if out.String("b") != "set" {
		t.Fatalf("b = %v, want configured value to win", out["b"])
	}
	if f, _ := out.Float("c"); f != 3 {
		t.Fatalf("c = %v, want 3", out["c"])
	}
}

func TestNoOpPassesThrough(t *testing.T) {
	h := NewNoOp()
	in := value.Map{"k": "v"}
	res, err := h.Execute(context.Background(), testCtx(nil, in))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out := res.(node.Success).Output; out.String("k") != "v" {
		t.Fatalf("output = %v, want passthrough", out)
	}
}

func TestMergeModes(t *testing.T) {
	h := NewMerge()
	nc := testCtx(value.Map{"mode": "keyed"}, value.Map{"a": float64(1), "b": float64(2)})
	nc.PreviousOutputs = map[string]value.Map{
		"left":  {"a": float64(1)},
		"right": {"b": float64(2)},
	}

	res, err := h.Execute(context.Background(), nc)
	if err != nil {
		t.Fatalf("execute keyed: %v", err)
	}
	out := res.(node.Success).Output
	if out.Map("left") == nil || out.Map("right") == nil {
		t.Fatalf("keyed output = %v, want outputs nested per node id", out)
	}

	nc.Config = value.Map{}
	res, err = h.Execute(context.Background(), nc)
	if err != nil {
		t.Fatalf("execute combine: %v", err)
	}
	out = res.(node.Success).Output
	if f, _ := out.Float("a"); f != 1 {
		t.Fatalf("combine output = %v, want merged input", out)
	}

	if v := h.Validate(value.Map{"mode": "zip"}); v.Valid {
		t.Fatal("mode zip should be rejected")
	}
}

func TestLogPassesThrough(t *testing.T) {
	h := NewLog()
	in := value.Map{"k": "v"}
	res, err := h.Execute(context.Background(), testCtx(value.Map{"message": "hello", "level": "warn"}, in))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out := res.(node.Success).Output; out.String("k") != "v" {
		t.Fatalf("output = %v, want passthrough", out)
	}
}

func TestDelayObservesCancellation(t *testing.T) {
	h := NewDelay()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := h.Execute(ctx, testCtx(value.Map{"seconds": float64(30)}, nil))
	if err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("delay did not observe cancellation promptly")
	}
}

func TestDelayCompletes(t *testing.T) {
	h := NewDelay()
	in := value.Map{"x": "y"}
	res, err := h.Execute(context.Background(), testCtx(value.Map{"seconds": float64(0.01)}, in))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out := res.(node.Success).Output; out.String("x") != "y" {
		t.Fatalf("output = %v, want passthrough", out)
	}
}

func TestApprovalPausesWithCondition(t *testing.T) {
	h := NewApproval()
	cfg := value.Map{"mode": "majority", "required_approvers": float64(3), "expires_in_seconds": float64(600)}
	res, err := h.Execute(context.Background(), testCtx(cfg, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, ok := res.(node.Pause)
	if !ok {
		t.Fatalf("result = %T, want Pause", res)
	}
	if p.Reason != node.PauseApproval {
		t.Fatalf("reason = %q, want approval", p.Reason)
	}
	if p.ResumeCondition.String("mode") != "majority" {
		t.Fatalf("mode = %v", p.ResumeCondition["mode"])
	}
	if n, _ := p.ResumeCondition.Int("required_approvers"); n != 3 {
		t.Fatalf("required_approvers = %v, want 3", p.ResumeCondition["required_approvers"])
	}
	if n, _ := p.ResumeCondition.Int("expires_in_seconds"); n != 600 {
		t.Fatalf("expires_in_seconds = %v, want 600", p.ResumeCondition["expires_in_seconds"])
	}
}

func TestApprovalValidateMode(t *testing.T) {
	h := NewApproval()
	if v := h.Validate(value.Map{"mode": "most"}); v.Valid {
		t.Fatal("expected invalid result for unknown mode")
	}
	if v := h.Validate(value.Map{}); !v.Valid {
		t.Fatal("empty config should default to mode all")
	}
}

func TestFormPausesWithFields(t *testing.T) {
	h := NewForm()
	cfg := value.Map{
		"title":  "Onboarding",
		"fields": []any{value.Map{"name": "email", "type": "string"}},
	}
	if v := h.Validate(cfg); !v.Valid {
		t.Fatalf("validate: %v", v.Errors)
	}
	res, err := h.Execute(context.Background(), testCtx(cfg, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	p, ok := res.(node.Pause)
	if !ok {
		t.Fatalf("result = %T, want Pause", res)
	}
	if p.Reason != node.PauseForm {
		t.Fatalf("reason = %q, want form", p.Reason)
	}
	if p.ResumeCondition.String("title") != "Onboarding" {
		t.Fatalf("title = %v", p.ResumeCondition["title"])
	}
	if len(p.ResumeCondition.Slice("fields")) != 1 {
		t.Fatalf("fields = %v, want one field", p.ResumeCondition["fields"])
	}
}

func TestFormValidateRequiresNamedFields(t *testing.T) {
	h := NewForm()
	if v := h.Validate(value.Map{}); v.Valid {
		t.Fatal("expected invalid result for missing fields")
	}
	if v := h.Validate(value.Map{"fields": []any{value.Map{"type": "string"}}}); v.Valid {
		t.Fatal("expected invalid result for unnamed field")
	}
}
