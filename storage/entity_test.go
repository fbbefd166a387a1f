package storage

import (
	"strings"
	"testing"
	"time"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("exec")
	if !strings.HasPrefix(id, "exec-") {
		t.Errorf("id = %s, want exec- prefix", id)
	}
	if id == NewID("exec") {
		t.Error("ids must be unique")
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	tests := []struct {
		status ExecutionStatus
		want   bool
	}{
		{ExecutionPending, false},
		{ExecutionRunning, false},
		{ExecutionPaused, false},
		{ExecutionCompleted, true},
		{ExecutionFailed, true},
		{ExecutionCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestNodeExecutionStatusTerminal(t *testing.T) {
	tests := []struct {
		status NodeExecutionStatus
		want   bool
	}{
		{NodePending, false},
		{NodeRunning, false},
		{NodePaused, false},
		{NodeCompleted, true},
		{NodeFailed, true},
		{NodeSkipped, true},
		{NodeCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestExecutionCanRetry(t *testing.T) {
	tests := []struct {
		name string
		e    Execution
		want bool
	}{
		{"failed under budget", Execution{Status: ExecutionFailed, RetryCount: 0, MaxRetries: 3}, true},
		{"cancelled under budget", Execution{Status: ExecutionCancelled, RetryCount: 1, MaxRetries: 3}, true},
		{"failed at budget", Execution{Status: ExecutionFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"completed never retries", Execution{Status: ExecutionCompleted, MaxRetries: 3}, false},
		{"running never retries", Execution{Status: ExecutionRunning, MaxRetries: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormTriggerCanAcceptSubmission(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		f    FormTrigger
		want bool
	}{
		{"active unlimited", FormTrigger{IsActive: true}, true},
		{"inactive", FormTrigger{IsActive: false}, false},
		{"expired", FormTrigger{IsActive: true, ExpiresAt: &past}, false},
		{"unexpired", FormTrigger{IsActive: true, ExpiresAt: &future}, true},
		{"under cap", FormTrigger{IsActive: true, MaxSubmissions: 5, SubmissionCount: 4}, true},
		{"at cap", FormTrigger{IsActive: true, MaxSubmissions: 5, SubmissionCount: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.CanAcceptSubmission(now); got != tt.want {
				t.Errorf("CanAcceptSubmission = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhookKeyNormalizesMethod(t *testing.T) {
	if WebhookKey("/webhook/orders", "post") != WebhookKey("/webhook/orders", "POST") {
		t.Error("method casing must not change the key")
	}
	if WebhookKey("/webhook/a", "GET") == WebhookKey("/webhook/b", "GET") {
		t.Error("different paths must not collide")
	}
}

func TestSanitizeKeySegment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain-user_1", "plain-user_1"},
		{"user@example.com", "user%40example%2ecom"},
		{"a b", "a%20b"},
	}
	for _, tt := range tests {
		if got := sanitizeKeySegment(tt.in); got != tt.want {
			t.Errorf("sanitizeKeySegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApprovalActionKeySanitizesUser(t *testing.T) {
	a := ApprovalAction{ApprovalID: "appr-1", UserID: "user@example.com"}
	if strings.Contains(a.Key(), "@") {
		t.Errorf("key %q leaks raw user id characters", a.Key())
	}
	if !strings.HasPrefix(a.Key(), "appr-1.") {
		t.Errorf("key %q missing approval prefix", a.Key())
	}
}
