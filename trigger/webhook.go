// Package trigger converts external events into execution starts and
// resumes: webhook ingress, the cron/interval scheduler, and form
// submissions.
package trigger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aiinpocket/n3n/engine"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/value"
)

// maxWebhookBody caps inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

var webhookPathPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// Starter starts executions on behalf of a trigger source.
type Starter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*storage.Execution, error)
}

// WebhookIngress receives HTTP deliveries on registered (path, method)
// pairs and starts executions. Delivery is at-least-once; dedup is the
// flow's concern.
type WebhookIngress struct {
	store  storage.Store
	coord  Starter
	logger *slog.Logger
}

// NewWebhookIngress builds the webhook ingress.
func NewWebhookIngress(store storage.Store, coord Starter, logger *slog.Logger) *WebhookIngress {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookIngress{store: store, coord: coord, logger: logger}
}

// Register stores a webhook mapping after validating the path.
func (w *WebhookIngress) Register(ctx context.Context, wh *storage.Webhook) error {
	if !webhookPathPattern.MatchString(wh.Path) {
		return engine.E(engine.CodeInvalidConfig, "webhook path must match ^[A-Za-z0-9_-]+$")
	}
	wh.Method = strings.ToUpper(wh.Method)
	switch wh.AuthType {
	case storage.WebhookAuthNone, "":
		wh.AuthType = storage.WebhookAuthNone
	case storage.WebhookAuthHMAC:
		if wh.AuthConfig.String("secret") == "" {
			return engine.E(engine.CodeInvalidConfig, "hmac webhook requires auth_config.secret")
		}
	case storage.WebhookAuthBearer:
		if wh.AuthConfig.String("token") == "" {
			return engine.E(engine.CodeInvalidConfig, "bearer webhook requires auth_config.token")
		}
	default:
		return engine.E(engine.CodeInvalidConfig, "unknown webhook auth type %q", wh.AuthType)
	}
	if wh.CreatedAt.IsZero() {
		wh.CreatedAt = time.Now().UTC()
	}
	return w.store.PutWebhook(ctx, wh)
}

// Unregister deletes a webhook mapping.
func (w *WebhookIngress) Unregister(ctx context.Context, path, method string) error {
	return w.store.DeleteWebhook(ctx, path, method)
}

// Handler returns the HTTP handler for the webhook mount. The request
// path below the mount prefix is the webhook path.
func (w *WebhookIngress) Handler(prefix string) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		w.serve(rw, r, path)
	})
}

func (w *WebhookIngress) serve(rw http.ResponseWriter, r *http.Request, path string) {
	if !webhookPathPattern.MatchString(path) {
		writeError(rw, http.StatusNotFound, engine.CodeFlowNotFound, "no webhook at this path")
		return
	}

	hook, err := w.store.GetWebhook(r.Context(), path, r.Method)
	if err != nil || !hook.IsActive {
		writeError(rw, http.StatusNotFound, engine.CodeFlowNotFound, "no webhook at this path")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeError(rw, http.StatusBadRequest, engine.CodeInvalidConfig, "read body")
		return
	}
	if len(body) > maxWebhookBody {
		writeError(rw, http.StatusRequestEntityTooLarge, engine.CodePayloadTooLarge, "payload exceeds 1 MiB")
		return
	}

	var payload value.Map
	if len(body) > 0 {
		parsed, err := value.FromJSON(body)
		if err != nil {
			writeError(rw, http.StatusBadRequest, engine.CodeInvalidConfig, "body must be a JSON object")
			return
		}
		payload = parsed
	} else {
		payload = value.Map{}
	}

	if err := w.authenticate(hook, r, payload); err != nil {
		writeError(rw, http.StatusUnauthorized, engine.CodeOf(err), err.Error())
		return
	}

	exec, err := w.coord.StartExecution(r.Context(), engine.StartRequest{
		FlowID:      hook.FlowID,
		Input:       payload,
		Context:     webhookContext(r, path),
		TriggerType: storage.TriggerWebhook,
	})
	if err != nil {
		w.logger.Error("webhook start failed", "path", path, "flow_id", hook.FlowID, "error", err)
		status := http.StatusInternalServerError
		if engine.CodeOf(err) == engine.CodeNoPublishedVersion || engine.CodeOf(err) == engine.CodeFlowNotFound {
			status = http.StatusNotFound
		}
		writeError(rw, status, engine.CodeOf(err), err.Error())
		return
	}

	w.logger.Info("webhook accepted", "path", path, "execution_id", exec.ID)
	writeJSON(rw, http.StatusAccepted, map[string]any{"execution_id": exec.ID})
}

// authenticate applies the webhook's auth scheme. HMAC signs the
// canonical JSON rendering of the parsed body so key order on the wire
// does not matter.
func (w *WebhookIngress) authenticate(hook *storage.Webhook, r *http.Request, payload value.Map) error {
	switch hook.AuthType {
	case storage.WebhookAuthNone, "":
		return nil
	case storage.WebhookAuthHMAC:
		canonical, err := value.CanonicalJSON(map[string]any(payload))
		if err != nil {
			return engine.E(engine.CodeSignatureInvalid, "canonicalize body: %v", err)
		}
		mac := hmac.New(sha256.New, []byte(hook.AuthConfig.String("secret")))
		mac.Write(canonical)
		want := hex.EncodeToString(mac.Sum(nil))
		got := strings.TrimPrefix(r.Header.Get("X-Webhook-Signature"), "sha256=")
		if !hmac.Equal([]byte(want), []byte(got)) {
			return engine.E(engine.CodeSignatureInvalid, "signature mismatch")
		}
		return nil
	case storage.WebhookAuthBearer:
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		token := hook.AuthConfig.String("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return engine.E(engine.CodeUnauthorized, "invalid bearer token")
		}
		return nil
	}
	return engine.E(engine.CodeUnauthorized, "unsupported auth type %q", hook.AuthType)
}

func webhookContext(r *http.Request, path string) value.Map {
	headers := value.Map{}
	for k := range r.Header {
		headers[strings.ToLower(k)] = r.Header.Get(k)
	}
	return value.Map{
		"webhook_path": path,
		"method":       r.Method,
		"headers":      headers,
		"remote_addr":  r.RemoteAddr,
	}
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(body)
}

func writeError(rw http.ResponseWriter, status int, code engine.Code, msg string) {
	writeJSON(rw, status, map[string]any{"error": msg, "code": string(code)})
}
