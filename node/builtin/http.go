package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/value"
)

// maxResponseBytes caps how much of an HTTP response body is retained
// as node output.
const maxResponseBytes = 4 << 20

// httpMethods are the operations registered under the request resource.
var httpMethods = []string{"get", "post", "put", "patch", "delete", "head"}

// HTTPRequest performs an outbound HTTP call, one operation per method
// under the "request" resource. Network errors and 5xx responses are
// retriable; 4xx responses are not.
type HTTPRequest struct {
	*node.MultiOperationHandler
	client *http.Client
}

func NewHTTPRequest(client *http.Client) *HTTPRequest {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	h := &HTTPRequest{client: client}
	base := node.NewMultiOperationHandler(
		node.Descriptor{
			Type:          "httpRequest",
			DisplayName:   "HTTP Request",
			Category:      "integration",
			SupportsAsync: true,
			MaxRetries:    3,
		},
		node.InterfaceDef{
			Inputs: []node.PortSpec{{Name: "", Type: "object", Cardinality: "one"}},
			Outputs: []node.PortSpec{
				{Name: "", Type: "object", Cardinality: "one"},
				{Name: "error", Type: "object", Cardinality: "one"},
			},
		},
		value.Map{
			"url":     value.Map{"type": "string"},
			"headers": value.Map{"type": "object"},
			"body":    value.Map{},
		},
	)
	resource := node.ResourceDef{Name: "request", DisplayName: "HTTP Request"}
	for _, m := range httpMethods {
		method := strings.ToUpper(m)
		base.RegisterOperation(resource, node.OperationDef{Name: m, DisplayName: method},
			func(ctx context.Context, nc *node.Context) (node.Result, error) {
				return h.do(ctx, method, nc)
			})
	}
	h.MultiOperationHandler = base
	return h
}

// Validate checks the operation pair and the target URL.
func (h *HTTPRequest) Validate(config value.Map) node.ValidationResult {
	cfg := h.normalize(config)
	if v := h.MultiOperationHandler.Validate(cfg); !v.Valid {
		return v
	}
	url := cfg.String("url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return node.Invalid(node.FieldError{Field: "url", Message: "url must be http or https"})
	}
	return node.OK()
}

// Execute dispatches through the operation table after filling config
// defaults.
func (h *HTTPRequest) Execute(ctx context.Context, nc *node.Context) (node.Result, error) {
	inner := *nc
	inner.Config = h.normalize(nc.Config)
	return h.MultiOperationHandler.Execute(ctx, &inner)
}

// normalize fills the resource and operation keys. A bare "method" key
// selects the operation so simple flows can configure {url, method}.
func (h *HTTPRequest) normalize(config value.Map) value.Map {
	out := config.Clone()
	if out == nil {
		out = value.Map{}
	}
	if out.String("resource") == "" {
		out["resource"] = "request"
	}
	if out.String("operation") == "" {
		op := strings.ToLower(out.StringOr("method", "get"))
		out["operation"] = op
	}
	return out
}

func (h *HTTPRequest) do(ctx context.Context, method string, nc *node.Context) (node.Result, error) {
	url := nc.Config.String("url")

	var body io.Reader
	if raw, ok := nc.Config["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return node.Failure{Kind: node.FailInvalidInput, Message: fmt.Sprintf("encode body: %v", err)}, nil
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return node.Failure{Kind: node.FailInvalidInput, Message: fmt.Sprintf("build request: %v", err)}, nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers := nc.Config.Map("headers"); headers != nil {
		for k := range headers {
			req.Header.Set(k, headers.String(k))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return node.Failure{Kind: node.FailTimeout, Message: err.Error(), Retriable: true}, nil
		}
		return node.Failure{Kind: node.FailRuntime, Message: err.Error(), Retriable: true}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return node.Failure{Kind: node.FailRuntime, Message: fmt.Sprintf("read response: %v", err), Retriable: true}, nil
	}

	out := value.Map{
		"status":  float64(resp.StatusCode),
		"headers": headerMap(resp.Header),
	}
	if parsed, err := value.FromJSON(data); err == nil {
		out["body"] = parsed
	} else {
		out["body"] = string(data)
	}

	if resp.StatusCode >= 500 {
		return node.Failure{
			Kind:      node.FailRuntime,
			Message:   fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode),
			Retriable: true,
		}, nil
	}
	if resp.StatusCode >= 400 {
		return node.Failure{
			Kind:    node.FailRuntime,
			Message: fmt.Sprintf("%s %s returned %d", method, url, resp.StatusCode),
		}, nil
	}
	return node.Success{Output: out}, nil
}

func headerMap(h http.Header) value.Map {
	out := make(value.Map, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
