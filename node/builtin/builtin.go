// Package builtin registers the node handlers that ship with the
// engine: trigger echoes, conditional branching, data transforms, HTTP
// requests, and the pause gates (approval, form, delay).
package builtin

import (
	"net/http"
	"time"

	"github.com/aiinpocket/n3n/node"
)

// Register installs every builtin handler into the registry. The HTTP
// client is shared across httpRequest dispatches; nil uses a default
// with sane timeouts.
func Register(r *node.Registry, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	handlers := []node.Handler{
		NewTrigger("manualTrigger", "Manual Trigger"),
		NewTrigger("webhookTrigger", "Webhook Trigger"),
		NewTrigger("scheduleTrigger", "Schedule Trigger"),
		NewTrigger("formTrigger", "Form Trigger"),
		NewCondition(),
		NewTransform(),
		NewHTTPRequest(client),
		NewSetData(),
		NewNoOp(),
		NewMerge(),
		NewLog(),
		NewDelay(),
		NewApproval(),
		NewForm(),
	}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
