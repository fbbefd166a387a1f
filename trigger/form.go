package trigger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aiinpocket/n3n/engine"
	"github.com/aiinpocket/n3n/node"
	"github.com/aiinpocket/n3n/storage"
	"github.com/aiinpocket/n3n/value"
)

// Resumer resumes paused executions for form and approval gates.
type Resumer interface {
	ResumeExecution(ctx context.Context, executionID string, data value.Map, resumedBy string) (*storage.Execution, error)
}

// ErrFormClosed is returned when a form trigger no longer accepts
// submissions; the API layer maps it to 410 Gone.
var ErrFormClosed = errors.New("form is closed")

// SubmissionMeta carries request metadata recorded with a submission.
type SubmissionMeta struct {
	SubmittedBy string
	SubmittedIP string
}

// Forms serves form triggers (anonymous submissions that start a new
// execution) and in-flow forms (submissions that resume a paused one).
type Forms struct {
	store   storage.Store
	starter Starter
	resumer Resumer
	logger  *slog.Logger
}

// NewForms builds the form ingress.
func NewForms(store storage.Store, starter Starter, resumer Resumer, logger *slog.Logger) *Forms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forms{store: store, starter: starter, resumer: resumer, logger: logger}
}

// CreateTrigger registers a public form for a flow node and returns the
// stored trigger with its token.
func (f *Forms) CreateTrigger(ctx context.Context, ft *storage.FormTrigger) error {
	if ft.FlowID == "" {
		return engine.E(engine.CodeInvalidConfig, "form trigger requires a flow id")
	}
	if ft.Token == "" {
		ft.Token = storage.NewID("form")
	}
	if ft.CreatedAt.IsZero() {
		ft.CreatedAt = time.Now().UTC()
	}
	ft.IsActive = true
	return f.store.CreateFormTrigger(ctx, ft)
}

// Definition returns the public form description for rendering.
func (f *Forms) Definition(ctx context.Context, token string) (value.Map, error) {
	ft, err := f.store.GetFormTrigger(ctx, token)
	if err != nil {
		return nil, err
	}
	cfg := ft.Config
	if cfg == nil {
		cfg = value.Map{}
	}
	return value.Map{
		"token":            ft.Token,
		"title":            cfg.StringOr("title", ""),
		"description":      cfg.StringOr("description", ""),
		"fields":           cfg.Slice("fields"),
		"submitButtonText": cfg.StringOr("submit_button_text", "Submit"),
		"successMessage":   cfg.StringOr("success_message", ""),
	}, nil
}

// Submit records an anonymous submission against a form trigger and
// starts a new execution. Returns ErrFormClosed when the trigger no
// longer accepts submissions.
func (f *Forms) Submit(ctx context.Context, token string, payload value.Map, meta SubmissionMeta) (*storage.Execution, error) {
	// CAS loop over the submission counter so the cap holds under
	// concurrent submits.
	var ft *storage.FormTrigger
	for attempt := 0; ; attempt++ {
		var err error
		ft, err = f.store.GetFormTrigger(ctx, token)
		if err != nil {
			return nil, err
		}
		if !ft.CanAcceptSubmission(time.Now()) {
			return nil, ErrFormClosed
		}
		ft.SubmissionCount++
		err = f.store.UpdateFormTrigger(ctx, ft)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= 4 {
			return nil, err
		}
	}

	sub := &storage.FormSubmission{
		ID:          storage.NewID("sub"),
		Token:       token,
		Payload:     payload,
		SubmittedBy: meta.SubmittedBy,
		SubmittedIP: meta.SubmittedIP,
		SubmittedAt: time.Now().UTC(),
	}
	if err := f.store.CreateFormSubmission(ctx, sub); err != nil {
		return nil, err
	}

	exec, err := f.starter.StartExecution(ctx, engine.StartRequest{
		FlowID:      ft.FlowID,
		Input:       payload,
		Context:     value.Map{"form_token": token, "submission_id": sub.ID},
		TriggeredBy: meta.SubmittedBy,
		TriggerType: storage.TriggerForm,
	})
	if err != nil {
		return nil, err
	}
	f.logger.Info("form submission accepted", "token", token, "execution_id", exec.ID)
	return exec, nil
}

// SubmitInFlow records a submission for an execution paused on a form
// node and resumes it. A second submission for the same node returns
// ALREADY_RESOLVED.
func (f *Forms) SubmitInFlow(ctx context.Context, executionID string, payload value.Map, meta SubmissionMeta) (*storage.Execution, error) {
	exec, err := f.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, engine.E(engine.CodeExecutionNotFound, "execution %s not found", executionID)
		}
		return nil, err
	}
	if exec.Status != storage.ExecutionPaused || exec.PauseReason != string(node.PauseForm) {
		return nil, engine.E(engine.CodeAlreadyResolved, "execution %s is not waiting on a form", executionID)
	}
	nodeID := exec.WaitingNodeID

	if _, err := f.store.FindFormSubmission(ctx, executionID, nodeID); err == nil {
		return nil, engine.E(engine.CodeAlreadyResolved, "form for node %s was already submitted", nodeID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	sub := &storage.FormSubmission{
		ID:          storage.NewID("sub"),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Payload:     payload,
		SubmittedBy: meta.SubmittedBy,
		SubmittedIP: meta.SubmittedIP,
		SubmittedAt: time.Now().UTC(),
	}
	if err := f.store.CreateFormSubmission(ctx, sub); err != nil {
		return nil, err
	}

	data := payload.Clone()
	if data == nil {
		data = value.Map{}
	}
	data["submission_id"] = sub.ID
	resumed, err := f.resumer.ResumeExecution(ctx, executionID, data, meta.SubmittedBy)
	if err != nil {
		return nil, err
	}
	f.logger.Info("in-flow form resumed execution", "execution_id", executionID, "node_id", nodeID)
	return resumed, nil
}

// CloseTrigger deactivates a form trigger.
func (f *Forms) CloseTrigger(ctx context.Context, token string) error {
	for attempt := 0; ; attempt++ {
		ft, err := f.store.GetFormTrigger(ctx, token)
		if err != nil {
			return err
		}
		if !ft.IsActive {
			return nil
		}
		ft.IsActive = false
		err = f.store.UpdateFormTrigger(ctx, ft)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= 4 {
			return err
		}
	}
}
