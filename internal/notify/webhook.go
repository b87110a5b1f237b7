// Package notify implements ports.Notifier (spec.md §4.3 step 8): fire a
// build's terminal outcome at a notify target. The core only ever sees a
// target string (a URL, per pipeline.NotifyTargets); resolving it to a
// Slack app, an email template, or a paging integration is explicitly an
// edge collaborator (spec.md §1). No webhook/notification library appears
// anywhere in the retrieval pack, so WebhookNotifier is a thin net/http
// POST — justified stdlib-only, the same way internal/transport's SSE
// handler is, because nothing in the pack wraps outbound webhook delivery.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/build"
	"github.com/chengis/chengis/internal/ports"
)

// WebhookNotifier posts a JSON summary of a completed build to the target
// URL. A non-2xx response is reported as an error; the Build Runner treats
// notifier failures as log-and-continue (spec.md §4.3 step 8 is best-effort).
type WebhookNotifier struct {
	client *http.Client
}

// NewWebhookNotifier constructs a WebhookNotifier with the given request
// timeout.
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{client: &http.Client{Timeout: timeout}}
}

type payload struct {
	BuildID       string `json:"build_id"`
	JobID         string `json:"job_id"`
	Number        int    `json:"number"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Notify implements ports.Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, target string, b build.Build) error {
	body, err := json.Marshal(payload{
		BuildID: b.ID, JobID: b.JobID, Number: b.Number,
		Status: string(b.Status), FailureReason: b.FailureReason,
	})
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "marshal notify payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "build notify request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return cherrors.Wrap(cherrors.CodeInternal, "send notify webhook", err).WithContext(map[string]interface{}{"target": target})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return cherrors.New(cherrors.CodeInternal, "notify webhook returned non-2xx").WithContext(map[string]interface{}{
			"target": target, "status": resp.StatusCode,
		})
	}
	return nil
}

var _ ports.Notifier = (*WebhookNotifier)(nil)
