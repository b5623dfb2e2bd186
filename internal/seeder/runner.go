package seeder

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/trailmail-systems/trailmail/internal/logging"
)

// Runner posts generated envelopes to the webhook endpoint.
type Runner struct {
	client *http.Client
	logger *logging.Logger
}

// Result summarizes one seeding run.
type Result struct {
	Sent     int
	Accepted int
	Rejected int
}

func NewRunner(logger *logging.Logger) *Runner {
	return &Runner{
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Run generates and delivers the scenario's envelopes sequentially,
// mirroring the one-envelope-per-request shape of real deliveries.
func (r *Runner) Run(ctx context.Context, scenario *Scenario, seed int64) (*Result, error) {
	gen := newGenerator(seed)
	endpoint := fmt.Sprintf("%s/webhooks/%s", scenario.Endpoint, scenario.SourceToken)

	result := &Result{}
	for i := 0; i < scenario.Messages; i++ {
		msg := gen.newMessage(scenario.RecipientsPerMessage)
		eventType := gen.pickEventType(scenario.EventMix)

		body, err := gen.envelope(msg, eventType)
		if err != nil {
			return result, err
		}

		status, err := r.post(ctx, endpoint, body)
		if err != nil {
			return result, fmt.Errorf("post envelope %d: %w", i, err)
		}

		result.Sent++
		if status == http.StatusOK {
			result.Accepted++
		} else {
			result.Rejected++
			r.logger.WarnContext(ctx, "envelope rejected",
				"status", status, "event_type", eventType)
		}
	}

	r.logger.InfoContext(ctx, "seeding complete",
		"sent", result.Sent, "accepted", result.Accepted, "rejected", result.Rejected)

	return result, nil
}

func (r *Runner) post(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "text/plain; charset=UTF-8")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}
