package closure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"

	"github.com/roastlabs/ingestion/internal/roast"
)

// MissionRequest is the kernel's mission-enqueue body. The idempotency key
// makes replays safe: the kernel deduplicates on it, so a lost response or a
// service restart simply reattempts.
type MissionRequest struct {
	Goal           string               `json:"goal"`
	IdempotencyKey string               `json:"idempotencyKey"`
	Params         map[string]any       `json:"params"`
	Context        map[string]any       `json:"context"`
	Signals        roast.ClosureSignals `json:"signals"`
}

// KernelEnqueuer dispatches follow-on work to the downstream kernel.
type KernelEnqueuer interface {
	EnqueueMission(ctx context.Context, req *MissionRequest) error
}

// HTTPKernelClient POSTs missions directly to the kernel's REST API.
type HTTPKernelClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPKernelClient targets baseURL (e.g. http://127.0.0.1:3000). The
// request timeout is bounded; on expiry the orchestrator logs once and moves
// on rather than retrying.
func NewHTTPKernelClient(baseURL string) *HTTPKernelClient {
	return &HTTPKernelClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPKernelClient) EnqueueMission(ctx context.Context, mission *MissionRequest) error {
	body, err := json.Marshal(mission)
	if err != nil {
		return fmt.Errorf("marshal mission: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/missions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kernel enqueue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("kernel enqueue: status %d", resp.StatusCode)
	}
	return nil
}

// CloudTasksEnqueuer enqueues the same POST through a Cloud Tasks queue for
// durable at-least-once delivery with queue-level retry. The kernel's
// idempotency key absorbs the duplicates.
type CloudTasksEnqueuer struct {
	client    *cloudtasks.Client
	queuePath string
	kernelURL string
}

// NewCloudTasksEnqueuer targets projects/{project}/locations/{location}/queues/{queue}.
func NewCloudTasksEnqueuer(ctx context.Context, projectID, locationID, queueID, kernelURL string) (*CloudTasksEnqueuer, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(cctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	return &CloudTasksEnqueuer{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		kernelURL: kernelURL,
	}, nil
}

func (e *CloudTasksEnqueuer) EnqueueMission(ctx context.Context, mission *MissionRequest) error {
	body, err := json.Marshal(mission)
	if err != nil {
		return fmt.Errorf("marshal mission: %w", err)
	}
	_, err = e.client.CreateTask(ctx, &taskspb.CreateTaskRequest{
		Parent: e.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					Url:        e.kernelURL + "/missions",
					HttpMethod: taskspb.HttpMethod_POST,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       body,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (e *CloudTasksEnqueuer) Close() error { return e.client.Close() }
