package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// RecoveryJobName is the scheduler job that appends the recovery sentinel.
const RecoveryJobName = "gateway-recovery"

// SetupConfig describes the recovery job to upsert on the scheduler.
type SetupConfig struct {
	// URL is the scheduler's API base, e.g. "http://dkron:8080/v1".
	URL string
	// Schedule in the scheduler's syntax, e.g. "@every 5m".
	Schedule string
	// ControlStream is the stream the job appends the sentinel to.
	ControlStream string
}

type dkronJob struct {
	Name           string            `json:"name"`
	Schedule       string            `json:"schedule"`
	Owner          string            `json:"owner"`
	Executor       string            `json:"executor"`
	ExecutorConfig map[string]string `json:"executor_config"`
	Retries        int               `json:"retries"`
	Concurrency    string            `json:"concurrency"`
}

// EnsureRecoveryJob idempotently upserts the recovery job by name on the
// scheduler's HTTP API. The job shells out to redis-cli so it keeps firing
// even while this process is down; that is the point.
func EnsureRecoveryJob(ctx context.Context, client *http.Client, cfg SetupConfig, log *slog.Logger) error {
	if client == nil {
		client = http.DefaultClient
	}
	job := dkronJob{
		Name:     RecoveryJobName,
		Schedule: cfg.Schedule,
		Owner:    "gateway",
		Executor: "shell",
		ExecutorConfig: map[string]string{
			"command": fmt.Sprintf(
				"sh -c 'set -f; redis-cli -u $REDIS_URL XADD %s * action %s'",
				cfg.ControlStream, "RECOVER_PENDING"),
		},
		Retries:     3,
		Concurrency: "forbid",
	}

	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("scheduler job upsert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scheduler job upsert: %s: %s", resp.Status, msg)
	}
	log.Info("scheduler recovery job ensured", "job", RecoveryJobName, "schedule", cfg.Schedule)
	return nil
}
