package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HealthChecker checks a worker by port.
type HealthChecker interface {
	Check(ctx context.Context, port int) error
}

// HTTPHealthChecker calls GET /health on the worker.
type HTTPHealthChecker struct {
	Host   string
	Client *http.Client
}

func NewHTTPHealthChecker(timeout time.Duration) *HTTPHealthChecker {
	return &HTTPHealthChecker{
		Host:   "127.0.0.1",
		Client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPHealthChecker) Check(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://%s:%d/health", h.Host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
