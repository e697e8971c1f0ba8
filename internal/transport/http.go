package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"

	"go.uber.org/zap"

	"github.com/fleetops/fleetd/internal/model"
)

// HTTPAdapter talks to hosts running an HTTP status agent. Status is read
// from GET <address>/status, actions are posted to <address>/actions/<kind>.
type HTTPAdapter struct {
	logger *zap.Logger
	client *http.Client
}

// NewHTTPAdapter creates a new HTTP transport adapter
func NewHTTPAdapter(logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		logger: logger.Named("http-adapter"),
		// Per-call deadlines come from the caller's context; the client
		// itself carries no timeout.
		client: &http.Client{},
	}
}

// FetchStatus implements Adapter.FetchStatus
func (a *HTTPAdapter) FetchStatus(ctx context.Context, host model.Host) (model.HostStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host.Address+"/status", nil)
	if err != nil {
		return model.HostStatus{}, NewFailure(FailureProtocolError, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return model.HostStatus{}, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.HostStatus{}, classifyHTTPError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return model.HostStatus{}, NewFailure(FailureProtocolError,
			fmt.Errorf("status fetch returned HTTP %d", resp.StatusCode))
	}

	return decodeWireStatus(host.ID, body)
}

// InvokeAction implements Adapter.InvokeAction
func (a *HTTPAdapter) InvokeAction(ctx context.Context, host model.Host, kind model.ActionKind) (*ActionResult, error) {
	url := fmt.Sprintf("%s/actions/%s", host.Address, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, NewFailure(FailureProtocolError, fmt.Errorf("failed to create request: %w", err))
	}

	a.logger.Debug("Invoking action",
		zap.String("host_id", host.ID),
		zap.String("kind", string(kind)),
		zap.String("url", url))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyHTTPError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, NewFailure(FailureProtocolError,
			fmt.Errorf("action %s returned HTTP %d", kind, resp.StatusCode))
	}

	result := &ActionResult{Detail: fmt.Sprintf("action %s acknowledged", kind)}

	// Agents may report their post-action status in the response body.
	if len(body) > 0 {
		status, err := decodeWireStatus(host.ID, body)
		if err == nil {
			status.Source = model.StatusSourceAction
			result.Status = &status
		}
	}

	return result, nil
}

// classifyHTTPError maps a client error onto the failure taxonomy
func classifyHTTPError(err error) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(FailureTimeout, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return NewFailure(FailureConnectionRefused, err)
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFailure(FailureTimeout, err)
	}

	return NewFailure(FailureProtocolError, err)
}

var _ Adapter = (*HTTPAdapter)(nil)
