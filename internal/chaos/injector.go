// Package chaos injects controlled faults into the system under test.
package chaos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rootscope/internal/models"
)

// Handle identifies an active fault.
type Handle struct {
	ID   string           `json:"id"`
	Spec models.FaultSpec `json:"spec"`
	// Window is when the fault is (or was planned to be) active.
	Window models.TimeRange `json:"window"`
	// TraceIDs lists the requests the injector itself drove through the
	// fault, in emission order. Empty when the injector cannot know them.
	TraceIDs []string `json:"trace_ids,omitempty"`
}

// Injector starts and stops faults.
type Injector interface {
	InjectFault(ctx context.Context, spec models.FaultSpec) (Handle, error)
	ClearFault(ctx context.Context, h Handle) error
}

// HTTPInjector drives the chaos endpoint of the demo application:
// POST /faults starts a fault, DELETE /faults/{id} stops it.
type HTTPInjector struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPInjector creates a client for the chaos endpoint at baseURL.
func NewHTTPInjector(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPInjector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPInjector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type faultResponse struct {
	ID string `json:"id"`
}

// InjectFault starts spec on the demo application.
func (c *HTTPInjector) InjectFault(ctx context.Context, spec models.FaultSpec) (Handle, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return Handle{}, fmt.Errorf("failed to marshal fault: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/faults", bytes.NewReader(body))
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now().UTC()
	resp, err := c.client.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("chaos request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Handle{}, models.NewError(models.KindInvalidFaultSpec, "chaos endpoint rejected fault: %s", strings.TrimSpace(string(msg)))
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Handle{}, fmt.Errorf("chaos endpoint error (status %d): %s", resp.StatusCode, string(msg))
	}

	var fr faultResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return Handle{}, fmt.Errorf("failed to decode chaos response: %w", err)
	}
	if fr.ID == "" {
		return Handle{}, fmt.Errorf("chaos endpoint returned no fault id")
	}

	h := Handle{
		ID:     fr.ID,
		Spec:   spec,
		Window: models.TimeRange{Start: start, End: start.Add(spec.Duration.Std())},
	}
	c.logger.Info("Fault injected", "fault_id", h.ID, "service", spec.TargetService, "type", spec.Type)
	return h, nil
}

// ClearFault stops a fault. Faults that already expired are not an error.
func (c *HTTPInjector) ClearFault(ctx context.Context, h Handle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/faults/"+url.PathEscape(h.ID), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("chaos request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted, http.StatusNotFound:
		c.logger.Info("Fault cleared", "fault_id", h.ID)
		return nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("chaos endpoint error (status %d): %s", resp.StatusCode, string(msg))
	}
}
