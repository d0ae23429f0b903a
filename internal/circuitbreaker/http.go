// v1
// internal/circuitbreaker/http.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var errServerStatus = errors.New("server error status")

// HTTPClient wraps an http.Client with breaker behavior. Transport errors
// and 5xx responses count as failures; 5xx responses are still returned
// to the caller.
type HTTPClient struct {
	Client *http.Client
	brk    *Breaker
}

// NewHTTPClient builds the wrapper. When probeURL is set, a GET to it must
// answer below 500 before a trial request is sent to a recovering server.
func NewHTTPClient(name string, cfg Config, probeURL string, httpClient *http.Client, lg *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var probe func(ctx context.Context) error
	if probeURL != "" {
		probe = func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, _ = io.CopyN(io.Discard, resp.Body, 64)
			if resp.StatusCode < 500 {
				return nil
			}
			return fmt.Errorf("probe_bad_status: %d", resp.StatusCode)
		}
	}
	return &HTTPClient{Client: httpClient, brk: New(name, cfg, probe, lg)}
}

func (h *HTTPClient) Breaker() *Breaker { return h.brk }

func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.brk.Execute(req.Context(), func(ctx context.Context) error {
		r, err := h.Client.Do(req.WithContext(ctx))
		if err != nil {
			return err
		}
		resp = r
		if r.StatusCode >= 500 {
			return fmt.Errorf("%w: %d", errServerStatus, r.StatusCode)
		}
		return nil
	})
	if err == nil {
		return resp, nil
	}
	if resp != nil {
		if errors.Is(err, errServerStatus) && !errors.Is(err, ErrOpen) {
			return resp, nil
		}
		resp.Body.Close()
	}
	return nil, err
}
