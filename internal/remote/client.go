// v0
// internal/remote/client.go
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hzj1203/BYD/internal/models"
)

var (
	ErrUnauthorized = errors.New("vehicle service rejected credential")
	ErrHTTPStatus   = errors.New("unexpected vehicle service status")
	ErrInvalidVIN   = errors.New("invalid vin")
)

// Doer is satisfied by *http.Client and the circuit breaker wrapper.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	BaseURL   string
	UserAgent string
	// Source is reported to the service as the command origin.
	Source    string
	StatusTTL time.Duration
	CacheObs  CacheObserver
}

// Client talks to the vehicle control service.
type Client struct {
	base      *url.URL
	http      Doer
	userAgent string
	source    string
	lg        *slog.Logger
	now       func() time.Time
	status    *statusCache
}

type controlRequest struct {
	VIN       string `json:"vin"`
	Command   string `json:"command"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
	RequestID string `json:"requestId"`
}

type controlResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	CommandID string `json:"commandId,omitempty"`
}

type statusResponse struct {
	VIN        string `json:"vin"`
	Locked     bool   `json:"locked"`
	EngineOn   bool   `json:"engineOn"`
	LastUpdate int64  `json:"lastUpdate"`
}

func New(opts Options, doer Doer, lg *slog.Logger) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	if lg == nil {
		lg = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ttl := opts.StatusTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Client{
		base:      base,
		http:      doer,
		userAgent: opts.UserAgent,
		source:    opts.Source,
		lg:        lg,
		now:       time.Now,
		status:    newStatusCache(ttl, opts.CacheObs),
	}, nil
}

// Execute sends a lock or unlock command. A well-formed answer with
// success=false is returned as a Result, not an error. The request id is
// the intent id carried by ctx, so retries of one intent share it.
func (c *Client) Execute(ctx context.Context, kind models.Kind, vin, credential string) (models.Result, error) {
	if !kind.Valid() {
		return models.Result{}, fmt.Errorf("unknown command kind %q", kind)
	}
	if err := checkVIN(vin); err != nil {
		return models.Result{}, err
	}
	reqID := models.IntentID(ctx)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	body, err := json.Marshal(controlRequest{
		VIN:       vin,
		Command:   string(kind),
		Timestamp: c.now().UnixMilli(),
		Source:    c.source,
		RequestID: reqID,
	})
	if err != nil {
		return models.Result{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "v1/car/control", credential, bytes.NewReader(body))
	if err != nil {
		return models.Result{}, err
	}
	var out controlResponse
	err = c.do(req, &out)
	// a failed or timed out command may still have moved the locks
	c.status.invalidate(vin)
	if err != nil {
		return models.Result{}, fmt.Errorf("%s %s: %w", kind, vin, err)
	}
	c.lg.Debug("remote_command", "kind", kind, "vin", vin, "request_id", reqID, "success", out.Success, "command_id", out.CommandID)
	return models.Result{Success: out.Success, Message: out.Message, CommandID: out.CommandID}, nil
}

// Status reads the reported vehicle state, cached for the status TTL.
func (c *Client) Status(ctx context.Context, vin, credential string) (models.VehicleStatus, error) {
	if err := checkVIN(vin); err != nil {
		return models.VehicleStatus{}, err
	}
	st, epoch, ok := c.status.lookup(vin)
	if ok {
		return st, nil
	}
	req, err := c.newRequestURL(ctx, http.MethodGet, &url.URL{
		Path:    "v1/car/" + vin + "/status",
		RawPath: "v1/car/" + url.PathEscape(vin) + "/status",
	}, credential, nil)
	if err != nil {
		return models.VehicleStatus{}, err
	}
	var out statusResponse
	if err := c.do(req, &out); err != nil {
		return models.VehicleStatus{}, fmt.Errorf("status %s: %w", vin, err)
	}
	st = models.VehicleStatus{
		VIN:        out.VIN,
		Locked:     out.Locked,
		EngineOn:   out.EngineOn,
		LastUpdate: time.UnixMilli(out.LastUpdate),
	}
	if !c.status.store(vin, epoch, st) {
		c.lg.Debug("status_superseded", "vin", vin)
	}
	return st, nil
}

func checkVIN(vin string) error {
	if strings.TrimSpace(vin) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidVIN)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path, credential string, body io.Reader) (*http.Request, error) {
	return c.newRequestURL(ctx, method, &url.URL{Path: path}, credential, body)
}

func (c *Client) newRequestURL(ctx context.Context, method string, ref *url.URL, credential string, body io.Reader) (*http.Request, error) {
	u := c.base.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
