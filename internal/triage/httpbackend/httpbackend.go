// Package httpbackend implements triage.Backend against the remote triage
// API:
//
//	GET  /reports?status=&minConfidence=&maxConfidence=&maxExclusive=&hazardType=&limit=&offset=
//	POST /reports/{trackingId}/validate|reject|duplicate
//
// Calls go through a circuit breaker that trips on transport failures and
// 5xx responses. Client errors (unknown report, already processed) do not
// count against it.
package httpbackend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/linnemanlabs/go-core/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/linnemanlabs/hazardwatch/internal/triage"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
	codeProcessed  = "already_processed"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
	// Breaker tuning. Zero values pick the defaults below.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// APIError is a non-2xx response from the triage API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// ReportStatus is set on already_processed conflicts.
	ReportStatus string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("triage api: http %d", e.StatusCode)
	}
	return fmt.Sprintf("triage api: http %d: %s", e.StatusCode, e.Message)
}

// Reason is the message the API gave, shown to the user as is.
func (e *APIError) Reason() string { return e.Message }

func (e *APIError) Is(target error) bool {
	return target == triage.ErrNotFound && e.StatusCode == http.StatusNotFound
}

func (e *APIError) serverFault() bool { return e.StatusCode >= 500 }

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status string `json:"status"`
}

type listBody struct {
	Reports []triage.Report `json:"reports"`
}

type decisionBody struct {
	Notes string `json:"notes,omitempty"`
	Actor string `json:"actor,omitempty"`
}

type response struct {
	status int
	body   []byte
}

// Client talks to the triage API.
type Client struct {
	base   *url.URL
	token  string
	http   *http.Client
	cb     *gobreaker.CircuitBreaker[*response]
	logger log.Logger
}

// New returns a Client for cfg.
func New(cfg Config, logger log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Nop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse triage api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("triage api url %q: scheme must be http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	c := &Client{
		base:   base,
		token:  cfg.Token,
		http:   hc,
		logger: logger.With("component", "triage-api"),
	}
	c.cb = gobreaker.NewCircuitBreaker[*response](gobreaker.Settings{
		Name:        "triage-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var ae *APIError
			if errors.As(err, &ae) {
				return !ae.serverFault()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn(context.Background(), "circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// ListReports fetches triage candidates.
func (c *Client) ListReports(ctx context.Context, f triage.Filter) ([]triage.Report, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodGet, "/reports", query(f), nil)
	if err != nil {
		return nil, err
	}
	var lb listBody
	if err := json.Unmarshal(resp.body, &lb); err != nil {
		return nil, fmt.Errorf("decode report list: %w", err)
	}
	if lb.Reports == nil {
		lb.Reports = []triage.Report{}
	}
	return lb.Reports, nil
}

// ApplyDecision posts a triage action.
func (c *Client) ApplyDecision(ctx context.Context, id string, d triage.Decision) (*triage.Report, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	// the remote API creates the hazard record on validation
	d = d.WithDefaults()
	body, err := json.Marshal(decisionBody{Notes: d.Notes, Actor: d.Actor})
	if err != nil {
		return nil, fmt.Errorf("encode decision: %w", err)
	}
	path := "/reports/" + id + "/" + string(d.Action)
	resp, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		var ae *APIError
		if errors.As(err, &ae) && ae.StatusCode == http.StatusConflict && ae.Code == codeProcessed {
			return nil, &triage.AlreadyProcessedError{TrackingID: id, Status: processedStatus(ae)}
		}
		return nil, err
	}
	var r triage.Report
	if err := json.Unmarshal(resp.body, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if r.TrackingID == "" {
		r.TrackingID = id
	}
	return &r, nil
}

// State reports the circuit breaker state.
func (c *Client) State() gobreaker.State { return c.cb.State() }

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (*response, error) {
	return c.cb.Execute(func() (*response, error) {
		u := *c.base
		u.Path = c.base.Path + path
		u.RawQuery = q.Encode()

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		res, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("triage api %s %s: %w", method, path, err)
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read triage api response: %w", err)
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return nil, apiError(res.StatusCode, data)
		}
		return &response{status: res.StatusCode, body: data}, nil
	})
}

func apiError(status int, data []byte) *APIError {
	ae := &APIError{StatusCode: status}
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		ae.Code = eb.Code
		ae.Message = eb.Error
		ae.ReportStatus = eb.Status
	}
	return ae
}

// processedStatus pulls the report status carried in an already_processed
// error. The API also embeds it in the message as "(status: x)".
func processedStatus(ae *APIError) triage.Status {
	if ae.ReportStatus != "" {
		return triage.Status(ae.ReportStatus)
	}
	if _, rest, ok := strings.Cut(ae.Message, "(status: "); ok {
		if st, _, ok := strings.Cut(rest, ")"); ok {
			return triage.Status(st)
		}
	}
	return ""
}

func query(f triage.Filter) url.Values {
	q := url.Values{}
	q.Set("status", string(f.Status))
	if f.MinConfidence != nil {
		q.Set("minConfidence", strconv.FormatFloat(*f.MinConfidence, 'f', -1, 64))
	}
	if f.MaxConfidence != nil {
		q.Set("maxConfidence", strconv.FormatFloat(*f.MaxConfidence, 'f', -1, 64))
		if f.MaxExclusive {
			q.Set("maxExclusive", "true")
		}
	}
	if f.HazardType != "" {
		q.Set("hazardType", f.HazardType)
	}
	if f.IncludeUnscored {
		q.Set("includeUnscored", "true")
	}
	q.Set("limit", strconv.Itoa(f.Limit))
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}
