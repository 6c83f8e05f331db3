package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/teranos/episodic/am"
	"github.com/teranos/episodic/errors"
	"github.com/teranos/episodic/internal/httpclient"
	"github.com/teranos/episodic/internal/util"
)

// HTTPGenerator talks to the generation workflow over HTTP.
//
//	POST {base}/generations        -> 202 {"handle": "..."}
//	GET  {base}/generations/{h}    -> {"status": "running|succeeded|failed", ...}
//
// Calls pass through a circuit breaker; while it is open every call fails
// fast with ErrUnavailable.
type HTTPGenerator struct {
	baseURL     string
	apiKey      string
	callbackURL string
	client      *httpclient.SaferClient
	breaker     *gobreaker.CircuitBreaker
	log         *zap.SugaredLogger
}

// upstreamError is a non-2xx answer from the workflow
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("workflow returned status %d: %s", e.status, e.body)
}

// NewHTTPGenerator builds a generator from workflow config
func NewHTTPGenerator(cfg am.WorkflowConfig, log *zap.SugaredLogger) (*HTTPGenerator, error) {
	if cfg.BaseURL == "" {
		return nil, errors.NewInvalidRequestError("workflow.base_url is required")
	}
	// The workflow usually runs inside the deployment's network
	client := httpclient.New(time.Duration(cfg.TimeoutSeconds)*time.Second, httpclient.Options{
		BlockPrivateIP: util.Ptr(false),
		MaxRedirects:   util.Ptr(0),
	})
	if _, err := client.ValidateURL(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "invalid workflow.base_url")
	}

	threshold := uint32(cfg.BreakerFailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	openFor := time.Duration(cfg.BreakerOpenSeconds) * time.Second
	if openFor <= 0 {
		openFor = time.Minute
	}

	g := &HTTPGenerator{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		callbackURL: cfg.CallbackURL,
		client:      client,
		log:         log,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generation-workflow",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A 4xx is the workflow rejecting the request, not the workflow being down
		IsSuccessful: func(err error) bool {
			var ue *upstreamError
			if errors.As(err, &ue) {
				return ue.status < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Workflow circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g, nil
}

// BreakerState reports the circuit breaker state for status output
func (g *HTTPGenerator) BreakerState() string {
	return g.breaker.State().String()
}

// StartGeneration submits a run and returns its handle
func (g *HTTPGenerator) StartGeneration(ctx context.Context, req Request) (Handle, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = g.callbackURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Handle{}, errors.Wrap(err, "failed to encode generation request")
	}

	var resp struct {
		Handle string `json:"handle"`
	}
	if err := g.call(ctx, http.MethodPost, g.baseURL+"/generations", body, &resp); err != nil {
		return Handle{}, err
	}
	if resp.Handle == "" {
		return Handle{}, errors.New("workflow accepted the run without a handle")
	}
	return Handle{ID: resp.Handle, AcceptedAt: time.Now().UTC()}, nil
}

// PollStatus reads a run's status
func (g *HTTPGenerator) PollStatus(ctx context.Context, handle string) (Outcome, bool, error) {
	var resp struct {
		Status    string  `json:"status"`
		ResultRef string  `json:"result_ref"`
		Cost      float64 `json:"cost"`
		Error     string  `json:"error"`
	}
	if err := g.call(ctx, http.MethodGet, g.baseURL+"/generations/"+url.PathEscape(handle), nil, &resp); err != nil {
		return Outcome{}, false, err
	}

	out := Outcome{Handle: handle, ResultRef: resp.ResultRef, Cost: resp.Cost, Error: resp.Error}
	switch resp.Status {
	case "succeeded":
		out.Success = true
		return out, true, nil
	case "failed":
		if out.Error == "" {
			out.Error = "workflow reported failure"
		}
		return out, true, nil
	default:
		return Outcome{}, false, nil
	}
}

func (g *HTTPGenerator) call(ctx context.Context, method, target string, body []byte, into interface{}) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build workflow request")
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if g.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.apiKey)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "workflow %s %s", method, target)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read workflow response")
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &upstreamError{status: resp.StatusCode, body: strings.TrimSpace(string(payload))}
		}
		if into != nil && len(payload) > 0 {
			if err := json.Unmarshal(payload, into); err != nil {
				return nil, errors.Wrap(err, "failed to decode workflow response")
			}
		}
		return nil, nil
	})

	if errors.IsAny(err, gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests) {
		return errors.WithHint(errors.Wrap(ErrUnavailable, err.Error()),
			"The workflow endpoint failed repeatedly; calls resume after the breaker timeout")
	}
	return err
}
