package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/model"
)

const maxResponseBytes = 1 << 20

// RejectedError is returned when a service answers a submission with a
// 4xx status. The breaker does not count these.
type RejectedError struct {
	ServiceID string
	Status    int
	Message   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected the submission (%d): %s", e.ServiceID, e.Status, e.Message)
}

type serviceClient struct {
	id      string
	cfg     config.ServiceConfig
	client  *http.Client
	breaker *Breaker
}

// HTTPOption customises an HTTPSubmitter.
type HTTPOption func(*HTTPSubmitter)

// WithHTTPMetrics records backend request metrics and breaker state.
func WithHTTPMetrics(m *observability.Metrics) HTTPOption {
	return func(s *HTTPSubmitter) { s.metrics = m }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *zap.Logger) HTTPOption {
	return func(s *HTTPSubmitter) { s.logger = l }
}

// WithTransport overrides the round tripper used for every service.
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(s *HTTPSubmitter) { s.transport = rt }
}

// HTTPSubmitter posts drafts as JSON to configured services.
type HTTPSubmitter struct {
	clients   map[string]*serviceClient
	metrics   *observability.Metrics
	logger    *zap.Logger
	transport http.RoundTripper
}

// NewHTTPSubmitter builds one client and breaker per configured service.
func NewHTTPSubmitter(services map[string]config.ServiceConfig, opts ...HTTPOption) *HTTPSubmitter {
	s := &HTTPSubmitter{
		clients: make(map[string]*serviceClient, len(services)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	for id, cfg := range services {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		serviceID := id
		s.clients[id] = &serviceClient{
			id:     id,
			cfg:    cfg,
			client: &http.Client{Timeout: timeout, Transport: s.transport},
			breaker: NewBreaker(cfg.CircuitBreaker, WithStateChange(func(from, to BreakerState) {
				s.logger.Warn("circuit breaker state changed",
					zap.String("service_id", serviceID),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
				if s.metrics != nil {
					s.metrics.SetBackendCircuitBreakerState(serviceID, float64(to))
				}
			})),
		}
	}
	return s
}

// Supports implements model.Submitter.
func (s *HTTPSubmitter) Supports(binding model.OperationBinding) bool {
	return binding.Type == model.BindingHTTP
}

// BreakerState reports the breaker state for a service.
func (s *HTTPSubmitter) BreakerState(serviceID string) (BreakerState, bool) {
	svc, ok := s.clients[serviceID]
	if !ok {
		return BreakerClosed, false
	}
	return svc.breaker.State(), true
}

// Submit implements model.Submitter.
func (s *HTTPSubmitter) Submit(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, req model.SubmissionRequest) (model.SubmissionResult, error) {
	svc, ok := s.clients[binding.ServiceID]
	if !ok {
		return model.SubmissionResult{}, fmt.Errorf("submission: service %q not configured", binding.ServiceID)
	}

	if err := svc.breaker.Allow(); err != nil {
		return model.SubmissionResult{}, model.NewBackendUnavailableError()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("submission: marshal request: %w", err)
	}

	method := binding.Method
	if method == "" {
		method = http.MethodPost
	}
	url := strings.TrimRight(svc.cfg.BaseURL, "/") + binding.Path

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return model.SubmissionResult{}, fmt.Errorf("submission: build request: %w", err)
	}
	httpReq.Header = buildHeaders(rctx, svc.cfg.Headers, req.IdempotencyKey)
	observability.InjectTraceHeaders(ctx, httpReq.Header)

	start := time.Now()
	resp, err := svc.client.Do(httpReq)
	if err != nil {
		svc.breaker.RecordFailure()
		s.record(svc.id, binding.Path, 0, start)
		if ctx.Err() != nil || isTimeout(err) {
			return model.SubmissionResult{}, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return model.SubmissionResult{}, model.NewBackendUnavailableError()
		}
		return model.SubmissionResult{}, fmt.Errorf("submission: request failed: %w", err)
	}
	defer resp.Body.Close()
	s.record(svc.id, binding.Path, resp.StatusCode, start)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		svc.breaker.RecordFailure()
		return model.SubmissionResult{}, fmt.Errorf("submission: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		svc.breaker.RecordFailure()
		return model.SubmissionResult{}, fmt.Errorf("submission: %s returned %d", svc.id, resp.StatusCode)
	case resp.StatusCode >= 400:
		return model.SubmissionResult{}, &RejectedError{
			ServiceID: svc.id,
			Status:    resp.StatusCode,
			Message:   responseMessage(raw, resp.StatusCode),
		}
	}
	svc.breaker.RecordSuccess()

	return decodeResult(raw)
}

func (s *HTTPSubmitter) record(serviceID, path string, status int, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordBackendRequest(serviceID, path, status, time.Since(start))
	}
}

func buildHeaders(rctx *model.RequestContext, configured map[string]string, idempotencyKey string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", sanitizeHeader(idempotencyKey))
	}
	if rctx != nil {
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
	}
	for k, v := range configured {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	return h
}

// sanitizeHeader strips CR and LF so values cannot inject headers.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func decodeResult(raw []byte) (model.SubmissionResult, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return model.SubmissionResult{}, fmt.Errorf("submission: decode response: %w", err)
	}
	ref, _ := body["reference"].(string)
	if ref == "" {
		ref, _ = body["id"].(string)
	}
	if ref == "" {
		return model.SubmissionResult{}, errors.New("submission: response carries no reference")
	}
	delete(body, "reference")
	if len(body) == 0 {
		body = nil
	}
	return model.SubmissionResult{Reference: ref, Data: body}, nil
}

func responseMessage(raw []byte, status int) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return http.StatusText(status)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
