// Package invoker calls backend REST operations described by the OpenAPI
// index, with per-service retry and circuit breaking.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealdesk/internal/config"
	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/internal/openapi"
	"github.com/pitabwire/dealdesk/model"
)

const maxResponseBytes = 10 << 20

type serviceClient struct {
	id      string
	cfg     config.ServiceConfig
	client  *http.Client
	breaker *CircuitBreaker
}

// OpenAPIInvoker builds HTTP requests from indexed OpenAPI operations and
// executes them. It implements model.OperationInvoker.
type OpenAPIInvoker struct {
	index   *openapi.Index
	clients map[string]*serviceClient
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an OpenAPIInvoker.
type Option func(*OpenAPIInvoker)

// WithLogger sets the invoker logger.
func WithLogger(l *zap.Logger) Option {
	return func(inv *OpenAPIInvoker) { inv.logger = l }
}

// WithMetrics records backend request, retry and breaker metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(inv *OpenAPIInvoker) { inv.metrics = m }
}

// NewOpenAPIInvoker creates an invoker with one HTTP client and circuit
// breaker per configured service.
func NewOpenAPIInvoker(idx *openapi.Index, services map[string]config.ServiceConfig, opts ...Option) *OpenAPIInvoker {
	inv := &OpenAPIInvoker{
		index:   idx,
		clients: make(map[string]*serviceClient, len(services)),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(inv)
	}

	for id, svcCfg := range services {
		timeout := svcCfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}

		serviceID := id
		cb := svcCfg.CircuitBreaker
		breaker := NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout,
			WithStateChange(func(s BreakerState) {
				inv.logger.Warn("circuit breaker state changed",
					zap.String("service_id", serviceID),
					zap.Stringer("state", s),
				)
				if inv.metrics != nil {
					inv.metrics.SetBackendCircuitBreakerState(serviceID, float64(s))
				}
			}),
		)

		inv.clients[id] = &serviceClient{
			id:      id,
			cfg:     svcCfg,
			client:  &http.Client{Timeout: timeout, Transport: transport},
			breaker: breaker,
		}
	}
	return inv
}

// Breaker returns the circuit breaker of a service.
func (inv *OpenAPIInvoker) Breaker(serviceID string) (*CircuitBreaker, bool) {
	svc, ok := inv.clients[serviceID]
	if !ok {
		return nil, false
	}
	return svc.breaker, true
}

// Invoke executes op with retry and circuit breaker protection. Transport
// failures are returned as BACKEND_UNAVAILABLE or BACKEND_TIMEOUT envelopes;
// any HTTP response, including 4xx and 5xx, is returned as a result.
func (inv *OpenAPIInvoker) Invoke(
	ctx context.Context,
	rctx *model.RequestContext,
	op model.OperationRef,
	input model.InvocationInput,
) (model.InvocationResult, error) {
	indexed, ok := inv.index.GetOperation(op.ServiceID, op.OperationID)
	if !ok {
		return model.InvocationResult{}, fmt.Errorf("invoker: operation %s not found in OpenAPI index", op)
	}
	svc, ok := inv.clients[op.ServiceID]
	if !ok {
		return model.InvocationResult{}, fmt.Errorf("invoker: service %q not configured", op.ServiceID)
	}

	ctx, span := observability.StartSpan(ctx, "invoker."+op.OperationID,
		observability.AttrServiceID.String(op.ServiceID),
	)

	reqURL := buildRequestURL(indexed, input)
	headers := buildRequestHeaders(rctx, input, indexed.Method)
	observability.InjectTraceHeaders(ctx, headers)

	var bodyBytes []byte
	if input.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(input.Body)
		if err != nil {
			observability.EndSpanWithError(span, err)
			return model.InvocationResult{}, fmt.Errorf("invoker: marshal body: %w", err)
		}
	}

	start := time.Now()
	result, err := inv.executeWithRetry(ctx, svc, indexed.Method, reqURL, headers, bodyBytes)
	if inv.metrics != nil {
		inv.metrics.RecordBackendRequest(op.ServiceID, op.OperationID, result.StatusCode, time.Since(start))
	}
	if err == nil && result.StatusCode >= 500 {
		observability.EndSpanWithError(span, fmt.Errorf("backend status %d", result.StatusCode))
	} else {
		observability.EndSpanWithError(span, err)
	}
	return result, err
}

func (inv *OpenAPIInvoker) executeWithRetry(
	ctx context.Context,
	svc *serviceClient,
	method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (model.InvocationResult, error) {
	retryCfg := svc.cfg.Retry
	maxAttempts := retryCfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !retryCfg.IdempotentOnly

	var lastErr error
	var lastResult model.InvocationResult

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if inv.metrics != nil {
				inv.metrics.RecordBackendRetry(svc.id)
			}
			select {
			case <-ctx.Done():
				return model.InvocationResult{}, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(retryCfg, attempt)):
			}
		}

		result, err := inv.executeOnce(ctx, svc, method, reqURL, headers, bodyBytes)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return model.InvocationResult{}, err
			}
			inv.logger.Debug("retrying backend call after error",
				zap.String("service_id", svc.id),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(result.StatusCode) && canRetry && attempt < maxAttempts-1 {
			lastResult = result
			inv.logger.Debug("retrying backend call after status",
				zap.String("service_id", svc.id),
				zap.Int("attempt", attempt+1),
				zap.Int("status", result.StatusCode),
			)
			continue
		}

		return result, nil
	}

	if lastErr != nil {
		return model.InvocationResult{}, lastErr
	}
	return lastResult, nil
}

func (inv *OpenAPIInvoker) executeOnce(
	ctx context.Context,
	svc *serviceClient,
	method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (model.InvocationResult, error) {
	if err := svc.breaker.Allow(); err != nil {
		return model.InvocationResult{}, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return model.InvocationResult{}, fmt.Errorf("invoker: build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := svc.client.Do(req)
	if err != nil {
		svc.breaker.RecordFailure()
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return model.InvocationResult{}, model.NewBackendTimeoutError()
		case isConnectionError(err):
			return model.InvocationResult{}, model.NewBackendUnavailableError()
		}
		return model.InvocationResult{}, fmt.Errorf("invoker: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		svc.breaker.RecordFailure()
		return model.InvocationResult{}, fmt.Errorf("invoker: read response: %w", err)
	}

	// 4xx responses say nothing about backend health.
	if isServerError(resp.StatusCode) {
		svc.breaker.RecordFailure()
	} else if !isClientError(resp.StatusCode) {
		svc.breaker.RecordSuccess()
	}

	result := model.InvocationResult{
		StatusCode: resp.StatusCode,
		Headers:    extractResponseHeaders(resp),
	}
	if len(bytes.TrimSpace(respBody)) > 0 {
		// Numbers stay json.Number so large integer IDs keep every digit.
		dec := json.NewDecoder(bytes.NewReader(respBody))
		dec.UseNumber()
		var parsed any
		if err := dec.Decode(&parsed); err == nil {
			result.Body = parsed
		}
	}
	return result, nil
}

func buildRequestURL(op openapi.IndexedOperation, input model.InvocationInput) string {
	path := op.PathTemplate
	for name, value := range input.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}

	result := op.BaseURL + path
	if len(input.QueryParams) > 0 {
		params := url.Values{}
		for k, v := range input.QueryParams {
			params.Set(k, v)
		}
		result += "?" + params.Encode()
	}
	return result
}

func buildRequestHeaders(rctx *model.RequestContext, input model.InvocationInput, method string) http.Header {
	h := make(http.Header)

	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		if rctx.Timezone != "" {
			h.Set("X-Timezone", sanitizeHeader(rctx.Timezone))
		}
	}

	// Input headers win over the standard ones.
	for k, v := range input.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	return h
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func extractResponseHeaders(resp *http.Response) map[string]string {
	headers := make(map[string]string)
	for _, key := range []string{"Content-Type", "ETag", "Location", "X-Correlation-Id", "Retry-After"} {
		if v := resp.Header.Get(key); v != "" {
			headers[key] = v
		}
	}
	return headers
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool { return code >= 500 }

func isClientError(code int) bool { return code >= 400 && code < 500 }

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError rejects classified failures such as an open breaker.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
