// Package webhook provides the call_external_webhook action: a signed JSON
// request to a user configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

const (
	SignatureHeader = "X-Autoflow-Signature"
	DeliveryHeader  = "X-Autoflow-Delivery"
	maxResponseBody = 64 * 1024
)

// Values of the rateLimitBy config.
const (
	LimitByURL      = "url"
	LimitByWorkflow = "workflow"
)

var (
	ErrInvalidURL       = errors.New("url must be an absolute http or https URL")
	ErrInvalidMethod    = errors.New("unsupported method")
	ErrInvalidRateLimit = errors.New("rateLimitBy must be url or workflow")
)

type Config struct {
	// Timeout bounds one attempt.
	Timeout time.Duration
	// Attempts is the number of transport attempts; only connection failures are retried.
	Attempts        int
	InitialInterval time.Duration
	// Secret signs request bodies when a node does not configure its own.
	Secret string
}

func DefaultConfig() Config {
	return Config{Timeout: 5 * time.Second, Attempts: 3, InitialInterval: 200 * time.Millisecond}
}

// LimiterKey is the rate limiter bucket of one endpoint.
func LimiterKey(target string) string {
	return "webhook:" + target
}

// WorkflowLimiterKey is the bucket shared by every webhook of one workflow.
func WorkflowLimiterKey(workflowID string) string {
	return "webhook:workflow:" + workflowID
}

// Sign returns the value of SignatureHeader for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type ActionFactory struct {
	client  *http.Client
	limiter protocol.RateLimiter
	config  Config
}

func NewActionFactory(limiter protocol.RateLimiter, config Config) *ActionFactory {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	if config.Attempts <= 0 {
		config.Attempts = 1
	}

	if config.InitialInterval <= 0 {
		config.InitialInterval = DefaultConfig().InitialInterval
	}

	return &ActionFactory{client: &http.Client{}, limiter: limiter, config: config}
}

func (f *ActionFactory) ID() string {
	return models.ActionCallExternalWebhook
}

func (f *ActionFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Endpoint URL. Supports {{...}} references.",
			},
			"method": map[string]any{
				"type":    "string",
				"default": "POST",
				"enum":    []any{"POST", "PUT", "PATCH"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body":   map[string]any{"description": "JSON body. Defaults to the trigger payload."},
			"secret": map[string]any{"type": "string"},
			"rateLimitBy": map[string]any{
				"type":        "string",
				"default":     LimitByURL,
				"enum":        []any{LimitByURL, LimitByWorkflow},
				"description": "Rate limiter bucket: one per endpoint or one per workflow.",
			},
		},
	}
}

func (f *ActionFactory) Create(config map[string]any) (protocol.Action, error) {
	rawURL, _ := config["url"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	method, _ := config["method"].(string)
	method = strings.ToUpper(method)

	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidMethod, method)
	}

	headers := make(map[string]string)

	if headersConfig, ok := config["headers"].(map[string]any); ok {
		for k, v := range headersConfig {
			if strVal, ok := v.(string); ok {
				headers[k] = strVal
			}
		}
	}

	limitBy, _ := config["rateLimitBy"].(string)

	switch limitBy {
	case "":
		limitBy = LimitByURL
	case LimitByURL, LimitByWorkflow:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRateLimit, limitBy)
	}

	secret, _ := config["secret"].(string)
	if secret == "" {
		secret = f.config.Secret
	}

	body, hasBody := config["body"]

	return &Action{
		factory: f,
		url:     parsed.String(),
		method:  method,
		headers: headers,
		body:    body,
		hasBody: hasBody,
		secret:  secret,
		limitBy: limitBy,
	}, nil
}

type Action struct {
	factory *ActionFactory
	url     string
	method  string
	headers map[string]string
	body    any
	hasBody bool
	secret  string
	limitBy string
}

func (a *Action) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	body := a.body
	if !a.hasBody {
		body = map[string]any{
			"workflowId":  input.WorkflowID,
			"executionId": input.ExecutionID,
			"trigger":     input.Trigger,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook body: %w", err)
	}

	return &effect{
		factory:    a.factory,
		url:        a.url,
		method:     a.method,
		headers:    a.headers,
		payload:    payload,
		secret:     a.secret,
		limiterKey: a.limiterKey(input.WorkflowID),
		deliveryID: input.ExecutionID + ":" + input.NodeID,
	}, nil
}

func (a *Action) limiterKey(workflowID string) string {
	if a.limitBy == LimitByWorkflow {
		return WorkflowLimiterKey(workflowID)
	}

	return LimiterKey(a.url)
}

type effect struct {
	factory    *ActionFactory
	url        string
	method     string
	headers    map[string]string
	payload    []byte
	secret     string
	limiterKey string
	deliveryID string
}

func (e *effect) Describe() map[string]any {
	var body any

	_ = json.Unmarshal(e.payload, &body)

	return map[string]any{
		"method": e.method,
		"url":    e.url,
		"body":   body,
		"signed": e.secret != "",
	}
}

func (e *effect) Apply(ctx context.Context) (map[string]any, error) {
	if e.factory.limiter != nil && !e.factory.limiter.TryAcquire(e.limiterKey, 1) {
		return nil, &models.SafetyLimitError{Limit: models.LimitRateLimited, Detail: e.limiterKey}
	}

	var (
		statusCode int
		respBody   []byte
		attempts   int
	)

	operation := func() error {
		attempts++

		var err error

		statusCode, respBody, err = e.send(ctx)

		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.factory.config.InitialInterval

	err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(e.factory.config.Attempts-1)), ctx))
	if err != nil {
		var callErr *models.ExternalCallError
		if errors.As(err, &callErr) {
			return nil, callErr
		}

		return nil, &models.ExternalCallError{URL: e.url, Err: err}
	}

	output := map[string]any{"statusCode": statusCode, "attempts": attempts}

	var decoded any
	if json.Unmarshal(respBody, &decoded) == nil {
		output["response"] = decoded
	} else if len(respBody) > 0 {
		output["response"] = string(respBody)
	}

	return output, nil
}

// send performs one attempt. Connection failures are returned as retryable;
// timeouts and non-2xx responses are permanent.
func (e *effect) send(ctx context.Context) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.factory.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, e.method, e.url, bytes.NewReader(e.payload))
	if err != nil {
		return 0, nil, backoff.Permanent(&models.ExternalCallError{URL: e.url, Err: err})
	}

	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, e.deliveryID)

	if e.secret != "" {
		req.Header.Set(SignatureHeader, Sign(e.secret, e.payload))
	}

	resp, err := e.factory.client.Do(req)
	if err != nil {
		if attemptCtx.Err() != nil {
			return 0, nil, backoff.Permanent(&models.ExternalCallError{URL: e.url, Err: fmt.Errorf("timed out after %s: %w", e.factory.config.Timeout, err)})
		}

		return 0, nil, &models.ExternalCallError{URL: e.url, Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, backoff.Permanent(&models.ExternalCallError{URL: e.url, StatusCode: resp.StatusCode, Err: err})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, backoff.Permanent(&models.ExternalCallError{URL: e.url, StatusCode: resp.StatusCode, Body: string(body)})
	}

	return resp.StatusCode, body, nil
}
