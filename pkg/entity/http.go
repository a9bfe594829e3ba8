package entity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

// Headers carrying the execution chain to the entity service, which copies
// them into the `_chain` payload key of the events it emits.
const (
	ChainIDHeader    = "X-Autoflow-Chain-Id"
	ChainDepthHeader = "X-Autoflow-Chain-Depth"
)

const maxErrorBody = 4096

// HTTPClient talks to the entity service REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Get(ctx context.Context, id string) (*Entity, error) {
	return c.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(id), nil)
}

func (c *HTTPClient) UpdateField(ctx context.Context, id, field string, value any) (*Entity, error) {
	path := "/entities/" + url.PathEscape(id) + "/fields/" + url.PathEscape(field)

	return c.do(ctx, http.MethodPatch, path, map[string]any{"value": value})
}

func (c *HTTPClient) Assign(ctx context.Context, id, assigneeID string) (*Entity, error) {
	return c.do(ctx, http.MethodPut, "/entities/"+url.PathEscape(id)+"/assignee", map[string]any{"assigneeId": assigneeID})
}

func (c *HTTPClient) Create(ctx context.Context, draft *Entity) (*Entity, error) {
	return c.do(ctx, http.MethodPost, "/entities", draft)
}

func (c *HTTPClient) MoveState(ctx context.Context, id, state string) (*Entity, error) {
	return c.do(ctx, http.MethodPut, "/entities/"+url.PathEscape(id)+"/status", map[string]any{"status": state})
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) (*Entity, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if chain, ok := ChainFromContext(ctx); ok {
		req.Header.Set(ChainIDHeader, chain.ID)
		req.Header.Set(ChainDepthHeader, strconv.Itoa(chain.Depth))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &models.ExternalCallError{URL: target, Err: err}
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, &models.ExternalCallError{URL: target, StatusCode: resp.StatusCode, Body: string(text)}
	}

	var entity Entity

	err = json.NewDecoder(resp.Body).Decode(&entity)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}

	return &entity, nil
}
