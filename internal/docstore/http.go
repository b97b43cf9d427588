package docstore

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
)

type TokenProvider func(ctx context.Context) (string, error)

type HTTPClientOptions struct {
	BaseURL       string
	Workspace     string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

// HTTPClient talks to a hulylake style document service:
// {base}/api/{workspace}/{path}. It does not retry; the grouped message
// store owns the retry policy.
type HTTPClient struct {
	baseURL       string
	workspace     string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("docstore base url is required")
	}
	workspace := strings.TrimSpace(opts.Workspace)
	if workspace == "" {
		return nil, fmt.Errorf("docstore workspace is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPClient{
		baseURL:       baseURL,
		workspace:     workspace,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}, nil
}

func (c *HTTPClient) GetJSON(ctx context.Context, path string, out any) error {
	body, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *HTTPClient) PutJSON(ctx context.Context, path string, doc any) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, path, "application/json", payload)
	return err
}

func (c *HTTPClient) PatchJSON(ctx context.Context, path string, ops []PatchOp) error {
	payload, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, path, "application/json-patch+json", payload)
	return err
}

func (c *HTTPClient) DeleteJSON(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, "", nil)
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, payload []byte) ([]byte, error) {
	key, err := cleanDocPath(path)
	if err != nil {
		return nil, err
	}
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	target := c.baseURL + "/api/" + url.PathEscape(c.workspace) + "/" + strings.Join(segments, "/")

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokenProvider != nil {
		token, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, err
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed map[string]any
		if json.Unmarshal(body, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				httpErr.Code = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				httpErr.Message = message
			}
		}
		return nil, httpErr
	}
	return body, nil
}
