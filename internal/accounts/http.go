package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type HTTPResolverOptions struct {
	BaseURL       string
	TokenProvider func(ctx context.Context) (string, error)
	HTTPClient    *http.Client
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPResolver calls the accounts service RPC endpoint: a POST of
// {"method", "params"} answered with {"result"} or {"error"}.
type HTTPResolver struct {
	baseURL       string
	tokenProvider func(ctx context.Context) (string, error)
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPResolver(opts HTTPResolverOptions) (*HTTPResolver, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("accounts url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPResolver{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// RPCError is an error answer from the accounts service.
type RPCError struct {
	Method  string
	Status  int
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("accounts %s failed: status=%d code=%s message=%s", e.Method, e.Status, e.Code, e.Message)
}

func (r *HTTPResolver) FindPersonUUID(ctx context.Context, socialID string, requireAccount bool) (string, error) {
	if socialID == "" {
		return "", nil
	}
	var uuid *string
	params := map[string]any{"socialId": socialID, "requireAccount": requireAccount}
	if err := r.call(ctx, "findPersonBySocialId", params, &uuid); err != nil {
		return "", err
	}
	if uuid == nil {
		return "", nil
	}
	return *uuid, nil
}

func (r *HTTPResolver) FindName(ctx context.Context, socialID string) (string, error) {
	if socialID == "" {
		return "", nil
	}
	var info *struct {
		Name string `json:"name"`
	}
	if err := r.call(ctx, "getPersonInfoBySocialId", map[string]any{"socialId": socialID}, &info); err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.Name, nil
}

func (r *HTTPResolver) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return err
	}
	token := ""
	if r.tokenProvider != nil {
		if token, err = r.tokenProvider(ctx); err != nil {
			return err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.baseDelay
	policy.MaxInterval = r.maxDelay
	policy.MaxElapsedTime = 0

	var resp rpcResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		res, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		payload, readErr := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if readErr != nil {
			return readErr
		}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return &RPCError{Method: method, Status: res.StatusCode, Message: strings.TrimSpace(string(payload))}
		}
		resp = rpcResponse{}
		if err := json.Unmarshal(payload, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("accounts %s: decode response: %w", method, err))
		}
		if res.StatusCode < 200 || res.StatusCode > 299 || resp.Error != nil {
			rpcErr := &RPCError{Method: method, Status: res.StatusCode}
			if resp.Error != nil {
				rpcErr.Code = resp.Error.Code
				rpcErr.Message = resp.Error.Message
			}
			return backoff.Permanent(rpcErr)
		}
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxRetries)), ctx)); err != nil {
		return err
	}
	if len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}
