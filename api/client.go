package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout is the per-request timeout when no option overrides it.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize caps response bodies read into memory.
	maxResponseSize = 10 * 1024 * 1024

	defaultUserAgent = "go-stride-client/1.0"
)

// HTTPClient is the HTTP implementation of Backend.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	log        zerolog.Logger
}

var _ Backend = (*HTTPClient)(nil)

// HTTPClientOption modifies an HTTPClient during construction.
type HTTPClientOption func(*HTTPClient)

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for request/response logging.
func WithLogger(log zerolog.Logger) HTTPClientOption {
	return func(c *HTTPClient) {
		c.log = log
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.userAgent = ua
	}
}

// NewHTTPClient creates an HTTP backend client for the given base URL.
func NewHTTPClient(baseURL string, options ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  defaultUserAgent,
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login implements Backend.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   PathLogin,
		Body:   loginRequest{Email: email, Password: password},
	})
	if err != nil {
		return nil, err
	}
	return decodeAuthResult(resp)
}

// Refresh implements Backend.
func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	resp, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   PathRefresh,
		Body:   refreshRequest{RefreshToken: refreshToken},
	})
	if err != nil {
		return nil, err
	}
	return decodeAuthResult(resp)
}

// Logout implements Backend.
func (c *HTTPClient) Logout(ctx context.Context, accessToken string) error {
	_, err := c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        PathLogout,
		Body:        struct{}{},
		AccessToken: accessToken,
	})
	return err
}

func decodeAuthResult(resp *Response) (*AuthResult, error) {
	var result AuthResult
	if err := resp.Decode(&result); err != nil {
		return nil, errors.Wrap(err, "[decodeAuthResult] malformed auth payload")
	}
	return &result, nil
}

// errorEnvelope is the error body shape the backend returns on rejections.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do implements Backend. Every rejection is returned as an *Error; the
// response body is read fully with a size cap before returning.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	requestURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		requestURL += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "[HTTPClient.Do] marshal request body")
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "[HTTPClient.Do] build request")
	}
	c.setHeaders(httpReq, req.AccessToken)

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Debug().Str("method", method).Str("path", req.Path).Err(err).Msg("request failed")
		return nil, &Error{Kind: KindNetwork, Message: err.Error()}
	}
	defer httpResp.Body.Close()

	body, err := readBody(httpResp)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: err.Error()}
	}

	c.log.Debug().
		Str("method", method).
		Str("path", req.Path).
		Int("status", httpResp.StatusCode).
		Dur("duration", time.Since(start)).
		Str("token", tokenFingerprint(req.AccessToken)).
		Msg("backend call")

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, rejectionError(httpResp.StatusCode, body)
	}

	return &Response{Status: httpResp.StatusCode, Body: body}, nil
}

func (c *HTTPClient) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.New().String())
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

// rejectionError maps a non-2xx response to a classified *Error, pulling the
// code and message out of the error envelope when the body parses.
func rejectionError(status int, body []byte) *Error {
	apiErr := &Error{
		Kind:    classifyStatus(status),
		Status:  status,
		Message: http.StatusText(status),
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

func readBody(resp *http.Response) ([]byte, error) {
	// Read one byte past the cap so a body of exactly maxResponseSize is
	// still accepted.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	if len(body) > maxResponseSize {
		return nil, errors.Errorf("response exceeded maximum size of %d bytes", maxResponseSize)
	}
	return body, nil
}

// tokenFingerprint returns a short fingerprint suitable for logs. Raw tokens
// never appear in log output.
func tokenFingerprint(token string) string {
	if token == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:4])
}
