package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SpeakMateClient/internal/logger"
	"SpeakMateClient/internal/protocol"
	"SpeakMateClient/internal/session"
)

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Detail     string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// IsNotFound 是否为 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized 是否为 401/403
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// Config REST客户端配置
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int // 幂等请求的重试次数
}

// Client 会话相关的REST接口客户端
type Client struct {
	config *Config
	http   *http.Client
	log    zerolog.Logger
}

// New 创建REST客户端
func New(config *Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		config: config,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		log: logger.WithComponent("restapi"),
	}
}

// CreateSessionRequest 创建会话请求
type CreateSessionRequest struct {
	Mode  session.Mode `json:"mode"`
	Topic string       `json:"topic,omitempty"`
}

// ConversationEntry 会话中的一条对话记录
type ConversationEntry struct {
	Role          string `json:"role"`
	Content       string `json:"content"`
	SequenceOrder int    `json:"sequence_order"`
}

// CreateSession POST /sessions/
func (c *Client) CreateSession(ctx context.Context, mode session.Mode, topic string) (*session.Session, error) {
	var out session.Session
	err := c.do(ctx, http.MethodPost, "/sessions/", nil, CreateSessionRequest{Mode: mode, Topic: topic}, &out)
	if err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create session: response has no id")
	}
	return &out, nil
}

// GetSession GET /sessions/{id}
func (c *Client) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession PUT /sessions/{id}/end，服务端保证幂等
func (c *Client) EndSession(ctx context.Context, sessionID string, durationSeconds int) (*session.Session, error) {
	query := url.Values{"duration_seconds": []string{strconv.Itoa(durationSeconds)}}

	var out session.Session
	if err := c.do(ctx, http.MethodPut, "/sessions/"+url.PathEscape(sessionID)+"/end", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetErrors GET /sessions/{id}/errors
func (c *Client) GetErrors(ctx context.Context, sessionID string) ([]protocol.DetectedError, error) {
	var out []protocol.DetectedError
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/errors", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation GET /sessions/{id}/conversation
func (c *Client) GetConversation(ctx context.Context, sessionID string) ([]ConversationEntry, error) {
	var out []ConversationEntry
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/conversation", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do 执行请求；幂等方法在网络错误和 5xx 时按退避重试
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	target := strings.TrimRight(c.config.BaseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	requestID := uuid.NewString()
	attempt := 0

	operation := func() error {
		attempt++
		err := c.send(ctx, method, target, path, requestID, payload, out)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		c.log.Warn().Err(err).Str("method", method).Str("path", path).Int("attempt", attempt).Msg("Request failed")
		return err
	}

	if method == http.MethodPost || c.config.MaxRetries <= 0 {
		return unwrapPermanent(operation())
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.config.MaxRetries)), ctx))
	return unwrapPermanent(err)
}

func (c *Client) send(ctx context.Context, method, target, path, requestID string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("requestId", requestID).
		Msg("REST call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Detail:     errorDetail(data),
			RequestID:  requestID,
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// errorDetail 提取 {"detail": "..."} 形式的错误信息
func errorDetail(body []byte) string {
	var parsed struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Detail != nil {
		if s, ok := parsed.Detail.(string); ok {
			return s
		}
		raw, _ := json.Marshal(parsed.Detail)
		return string(raw)
	}
	return strings.TrimSpace(string(body))
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
