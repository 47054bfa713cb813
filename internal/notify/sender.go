package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// maxBatchTokens is the per-request token limit of multicast push gateways.
const maxBatchTokens = 500

const (
	errCodeInvalidToken  = "messaging/invalid-registration-token"
	errCodeNotRegistered = "messaging/registration-token-not-registered"
)

// PushSender delivers one notification to a list of device tokens.
type PushSender interface {
	Send(ctx context.Context, tokens []string, n Notification, data map[string]string) (SendResult, error)
}

// TokenResult is the provider's verdict for one token.
type TokenResult struct {
	Token   string
	Success bool
	Code    string
}

// SendResult aggregates the per-token results of a send.
type SendResult struct {
	SuccessCount int
	FailureCount int
	Results      []TokenResult
}

// InvalidTokens lists tokens the provider no longer accepts.
func (r SendResult) InvalidTokens() []string {
	var out []string
	for _, res := range r.Results {
		if res.Success {
			continue
		}
		if res.Code == errCodeInvalidToken || res.Code == errCodeNotRegistered {
			out = append(out, res.Token)
		}
	}
	return out
}

type multicastRequest struct {
	Tokens       []string          `json:"tokens"`
	Notification Notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type multicastResponse struct {
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
	Responses    []struct {
		Success bool `json:"success"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"responses"`
}

// HTTPPushSender posts multicast batches to a push gateway.
type HTTPPushSender struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

func NewHTTPPushSender(endpoint, serverKey string, logger *zap.Logger) *HTTPPushSender {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if serverKey != "" {
		client.SetAuthToken(serverKey)
	}

	return &HTTPPushSender{httpClient: client, logger: logger}
}

func (s *HTTPPushSender) Send(ctx context.Context, tokens []string, n Notification, data map[string]string) (SendResult, error) {
	var total SendResult
	for start := 0; start < len(tokens); start += maxBatchTokens {
		end := start + maxBatchTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		res, err := s.sendBatch(ctx, tokens[start:end], n, data)
		if err != nil {
			return total, err
		}
		total.SuccessCount += res.SuccessCount
		total.FailureCount += res.FailureCount
		total.Results = append(total.Results, res.Results...)
	}
	return total, nil
}

func (s *HTTPPushSender) sendBatch(ctx context.Context, tokens []string, n Notification, data map[string]string) (SendResult, error) {
	var response multicastResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(multicastRequest{Tokens: tokens, Notification: n, Data: data}).
		SetResult(&response).
		Post("/send")
	if err != nil {
		return SendResult{}, fmt.Errorf("call push gateway: %w", err)
	}
	if resp.IsError() {
		s.logger.Error("[NOTIFY] Push gateway returned error", zap.Int("status_code", resp.StatusCode()), zap.String("body", resp.String()))
		return SendResult{}, fmt.Errorf("push gateway status %d", resp.StatusCode())
	}

	result := SendResult{
		SuccessCount: response.SuccessCount,
		FailureCount: response.FailureCount,
		Results:      make([]TokenResult, 0, len(tokens)),
	}
	for i, r := range response.Responses {
		if i >= len(tokens) {
			break
		}
		tr := TokenResult{Token: tokens[i], Success: r.Success}
		if r.Error != nil {
			tr.Code = r.Error.Code
		}
		result.Results = append(result.Results, tr)
	}
	return result, nil
}
