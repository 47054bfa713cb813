// Package notify delivers push notifications to users' registered devices.
//
// Delivery is best-effort. Dispatcher methods never return errors or panic
// into the caller; every outcome, including transport failures, is reported
// in the returned Outcome and logged.
package notify

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

const (
	reasonNotConfigured = "push not configured"
	reasonNoUserTokens  = "no delivery tokens for user"
	reasonNoTokens      = "no delivery tokens"
)

// Notification is the visible part of a push.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Outcome summarizes one dispatch.
type Outcome struct {
	Success      bool
	SuccessCount int
	FailureCount int
	Reason       string
	Err          error
}

// TokenStore is the registry of delivery tokens.
type TokenStore interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
	TokensExcept(ctx context.Context, exclude []string) (map[string][]string, error)
	RemoveTokens(ctx context.Context, userID string, tokens ...string) error
}

// Dispatcher resolves recipients to tokens and hands them to a PushSender.
type Dispatcher struct {
	tokens TokenStore
	sender PushSender
	logger *zap.Logger
}

// NewDispatcher returns a dispatcher. A nil sender yields a dispatcher that
// reports every call as not configured.
func NewDispatcher(tokens TokenStore, sender PushSender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{tokens: tokens, sender: sender, logger: logger}
}

// NotifyUser pushes to every token of userID and prunes tokens the provider
// reports as no longer valid.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, n Notification, data map[string]string) (out Outcome) {
	defer d.catchPanic(&out, "user")

	if d.sender == nil {
		d.logger.Warn("[NOTIFY] Push not configured; skipping notification", zap.String("user", userID))
		return Outcome{Reason: reasonNotConfigured}
	}

	tokens, err := d.tokens.Tokens(ctx, userID)
	if err != nil {
		d.logger.Error("[NOTIFY] Failed to load tokens", zap.String("user", userID), zap.Error(err))
		return Outcome{Reason: "token lookup failed", Err: err}
	}
	if len(tokens) == 0 {
		return Outcome{Reason: reasonNoUserTokens}
	}

	res, err := d.sender.Send(ctx, tokens, n, data)
	if err != nil {
		d.logger.Error("[NOTIFY] Error sending notification", zap.String("user", userID), zap.Error(err))
		return Outcome{Reason: "send failed", Err: err}
	}

	d.logger.Info("[NOTIFY] Sent notification to user",
		zap.String("user", userID),
		zap.Int("succeeded", res.SuccessCount),
		zap.Int("failed", res.FailureCount))

	if invalid := res.InvalidTokens(); len(invalid) > 0 {
		if err := d.tokens.RemoveTokens(ctx, userID, invalid...); err != nil {
			d.logger.Warn("[NOTIFY] Failed to prune invalid tokens", zap.String("user", userID), zap.Error(err))
		} else {
			d.logger.Info("[NOTIFY] Pruned invalid tokens", zap.String("user", userID), zap.Int("count", len(invalid)))
		}
	}

	return Outcome{Success: true, SuccessCount: res.SuccessCount, FailureCount: res.FailureCount}
}

// NotifyAllExcept pushes to every registered token of every user not in
// exclude.
func (d *Dispatcher) NotifyAllExcept(ctx context.Context, exclude []string, n Notification, data map[string]string) (out Outcome) {
	defer d.catchPanic(&out, "broadcast")

	if d.sender == nil {
		d.logger.Warn("[NOTIFY] Push not configured; skipping broadcast")
		return Outcome{Reason: reasonNotConfigured}
	}

	byUser, err := d.tokens.TokensExcept(ctx, exclude)
	if err != nil {
		d.logger.Error("[NOTIFY] Failed to load tokens", zap.Error(err))
		return Outcome{Reason: "token lookup failed", Err: err}
	}

	userIDs := make([]string, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	var tokens []string
	for _, id := range userIDs {
		tokens = append(tokens, byUser[id]...)
	}
	if len(tokens) == 0 {
		d.logger.Debug("[NOTIFY] No delivery tokens found")
		return Outcome{Success: true, Reason: reasonNoTokens}
	}

	d.logger.Info("[NOTIFY] Sending broadcast", zap.Int("tokens", len(tokens)), zap.Int("users", len(userIDs)))

	res, err := d.sender.Send(ctx, tokens, n, data)
	if err != nil {
		d.logger.Error("[NOTIFY] Error broadcasting notification", zap.Error(err))
		return Outcome{Reason: "send failed", Err: err}
	}

	d.logger.Info("[NOTIFY] Broadcast notification sent",
		zap.Int("succeeded", res.SuccessCount),
		zap.Int("failed", res.FailureCount))

	return Outcome{Success: true, SuccessCount: res.SuccessCount, FailureCount: res.FailureCount}
}

func (d *Dispatcher) catchPanic(out *Outcome, kind string) {
	if r := recover(); r != nil {
		err := fmt.Errorf("notify %s panicked: %v", kind, r)
		d.logger.Error("[NOTIFY] Dispatch panicked", zap.Error(err))
		*out = Outcome{Reason: "internal error", Err: err}
	}
}
