package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connect-relay/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const alertsIndexKey = "alerts"

func alertKey(id string) string { return "alert:" + id }
func userAlertsKey(userID string) string { return "alerts:user:" + userID }

// AlertStore persists alerts. Alerts are never updated after creation.
type AlertStore struct {
	client *Client
}

func NewAlertStore(client *Client) *AlertStore {
	return &AlertStore{client: client}
}

func (s *AlertStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	alert.CreatedAt = now
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now
	}

	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	score := float64(alert.CreatedAt.UnixMicro())
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, alertKey(alert.ID), doc, 0)
		pipe.ZAdd(ctx, alertsIndexKey, &redis.Z{Score: score, Member: alert.ID})
		pipe.ZAdd(ctx, userAlertsKey(alert.UserID), &redis.Z{Score: score, Member: alert.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store alert %s: %w", alert.ID, err)
	}
	return nil
}

func (s *AlertStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	raw, err := s.client.rdb.Get(ctx, alertKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", id, err)
	}

	var alert models.Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return &alert, nil
}

// ListAlerts returns the newest alerts first. An empty userID lists every
// alert, otherwise only the ones raised by that user. A limit of zero lists
// them all.
func (s *AlertStore) ListAlerts(ctx context.Context, userID string, limit int) ([]*models.Alert, error) {
	index := alertsIndexKey
	if userID != "" {
		index = userAlertsKey(userID)
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.rdb.ZRevRange(ctx, index, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read alerts index: %w", err)
	}

	alerts := make([]*models.Alert, 0, len(ids))
	for _, id := range ids {
		alert, err := s.GetAlert(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
