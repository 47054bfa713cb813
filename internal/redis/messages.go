package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"connect-relay/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func messageKey(id string) string { return "chat:msg:" + id }
func readByKey(id string) string { return "chat:msg:" + id + ":readBy" }
func roomIndexKey(room string) string { return "chat:room:" + room + ":msgs" }

// markReadScript adds a reader only if the message document still exists.
// Returns -1 when missing, otherwise the SADD result.
var markReadScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('SADD', KEYS[2], ARGV[1])
`)

// MessageStore persists chat messages as JSON documents with a per-room
// time index. readBy lives in its own set so read receipts are atomic per
// message without rewriting the document.
type MessageStore struct {
	client *Client
}

func NewMessageStore(client *Client) *MessageStore {
	return &MessageStore{client: client}
}

// storedMessage is the document body; readBy is kept separately.
type storedMessage struct {
	ID         string    `json:"_id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s storedMessage) toModel(readBy []string) *models.Message {
	sort.Strings(readBy)
	if readBy == nil {
		readBy = []string{}
	}
	return &models.Message{
		ID:         s.ID,
		RoomID:     s.RoomID,
		SenderID:   s.SenderID,
		SenderName: s.SenderName,
		Text:       s.Text,
		ImageURL:   s.ImageURL,
		ReadBy:     readBy,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// CreateMessage assigns an id and timestamps and stores msg.
func (s *MessageStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}

	doc, err := json.Marshal(storedMessage{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Text:       msg.Text,
		ImageURL:   msg.ImageURL,
		CreatedAt:  msg.CreatedAt,
		UpdatedAt:  msg.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, messageKey(msg.ID), doc, 0)
		pipe.ZAdd(ctx, roomIndexKey(msg.RoomID), &redis.Z{
			Score:  float64(msg.CreatedAt.UnixMicro()),
			Member: msg.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage loads a message with its current readers.
func (s *MessageStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	messages, err := s.load(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return messages[0], nil
}

// MarkRead adds userID to the readers of message id. added is false when the
// user had already read it.
func (s *MessageStore) MarkRead(ctx context.Context, id, userID string) (bool, error) {
	res, err := markReadScript.Run(ctx, s.client.rdb, []string{messageKey(id), readByKey(id)}, userID).Int64()
	if err != nil {
		return false, fmt.Errorf("mark message %s read: %w", id, err)
	}
	if res < 0 {
		return false, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return res == 1, nil
}

// History returns at most limit messages of roomID created before the given
// time (zero means now), oldest first.
func (s *MessageStore) History(ctx context.Context, roomID string, limit int, before time.Time) ([]*models.Message, error) {
	maxScore := "+inf"
	if !before.IsZero() {
		maxScore = "(" + strconv.FormatInt(before.UnixMicro(), 10)
	}

	ids, err := s.client.rdb.ZRevRangeByScore(ctx, roomIndexKey(roomID), &redis.ZRangeBy{
		Max:   maxScore,
		Min:   "-inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read room %s index: %w", roomID, err)
	}

	messages, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteMessage removes the document, its readers and its index entry, and
// returns what was deleted.
func (s *MessageStore) DeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, messageKey(id), readByKey(id))
		pipe.ZRem(ctx, roomIndexKey(msg.RoomID), id)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete message %s: %w", id, err)
	}
	return msg, nil
}

// load fetches documents and readers for ids in order, skipping ids whose
// document no longer exists.
func (s *MessageStore) load(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	docs := make([]*redis.StringCmd, len(ids))
	readers := make([]*redis.StringSliceCmd, len(ids))
	_, err := s.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			docs[i] = pipe.Get(ctx, messageKey(id))
			readers[i] = pipe.SMembers(ctx, readByKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]*models.Message, 0, len(ids))
	for i := range ids {
		raw, err := docs[i].Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", ids[i], err)
		}

		var doc storedMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		messages = append(messages, doc.toModel(readers[i].Val()))
	}
	return messages, nil
}

