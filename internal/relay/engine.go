// Package relay implements the chat relay: it validates inbound socket
// events, persists them, fans them out to room members and kicks off push
// notifications.
//
// Events from one connection are handled in order. Push notifications run
// as detached tasks that are started only after the live broadcast has been
// handed to the Broadcaster; their outcome is logged and never reaches the
// sender.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"connect-relay/internal/models"
	"connect-relay/internal/notify"
	"connect-relay/internal/rooms"
	"connect-relay/internal/ws"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNotifyTimeout   = 15 * time.Second
	defaultReadConcurrency = 8
	notificationBodyRunes  = 100
	photoBody              = "sent a photo"
)

var (
	ErrAlertForbidden = errors.New("Only admin can raise alerts")
	ErrAlertInvalid   = errors.New("alertType and reason are required")
)

// Conn is the connection an event arrived on.
type Conn interface {
	ID() string
	Principal() models.Principal
	// Emit sends an event to this connection only.
	Emit(eventType string, data interface{})
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	// MarkRead adds userID to the readers of message id and reports whether
	// it was newly added. Missing messages yield models.ErrNotFound.
	MarkRead(ctx context.Context, id, userID string) (bool, error)
}

type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
}

// ProfileLookup resolves the display attributes of a sender.
type ProfileLookup interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// Broadcaster delivers events to room members. Implemented by ws.Hub for a
// single instance and by redis.Fanout across instances.
type Broadcaster interface {
	Emit(roomKey, eventType string, data interface{})
	EmitExcept(roomKey, exceptConnID, eventType string, data interface{})
}

type Notifier interface {
	NotifyUser(ctx context.Context, userID string, n notify.Notification, data map[string]string) notify.Outcome
	NotifyAllExcept(ctx context.Context, exclude []string, n notify.Notification, data map[string]string) notify.Outcome
}

// Membership releases a connection's room memberships.
type Membership interface {
	LeaveAll(client *ws.Client) bool
}

// Deps are the collaborators of an Engine. Profiles and Notifier may be nil.
type Deps struct {
	Messages    MessageStore
	Alerts      AlertStore
	Profiles    ProfileLookup
	Broadcaster Broadcaster
	Notifier    Notifier
	Membership  Membership

	// NotifyTimeout bounds each detached notification task.
	NotifyTimeout time.Duration
	// ReadConcurrency caps parallel lookups of one mark-read batch.
	ReadConcurrency int
}

type Engine struct {
	messages    MessageStore
	alerts      AlertStore
	profiles    ProfileLookup
	broadcaster Broadcaster
	notifier    Notifier
	membership  Membership

	notifyTimeout   time.Duration
	readConcurrency int

	tasksMu sync.Mutex
	closed  bool
	tasks   sync.WaitGroup

	logger *zap.Logger
}

func NewEngine(deps Deps, logger *zap.Logger) *Engine {
	e := &Engine{
		messages:        deps.Messages,
		alerts:          deps.Alerts,
		profiles:        deps.Profiles,
		broadcaster:     deps.Broadcaster,
		notifier:        deps.Notifier,
		membership:      deps.Membership,
		notifyTimeout:   deps.NotifyTimeout,
		readConcurrency: deps.ReadConcurrency,
		logger:          logger,
	}
	if e.notifyTimeout <= 0 {
		e.notifyTimeout = defaultNotifyTimeout
	}
	if e.readConcurrency <= 0 {
		e.readConcurrency = defaultReadConcurrency
	}
	return e
}

type SendMessageInput struct {
	RoomID   string `json:"roomId"`
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
}

type TypingInput struct {
	RoomID string `json:"roomId"`
}

type MarkReadInput struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type RaiseAlertInput struct {
	AlertType string `json:"alertType"`
	Details   string `json:"details"`
	Location  string `json:"location"`
}

// HandleFrame dispatches one inbound socket event.
func (e *Engine) HandleFrame(ctx context.Context, client *ws.Client, frame models.InboundFrame) {
	switch frame.Type {
	case models.EventChatMessage:
		var in SendMessageInput
		if e.decode(client, frame, &in) {
			e.SendMessage(ctx, client, in)
		}

	case models.EventChatTyping, models.EventChatStopTyping:
		var in TypingInput
		if e.decode(client, frame, &in) {
			e.Typing(ctx, client, in, frame.Type == models.EventChatStopTyping)
		}

	case models.EventChatRead:
		var in MarkReadInput
		if e.decode(client, frame, &in) {
			e.MarkRead(ctx, client, in)
		}

	case models.EventAlertRaise:
		var in RaiseAlertInput
		if !e.decode(client, frame, &in) {
			return
		}
		if _, err := e.RaiseAlert(ctx, client.Principal(), in); err != nil {
			if errors.Is(err, ErrAlertForbidden) || errors.Is(err, ErrAlertInvalid) {
				client.Emit(models.EventAlertError, err.Error())
			}
		}

	default:
		e.logger.Warn("[RELAY] Unknown event type", zap.String("type", frame.Type), zap.String("user", client.Principal().ID))
	}
}

// decode fills v from the frame payload. An absent payload leaves v zero.
func (e *Engine) decode(conn Conn, frame models.InboundFrame, v interface{}) bool {
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return true
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		e.logger.Warn("[RELAY] Malformed event payload",
			zap.String("type", frame.Type),
			zap.String("user", conn.Principal().ID),
			zap.Error(err))
		return false
	}
	return true
}

// SendMessage persists a chat message, broadcasts it to the room and
// starts the matching push notification.
func (e *Engine) SendMessage(ctx context.Context, conn Conn, in SendMessageInput) {
	if in.Text == "" && in.ImageURL == "" {
		return
	}

	sender := conn.Principal()
	roomID := rooms.OrDefault(in.RoomID)

	msg := &models.Message{
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Text:       in.Text,
		ImageURL:   in.ImageURL,
	}
	if err := e.messages.CreateMessage(ctx, msg); err != nil {
		e.logger.Error("[RELAY] Failed to save message", zap.String("room", roomID), zap.String("user", sender.ID), zap.Error(err))
		return
	}

	e.broadcaster.Emit(roomID, models.EventChatNewMessage, models.OutboundMessage{
		Message:              *msg,
		SenderProfilePicture: e.profilePicture(ctx, sender.ID),
	})
	e.logger.Debug("[RELAY] Message broadcast", zap.String("room", roomID), zap.String("message", msg.ID))

	e.notifyMessage(ctx, msg)
}

func (e *Engine) profilePicture(ctx context.Context, userID string) *string {
	if e.profiles == nil {
		return nil
	}
	user, err := e.profiles.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			e.logger.Warn("[RELAY] Profile lookup failed", zap.String("user", userID), zap.Error(err))
		}
		return nil
	}
	if user == nil || user.ProfilePicture == "" {
		return nil
	}
	picture := user.ProfilePicture
	return &picture
}

func (e *Engine) notifyMessage(ctx context.Context, msg *models.Message) {
	body := truncateRunes(msg.Text, notificationBodyRunes)
	if msg.ImageURL != "" {
		body = photoBody
	}
	data := map[string]string{
		"type":     "chat_message",
		"roomId":   msg.RoomID,
		"senderId": msg.SenderID,
	}

	if rooms.IsPrivate(msg.RoomID) {
		recipient, ok := rooms.Counterpart(msg.RoomID, msg.SenderID)
		if !ok {
			e.logger.Debug("[RELAY] No private recipient, skipping notification", zap.String("room", msg.RoomID))
			return
		}
		n := notify.Notification{Title: "New message from " + msg.SenderName, Body: body}
		e.detach(ctx, "private chat", func(ctx context.Context) notify.Outcome {
			return e.notifier.NotifyUser(ctx, recipient, n, data)
		})
		return
	}

	n := notify.Notification{Title: fmt.Sprintf("%s in %s", msg.SenderName, msg.RoomID), Body: body}
	exclude := []string{msg.SenderID}
	e.detach(ctx, "group chat", func(ctx context.Context) notify.Outcome {
		return e.notifier.NotifyAllExcept(ctx, exclude, n, data)
	})
}

// Typing relays a typing indicator to every other connection in the room.
func (e *Engine) Typing(ctx context.Context, conn Conn, in TypingInput, stop bool) {
	eventType := models.EventChatTyping
	if stop {
		eventType = models.EventChatStopTyping
	}
	principal := conn.Principal()
	roomID := rooms.OrDefault(in.RoomID)

	e.broadcaster.EmitExcept(roomID, conn.ID(), eventType, models.TypingData{
		RoomID:   roomID,
		UserID:   principal.ID,
		UserName: principal.Name,
	})
}

// MarkRead records the caller as a reader of each message and announces
// every new read to the room. Lookups run concurrently; a failure on one id
// does not affect the others.
func (e *Engine) MarkRead(ctx context.Context, conn Conn, in MarkReadInput) {
	if len(in.MessageIDs) == 0 {
		return
	}

	userID := conn.Principal().ID
	roomID := rooms.OrDefault(in.RoomID)

	var (
		mu     sync.Mutex
		marked int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.readConcurrency)
	for _, id := range dedupe(in.MessageIDs) {
		id := id
		g.Go(func() error {
			added, err := e.messages.MarkRead(gctx, id, userID)
			switch {
			case errors.Is(err, models.ErrNotFound):
				return nil
			case err != nil:
				e.logger.Error("[RELAY] Failed to mark message read", zap.String("message", id), zap.String("user", userID), zap.Error(err))
				return nil
			case !added:
				return nil
			}

			e.broadcaster.Emit(roomID, models.EventChatMessageRead, models.MessageReadData{MessageID: id, UserID: userID})
			mu.Lock()
			marked++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Debug("[RELAY] Marked messages read", zap.String("room", roomID), zap.String("user", userID), zap.Int("count", marked))
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// RaiseAlert persists an alert from an admin, broadcasts it to residents and
// starts a push to everyone but the raiser. It returns ErrAlertForbidden or
// ErrAlertInvalid without side effects when the request is not allowed.
func (e *Engine) RaiseAlert(ctx context.Context, principal models.Principal, in RaiseAlertInput) (*models.Alert, error) {
	if !principal.IsAdmin() {
		e.logger.Warn("[RELAY] Non-admin tried to raise alert", zap.String("user", principal.ID))
		return nil, ErrAlertForbidden
	}
	if in.AlertType == "" || in.Details == "" {
		return nil, ErrAlertInvalid
	}

	alert := &models.Alert{
		UserID:    principal.ID,
		UserName:  principal.Name,
		AlertType: in.AlertType,
		Details:   in.Details,
		Location:  in.Location,
	}
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		e.logger.Error("[RELAY] Failed to save alert", zap.String("user", principal.ID), zap.Error(err))
		return nil, fmt.Errorf("create alert: %w", err)
	}

	e.broadcaster.Emit(rooms.Residents, models.EventAlertNew, alert)
	e.logger.Info("[RELAY] Alert raised", zap.String("alert", alert.ID), zap.String("type", alert.AlertType), zap.String("user", principal.ID))

	n := notify.Notification{
		Title: fmt.Sprintf("🚨 %s Alert", alert.AlertType),
		Body:  fmt.Sprintf("%s: %s", alert.UserName, alert.Details),
	}
	data := map[string]string{
		"type":      "alert",
		"alertId":   alert.ID,
		"alertType": alert.AlertType,
	}
	exclude := []string{principal.ID}
	e.detach(ctx, "alert", func(ctx context.Context) notify.Outcome {
		return e.notifier.NotifyAllExcept(ctx, exclude, n, data)
	})

	return alert, nil
}

// Disconnect releases every room membership of client.
func (e *Engine) Disconnect(client *ws.Client) {
	if e.membership.LeaveAll(client) {
		e.logger.Debug("[RELAY] Connection released", zap.String("user", client.Principal().ID), zap.String("conn", client.ID()))
	}
}

// Wait blocks until every started notification task has finished.
func (e *Engine) Wait() {
	e.tasks.Wait()
}

// Close stops new notification tasks from starting. Events handled after
// Close are still persisted and broadcast.
func (e *Engine) Close() {
	e.tasksMu.Lock()
	e.closed = true
	e.tasksMu.Unlock()
}

// detach runs send in its own goroutine on a context that outlives the
// triggering event.
func (e *Engine) detach(ctx context.Context, kind string, send func(ctx context.Context) notify.Outcome) {
	if e.notifier == nil {
		return
	}

	e.tasksMu.Lock()
	if e.closed {
		e.tasksMu.Unlock()
		e.logger.Warn("[RELAY] Engine closed, notification dropped", zap.String("kind", kind))
		return
	}
	e.tasks.Add(1)
	e.tasksMu.Unlock()

	go func() {
		defer e.tasks.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
		defer cancel()

		out := send(ctx)
		fields := []zap.Field{
			zap.String("kind", kind),
			zap.Bool("success", out.Success),
			zap.Int("succeeded", out.SuccessCount),
			zap.Int("failed", out.FailureCount),
		}
		if out.Reason != "" {
			fields = append(fields, zap.String("reason", out.Reason))
		}
		if out.Err != nil {
			e.logger.Warn("[RELAY] Notification failed", append(fields, zap.Error(out.Err))...)
			return
		}
		e.logger.Debug("[RELAY] Notification result", fields...)
	}()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
