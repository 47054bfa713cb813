package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"connect-relay/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := Wrap(rdb, zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), "redis://"+mr.Addr()+"/0", zap.NewNop())
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()))

	_, err = NewClient(context.Background(), "not a url", zap.NewNop())
	assert.Error(t, err)
}

func TestMessageStore_CreateAndGet(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewMessageStore(client)
	ctx := context.Background()

	msg := &models.Message{RoomID: "community", SenderID: "u1", SenderName: "Alice", Text: "hello"}
	require.NoError(t, store.CreateMessage(ctx, msg))
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, []string{}, msg.ReadBy)

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, "Alice", got.SenderName)
	assert.Equal(t, []string{}, got.ReadBy)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMessageStore_MarkReadIsIdempotent(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewMessageStore(client)
	ctx := context.Background()

	msg := &models.Message{RoomID: "community", SenderID: "u1", Text: "hi"}
	require.NoError(t, store.CreateMessage(ctx, msg))

	added, err := store.MarkRead(ctx, msg.ID, "u2")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.MarkRead(ctx, msg.ID, "u2")
	require.NoError(t, err)
	assert.False(t, added)

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, got.ReadBy)

	_, err = store.MarkRead(ctx, "missing", "u2")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMessageStore_MarkReadConcurrent(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewMessageStore(client)
	ctx := context.Background()

	msg := &models.Message{RoomID: "community", SenderID: "u1", Text: "hi"}
	require.NoError(t, store.CreateMessage(ctx, msg))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		added int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkRead(ctx, msg.ID, "u2")
			if err == nil && ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, added)
}

func TestMessageStore_History(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewMessageStore(client)
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"one", "two", "three", "four"} {
		msg := &models.Message{RoomID: "community", SenderID: "u1", Text: text}
		require.NoError(t, store.CreateMessage(ctx, msg))
		ids = append(ids, msg.ID)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, store.CreateMessage(ctx, &models.Message{RoomID: "other", SenderID: "u1", Text: "elsewhere"}))

	page, err := store.History(ctx, "community", 3, time.Time{})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, []string{"two", "three", "four"}, texts(page), "newest page in chronological order")

	older, err := store.History(ctx, "community", 3, page[0].CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, texts(older))

	deleted, err := store.DeleteMessage(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, "four", deleted.Text)
	assert.False(t, mr.Exists(messageKey(ids[3])))

	page, err = store.History(ctx, "community", 50, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, texts(page))

	_, err = store.DeleteMessage(ctx, ids[3])
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMessageStore_HistorySkipsDanglingIndexEntries(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewMessageStore(client)
	ctx := context.Background()

	msg := &models.Message{RoomID: "community", SenderID: "u1", Text: "kept"}
	require.NoError(t, store.CreateMessage(ctx, msg))
	_, err := mr.ZAdd(roomIndexKey("community"), 1, "ghost")
	require.NoError(t, err)

	page, err := store.History(ctx, "community", 50, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, texts(page))
}

func texts(messages []*models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Text
	}
	return out
}

func TestAlertStore(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewAlertStore(client)
	ctx := context.Background()

	first := &models.Alert{UserID: "admin1", UserName: "Admin", AlertType: "Fire", Details: "smoke on 4th floor", Location: "Block A"}
	require.NoError(t, store.CreateAlert(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := &models.Alert{UserID: "admin2", UserName: "Other", AlertType: "Water", Details: "leak"}
	require.NoError(t, store.CreateAlert(ctx, second))

	got, err := store.GetAlert(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fire", got.AlertType)
	assert.Equal(t, "Block A", got.Location)
	assert.False(t, got.Timestamp.IsZero())

	all, err := store.ListAlerts(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	own, err := store.ListAlerts(ctx, "admin1", 10)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, first.ID, own[0].ID)

	_, err = store.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUserDirectory(t *testing.T) {
	_, client := setupTestRedis(t)
	dir := NewUserDirectory(client)
	ctx := context.Background()

	require.NoError(t, dir.PutUser(ctx, &models.User{ID: "u1", Name: "Alice", ProfilePicture: "https://img/a.png"}))

	user, err := dir.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, models.RoleResident, user.Role)
	assert.Equal(t, "https://img/a.png", user.ProfilePicture)

	_, err = dir.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUserDirectory_SetProfilePicture(t *testing.T) {
	mr, client := setupTestRedis(t)
	dir := NewUserDirectory(client)
	ctx := context.Background()

	require.NoError(t, dir.PutUser(ctx, &models.User{ID: "u1", Name: "Alice"}))

	user, err := dir.SetProfilePicture(ctx, "u1", "data:image/png;base64,AAAA")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "data:image/png;base64,AAAA", user.ProfilePicture)

	_, err = dir.SetProfilePicture(ctx, "ghost", "data:image/png;base64,AAAA")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, mr.Exists(userKey("ghost")), "missing users are not created")
}

func TestUserDirectory_Tokens(t *testing.T) {
	mr, client := setupTestRedis(t)
	dir := NewUserDirectory(client)
	ctx := context.Background()

	require.NoError(t, dir.AddToken(ctx, "u1", "t1"))
	require.NoError(t, dir.AddToken(ctx, "u1", "t1"))
	require.NoError(t, dir.AddToken(ctx, "u1", "t2"))
	require.NoError(t, dir.AddToken(ctx, "u2", "t3"))
	require.NoError(t, dir.AddToken(ctx, "u3", "t4"))

	tokens, err := dir.Tokens(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, tokens)

	others, err := dir.TokensExcept(ctx, []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"u2": {"t3"}, "u3": {"t4"}}, others)

	require.NoError(t, dir.RemoveTokens(ctx, "u2", "t3"))
	isMember, err := mr.SIsMember(usersWithTokensKey, "u2")
	require.NoError(t, err)
	assert.False(t, isMember, "users without tokens leave the push set")

	require.NoError(t, dir.RemoveTokens(ctx, "u1", "t1"))
	tokens, err = dir.Tokens(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, tokens)

	none, err := dir.TokensExcept(ctx, []string{"u1", "u3"})
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.NoError(t, dir.RemoveTokens(ctx, "u1"))
}

type recordingDeliverer struct {
	mu     sync.Mutex
	events []delivered
}

type delivered struct {
	room, except, payload string
}

func (r *recordingDeliverer) Deliver(room, except string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, delivered{room, except, string(payload)})
}

func (r *recordingDeliverer) snapshot() []delivered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivered(nil), r.events...)
}

func testEncoder(roomKey, eventType string, data interface{}) ([]byte, error) {
	return []byte(`{"type":"` + eventType + `","room":"` + roomKey + `"}`), nil
}

func TestFanout_DeliversAcrossInstances(t *testing.T) {
	_, client := setupTestRedis(t)

	localA := &recordingDeliverer{}
	localB := &recordingDeliverer{}
	a := NewFanout(client, localA, testEncoder, zap.NewNop())
	b := NewFanout(client, localB, testEncoder, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, f := range []*Fanout{a, b} {
		ready := make(chan struct{})
		go f.Run(ctx, ready)
		<-ready
	}

	a.EmitExcept("community", "conn-1", "chat:typing", nil)
	a.Emit("residents", "alert:new", nil)

	require.Eventually(t, func() bool {
		return len(localA.snapshot()) == 2 && len(localB.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	gotA := localA.snapshot()
	assert.Equal(t, delivered{"community", "conn-1", `{"type":"chat:typing","room":"community"}`}, gotA[0])
	assert.Equal(t, "residents", gotA[1].room)

	gotB := localB.snapshot()
	assert.Equal(t, "community", gotB[0].room)
	assert.Empty(t, gotB[0].except, "exclusion only applies on the origin instance")
	assert.Equal(t, "residents", gotB[1].room)
}
