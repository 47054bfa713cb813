package redis

import (
	"context"
	"fmt"

	"connect-relay/internal/models"

	"github.com/go-redis/redis/v8"
)

const usersWithTokensKey = "usr:with-tokens"

func userKey(id string) string { return "usr:" + id }
func userTokensKey(id string) string { return "usr:" + id + ":tokens" }

// removeTokensScript drops tokens and, when none remain, removes the user
// from the set of users that can receive pushes.
var removeTokensScript = redis.NewScript(`
redis.call('SREM', KEYS[1], unpack(ARGV))
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], KEYS[3])
end
return redis.call('SCARD', KEYS[1])
`)

// setProfileFieldScript updates one field of an existing user record only.
var setProfileFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// UserDirectory is the read side of the user collection plus the registry
// of push delivery tokens.
type UserDirectory struct {
	client *Client
}

func NewUserDirectory(client *Client) *UserDirectory {
	return &UserDirectory{client: client}
}

func (d *UserDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	fields, err := d.client.rdb.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}

	return &models.User{
		ID:             id,
		Name:           fields["name"],
		Email:          fields["email"],
		Role:           fields["role"],
		ProfilePicture: fields["profilePicture"],
	}, nil
}

// PutUser writes the user fields the relay reads.
func (d *UserDirectory) PutUser(ctx context.Context, user *models.User) error {
	role := user.Role
	if role == "" {
		role = models.RoleResident
	}
	err := d.client.rdb.HSet(ctx, userKey(user.ID),
		"name", user.Name,
		"email", user.Email,
		"role", role,
		"profilePicture", user.ProfilePicture,
	).Err()
	if err != nil {
		return fmt.Errorf("store user %s: %w", user.ID, err)
	}
	return nil
}

// SetProfilePicture replaces the picture of an existing user and returns
// the updated record.
func (d *UserDirectory) SetProfilePicture(ctx context.Context, userID, picture string) (*models.User, error) {
	updated, err := setProfileFieldScript.Run(ctx, d.client.rdb, []string{userKey(userID)}, "profilePicture", picture).Int()
	if err != nil {
		return nil, fmt.Errorf("update picture of %s: %w", userID, err)
	}
	if updated == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	return d.GetUser(ctx, userID)
}

// AddToken registers a delivery token. Registering it again is a no-op.
func (d *UserDirectory) AddToken(ctx context.Context, userID, token string) error {
	_, err := d.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, userTokensKey(userID), token)
		pipe.SAdd(ctx, usersWithTokensKey, userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register token for %s: %w", userID, err)
	}
	return nil
}

func (d *UserDirectory) RemoveTokens(ctx context.Context, userID string, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	args := make([]interface{}, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	keys := []string{userTokensKey(userID), usersWithTokensKey, userID}
	if err := removeTokensScript.Run(ctx, d.client.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("remove tokens for %s: %w", userID, err)
	}
	return nil
}

func (d *UserDirectory) Tokens(ctx context.Context, userID string) ([]string, error) {
	tokens, err := d.client.rdb.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load tokens for %s: %w", userID, err)
	}
	return tokens, nil
}

// TokensExcept returns the tokens of every user with at least one token,
// keyed by user id, leaving out the excluded users.
func (d *UserDirectory) TokensExcept(ctx context.Context, exclude []string) (map[string][]string, error) {
	userIDs, err := d.client.rdb.SMembers(ctx, usersWithTokensKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load users with tokens: %w", err)
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	cmds := make(map[string]*redis.StringSliceCmd, len(userIDs))
	_, err = d.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			if _, excluded := skip[id]; excluded {
				continue
			}
			cmds[id] = pipe.SMembers(ctx, userTokensKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	out := make(map[string][]string, len(cmds))
	for id, cmd := range cmds {
		if tokens := cmd.Val(); len(tokens) > 0 {
			out[id] = tokens
		}
	}
	return out, nil
}
