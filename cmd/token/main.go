// Command token issues a development token for the relay and optionally
// writes the matching user record so the relay can resolve a display name.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"connect-relay/internal/auth"
	"connect-relay/internal/models"
	"connect-relay/internal/redis"

	"go.uber.org/zap"
)

func main() {
	var (
		secret   = flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (defaults to $JWT_SECRET)")
		userID   = flag.String("user", "", "user id (must not contain '-')")
		role     = flag.String("role", models.RoleResident, "resident or admin")
		ttl      = flag.Duration("ttl", 24*time.Hour, "token lifetime")
		name     = flag.String("name", "", "display name to store for the user")
		picture  = flag.String("picture", "", "profile picture URL to store for the user")
		redisURL = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL used with -name (defaults to $REDIS_URL)")
	)
	flag.Parse()

	if *secret == "" || *userID == "" {
		flag.Usage()
		os.Exit(2)
	}

	if *name != "" {
		if err := storeUser(*redisURL, &models.User{ID: *userID, Name: *name, Role: *role, ProfilePicture: *picture}); err != nil {
			log.Fatal("Failed to store user: ", err)
		}
	}

	token, err := auth.IssueToken(*secret, *userID, *role, *ttl)
	if err != nil {
		log.Fatal("Failed to sign token: ", err)
	}
	fmt.Println(token)
}

func storeUser(redisURL string, user *models.User) error {
	if redisURL == "" {
		return fmt.Errorf("-redis or REDIS_URL is required with -name")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.NewClient(ctx, redisURL, zap.NewNop())
	if err != nil {
		return err
	}
	defer client.Close()

	return redis.NewUserDirectory(client).PutUser(ctx, user)
}
