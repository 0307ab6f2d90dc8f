// Package cache mirrors presence into Redis so other services can see who
// is online without talking to the gateway.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"homeservices-realtime/internal/model"
)

const keyPrefix = "realtime:presence:"

type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Entry is the value stored per online identity.
type Entry struct {
	ConnectionID string    `json:"connectionId"`
	Since        time.Time `json:"since"`
}

// PresenceMirror keeps one Redis hash per role, identity -> Entry.
type PresenceMirror struct {
	client hashClient
	now    func() time.Time
}

func NewPresenceMirror(client hashClient) *PresenceMirror {
	return &PresenceMirror{client: client, now: time.Now}
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func roleKey(role model.Role) string {
	return keyPrefix + string(role)
}

func (m *PresenceMirror) Online(ctx context.Context, id model.Identity, connID string) error {
	data, err := json.Marshal(Entry{ConnectionID: connID, Since: m.now().UTC()})
	if err != nil {
		return err
	}
	if err := m.client.HSet(ctx, roleKey(id.Role), id.ID, data).Err(); err != nil {
		return fmt.Errorf("mirror online %s: %w", id.ID, err)
	}
	return nil
}

func (m *PresenceMirror) Offline(ctx context.Context, id model.Identity) error {
	if err := m.client.HDel(ctx, roleKey(id.Role), id.ID).Err(); err != nil {
		return fmt.Errorf("mirror offline %s: %w", id.ID, err)
	}
	return nil
}

// OnlineIDs returns the identities currently mirrored for role, sorted.
func (m *PresenceMirror) OnlineIDs(ctx context.Context, role model.Role) ([]string, error) {
	all, err := m.client.HGetAll(ctx, roleKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence %s: %w", role, err)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reset clears the hashes for every role. Called at startup, since a fresh
// process holds no connections.
func (m *PresenceMirror) Reset(ctx context.Context) error {
	for _, role := range []model.Role{model.RoleStaff, model.RoleCustomer} {
		all, err := m.client.HGetAll(ctx, roleKey(role)).Result()
		if err != nil {
			return fmt.Errorf("read presence %s: %w", role, err)
		}
		if len(all) == 0 {
			continue
		}
		fields := make([]string, 0, len(all))
		for id := range all {
			fields = append(fields, id)
		}
		if err := m.client.HDel(ctx, roleKey(role), fields...).Err(); err != nil {
			return fmt.Errorf("reset presence %s: %w", role, err)
		}
	}
	return nil
}
