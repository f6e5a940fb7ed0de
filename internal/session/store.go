package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/snipvault/snippet-app/internal/user"
)

const (
	// ConnPrefix is the Redis key prefix for connection record hashes.
	ConnPrefix = "conn:"

	// PresencePrefix is the Redis key prefix for snippet presence hashes.
	PresencePrefix = "presence:"

	// ConnTTL is the default time-to-live for connection records in Redis.
	// A record that is not touched within its TTL marks a dead connection.
	ConnTTL = 1 * time.Hour

	// PresenceTTL bounds how long a presence hash outlives its last update.
	PresenceTTL = 1 * time.Hour
)

// Store manages connection records and presence hashes in Redis. A presence
// entry counts only while the connection record it names exists, so entries
// left by a crashed instance disappear once its records expire.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
	connTTL    time.Duration
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreFromClient(client, serverName), nil
}

// NewStoreFromClient wraps an existing Redis client.
func NewStoreFromClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, connTTL: ConnTTL}
}

// SetConnTTL changes the lifetime of connection records. Records must be
// touched more often than ttl.
func (s *Store) SetConnTTL(ttl time.Duration) {
	if ttl > 0 {
		s.connTTL = ttl
	}
}

// RecordTTL returns the lifetime of connection records.
func (s *Store) RecordTTL() time.Duration {
	return s.connTTL
}

// Create stores a connection record.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, s.connTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Touch updates last_active and refreshes the TTL of every listed record in
// one round trip.
func (s *Store) Touch(ctx context.Context, connIDs ...string) error {
	if len(connIDs) == 0 {
		return nil
	}
	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	for _, id := range connIDs {
		key := ConnPrefix + id
		pipe.HSet(ctx, key, "last_active", now)
		pipe.Expire(ctx, key, s.connTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch %d records: %w", len(connIDs), err)
	}
	return nil
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, ConnPrefix+connID).Err()
}

// AddPresence records connID's user as a member of snippetID.
func (s *Store) AddPresence(ctx context.Context, snippetID, connID string, p user.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("session: marshal presence: %w", err)
	}

	key := PresencePrefix + snippetID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, connID, data)
	pipe.Expire(ctx, key, PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: add presence %s/%s: %w", snippetID, connID, err)
	}
	return nil
}

// RemovePresence drops connID from snippetID's presence hash.
func (s *Store) RemovePresence(ctx context.Context, snippetID, connID string) error {
	return s.client.HDel(ctx, PresencePrefix+snippetID, connID).Err()
}

// Presence returns the profiles of every live connection recorded in
// snippetID, ordered by connection id. Entries whose connection record has
// expired are dropped from the hash.
func (s *Store) Presence(ctx context.Context, snippetID string) ([]user.Profile, error) {
	key := PresencePrefix + snippetID
	entries, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("session: presence %s: %w", snippetID, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	connIDs := make([]string, 0, len(entries))
	for id := range entries {
		connIDs = append(connIDs, id)
	}
	sort.Strings(connIDs)

	pipe := s.client.Pipeline()
	exists := make([]*redis.IntCmd, len(connIDs))
	for i, id := range connIDs {
		exists[i] = pipe.Exists(ctx, ConnPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: presence %s: %w", snippetID, err)
	}

	out := make([]user.Profile, 0, len(entries))
	var stale []string
	for i, id := range connIDs {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		var p user.Profile
		if err := json.Unmarshal([]byte(entries[id]), &p); err != nil {
			continue
		}
		out = append(out, p)
	}

	if len(stale) > 0 {
		if err := s.client.HDel(ctx, key, stale...).Err(); err != nil {
			log.Printf("[session] failed to prune %d stale presence entries snippet=%s: %v", len(stale), snippetID, err)
		}
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
