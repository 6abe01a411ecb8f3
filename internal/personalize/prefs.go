package personalize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pressroom/internal/cache"
	"pressroom/internal/core"
)

var (
	// ErrNoPreferences means the user never stored a preference list.
	ErrNoPreferences = errors.New("personalize: no preferences stored")
	// ErrNoValidTopics means normalization rejected every submitted topic.
	ErrNoValidTopics = errors.New("personalize: no valid topics supplied")
)

// PrefStore persists per-user topic preferences as JSON documents.
type PrefStore struct {
	rdb *redis.Client
}

func NewPrefStore(rdb *redis.Client) *PrefStore {
	return &PrefStore{rdb: rdb}
}

// NormalizeTopics trims, lowercases, dedupes and caps a submitted topic
// list, preserving first-seen order.
func NormalizeTopics(topics []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == core.MaxPreferences {
			break
		}
	}
	return out
}

// Get loads a user's preferences. ErrNoPreferences when absent.
func (s *PrefStore) Get(ctx context.Context, userID string) (*core.UserPreferences, error) {
	raw, err := s.rdb.Get(ctx, cache.UserPreferencesKey(userID)).Result()
	if err == redis.Nil {
		return nil, ErrNoPreferences
	}
	if err != nil {
		return nil, err
	}
	var prefs core.UserPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

// Save normalizes and stores a topic list. ErrNoValidTopics when the
// normalized list is empty. Preference documents never expire.
func (s *PrefStore) Save(ctx context.Context, userID string, topics []string) (*core.UserPreferences, error) {
	normalized := NormalizeTopics(topics)
	if len(normalized) == 0 {
		return nil, ErrNoValidTopics
	}
	now := time.Now()
	prefs := &core.UserPreferences{
		UserID:      userID,
		Preferences: normalized,
		UpdatedAt:   now,
	}
	if existing, err := s.Get(ctx, userID); err == nil {
		prefs.CreatedAt = existing.CreatedAt
	} else {
		prefs.CreatedAt = now
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, cache.UserPreferencesKey(userID), raw, 0).Err(); err != nil {
		return nil, err
	}
	return prefs, nil
}

// Version derives the guard hash personalized reads validate against.
func Version(prefs *core.UserPreferences) string {
	raw, _ := json.Marshal(prefs.Preferences)
	return cache.Hash(string(raw))
}
