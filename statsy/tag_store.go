package statsy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TagStore persists the tag each Discord user saved, per game service.
type TagStore interface {
	// GetTag returns the saved tag, or ErrTagNotFound
	GetTag(ctx context.Context, service string, userID string) (Tag, error)
	SaveTag(ctx context.Context, service string, userID string, tag Tag) error
}

// databaseTagStore keeps saved tags in the saved_tags table.
type databaseTagStore struct {
	db DBI
}

func newDatabaseTagStore(db DBI) *databaseTagStore {
	return &databaseTagStore{db: db}
}

func (s *databaseTagStore) GetTag(ctx context.Context, service string, userID string) (Tag, error) {
	var saved SavedTag
	err := s.db.DB().WithContext(ctx).
		Where("user_id = ? AND service = ?", userID, service).
		Take(&saved).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrTagNotFound
		}
		return "", err
	}
	return Tag(saved.Tag), nil
}

func (s *databaseTagStore) SaveTag(ctx context.Context, service string, userID string, tag Tag) error {
	return s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "user_id"}, {Name: "service"}},
					DoUpdates: clause.AssignmentColumns(
						[]string{"tag", "updated_at"},
					),
				},
			).Create(
				&SavedTag{
					UserID:  userID,
					Service: service,
					Tag:     tag.String(),
				},
			).Error
		},
	)
}

// redisTagStore keeps saved tags as plain redis string keys, named
// {prefix}:{service}:{userID}.
type redisTagStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func newRedisTagStore(client redis.UniversalClient, keyPrefix string) *redisTagStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &redisTagStore{client: client, keyPrefix: keyPrefix}
}

func (s *redisTagStore) key(service string, userID string) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, service, userID)
}

func (s *redisTagStore) GetTag(ctx context.Context, service string, userID string) (Tag, error) {
	val, err := s.client.Get(ctx, s.key(service, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTagNotFound
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return Tag(val), nil
}

func (s *redisTagStore) SaveTag(ctx context.Context, service string, userID string, tag Tag) error {
	if err := s.client.Set(ctx, s.key(service, userID), tag.String(), 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *redisTagStore) Close() error {
	return s.client.Close()
}

// newTagStore returns the TagStore selected by config.TagStore. The
// returned close func releases any connection the store opened.
func newTagStore(
	ctx context.Context,
	config *Config,
	db DBI,
	logger *slog.Logger,
) (TagStore, func() error, error) {
	switch config.TagStore {
	case "", tagStoreDatabase:
		return newDatabaseTagStore(db), func() error { return nil }, nil
	case tagStoreRedis:
		rc := config.Redis
		if rc == nil {
			return nil, nil, errors.New("redis tag store selected, but no redis config set")
		}
		client := redis.NewClient(
			&redis.Options{
				Addr:     rc.Addr,
				Username: rc.Username,
				Password: rc.Password,
				DB:       rc.DB,
			},
		)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		logger.InfoContext(ctx, "using redis tag store", "addr", rc.Addr, "db", rc.DB)
		store := newRedisTagStore(client, rc.KeyPrefix)
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown tag store: %q", config.TagStore)
	}
}
