package statsy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testRedisAddrEnv points the redis tag store tests at a running server.
const testRedisAddrEnv = "STATSY_TEST_REDIS_ADDR"

func newTestDB(t testing.TB) (*gorm.DB, DBI) {
	t.Helper()
	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	require.NoError(t, configureSQLite(ctx, db))
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db, NewDatabase(db, nil, false)
}

// testTagStore exercises the TagStore contract.
func testTagStore(t *testing.T, store TagStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.GetTag(ctx, ServiceClashOfClans, "user")
	assert.ErrorIs(t, err, ErrTagNotFound)

	require.NoError(t, store.SaveTag(ctx, ServiceClashOfClans, "user", "P2YQ9R0L"))
	tag, err := store.GetTag(ctx, ServiceClashOfClans, "user")
	require.NoError(t, err)
	assert.Equal(t, Tag("P2YQ9R0L"), tag)

	// saving again replaces the tag
	require.NoError(t, store.SaveTag(ctx, ServiceClashOfClans, "user", "8QJ0UYR"))
	tag, err = store.GetTag(ctx, ServiceClashOfClans, "user")
	require.NoError(t, err)
	assert.Equal(t, Tag("8QJ0UYR"), tag)

	// tags are kept per service
	_, err = store.GetTag(ctx, "clashroyale", "user")
	assert.ErrorIs(t, err, ErrTagNotFound)
	require.NoError(t, store.SaveTag(ctx, "clashroyale", "user", "PYL"))
	tag, err = store.GetTag(ctx, ServiceClashOfClans, "user")
	require.NoError(t, err)
	assert.Equal(t, Tag("8QJ0UYR"), tag)
}

func TestDatabaseTagStore(t *testing.T) {
	t.Parallel()
	db, dbi := newTestDB(t)
	testTagStore(t, newDatabaseTagStore(dbi))

	var count int64
	require.NoError(t, db.Model(&SavedTag{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestRedisTagStore(t *testing.T) {
	addr := os.Getenv(testRedisAddrEnv)
	if addr == "" {
		t.Skipf("%s not set", testRedisAddrEnv)
	}
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := fmt.Sprintf("statsy_test_%d", time.Now().UnixNano())
	store := newRedisTagStore(client, prefix)
	t.Cleanup(
		func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				_ = client.Del(ctx, keys...).Err()
			}
			_ = store.Close()
		},
	)
	testTagStore(t, store)

	val, err := client.Get(context.Background(), prefix+":"+ServiceClashOfClans+":user").Result()
	require.NoError(t, err)
	assert.Equal(t, "8QJ0UYR", val)
}

func TestRedisTagStore_Key(t *testing.T) {
	t.Parallel()
	store := newRedisTagStore(nil, "")
	assert.Equal(t, DefaultRedisKeyPrefix+":clashofclans:123", store.key(ServiceClashOfClans, "123"))
}

func TestNewTagStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, dbi := newTestDB(t)
	cfg := DefaultTestConfig(t)

	store, closeStore, err := newTagStore(ctx, cfg, dbi, slog.Default())
	require.NoError(t, err)
	assert.IsType(t, &databaseTagStore{}, store)
	assert.NoError(t, closeStore())

	cfg.TagStore = "memcached"
	_, _, err = newTagStore(ctx, cfg, dbi, slog.Default())
	assert.ErrorContains(t, err, "unknown tag store")

	cfg.TagStore = tagStoreRedis
	cfg.Redis = nil
	_, _, err = newTagStore(ctx, cfg, dbi, slog.Default())
	assert.Error(t, err)
}

func TestNewTagStore_RedisUnreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, dbi := newTestDB(t)

	cfg := DefaultTestConfig(t)
	cfg.TagStore = tagStoreRedis
	cfg.Redis.Addr = "127.0.0.1:1"

	_, _, err := newTagStore(ctx, cfg, dbi, slog.Default())
	assert.ErrorContains(t, err, "error connecting to redis")
}
