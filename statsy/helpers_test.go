package statsy

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "★★", truncate("★★★", 2))
	assert.Equal(t, "", truncate("abc", 0))
}

func TestChunkItems(t *testing.T) {
	t.Parallel()
	assert.Nil(t, chunkItems[int](3))
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, chunkItems(3, 1, 2, 3, 4, 5, 6, 7))
	assert.Equal(t, [][]string{{"a", "b"}}, chunkItems(10, "a", "b"))
}

func TestHashPassword(t *testing.T) {
	t.Parallel()
	hashed, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"))
	assert.NotContains(t, hashed, "hunter2")

	other, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, other, "salt should differ")

	ok, err := VerifyPassword(hashed, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hashed, "hunter3")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("plaintext", "hunter2")
	assert.Error(t, err)
	_, err = VerifyPassword("$argon2id$v=19$m=x$salt$hash", "hunter2")
	assert.Error(t, err)
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(nil, nil))
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	assert.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	assert.True(t, ok)
	assert.NotNil(t, got)
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	type inner struct {
		Name string `json:"name"`
	}
	type example struct {
		Token   string         `json:"token" log:"[redacted]"`
		Name    string         `json:"name"`
		Empty   string         `json:"empty"`
		Level   *slog.LevelVar `json:"level"`
		Inner   *inner         `json:"inner"`
		Missing *inner         `json:"missing"`
		private string
	}

	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelWarn)
	v := structToSlogValue(
		&example{
			Token:   "secret",
			Name:    "statsy",
			Level:   lvl,
			Inner:   &inner{Name: "nested"},
			private: "x",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "[redacted]", attrs["token"].String())
	assert.Equal(t, "statsy", attrs["name"].String())
	assert.Equal(t, "WARN", attrs["level"].String())
	assert.Contains(t, attrs, "inner")
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "missing")
	assert.NotContains(t, attrs, "private")

	assert.Equal(t, slog.KindAny, structToSlogValue(nil).Kind())
	assert.Equal(t, int64(5), structToSlogValue(5).Any())
}

func TestConfigLogValue_RedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.Redis.Password = "redis-password"

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, testClashToken)
	assert.NotContains(t, out, testDiscordToken)
	assert.NotContains(t, out, "statsy test secret")
	assert.NotContains(t, out, "redis-password")
	assert.Contains(t, out, "sqlite")
}
