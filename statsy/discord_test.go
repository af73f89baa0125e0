package statsy

import (
	"encoding/hex"
	"log/slog"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscord(t testing.TB, cfg *DiscordConfig) (*Discord, *mockDiscordSession) {
	t.Helper()
	d, err := newDiscord(cfg, nil, newComponentLogger("discord", slog.LevelWarn))
	require.NoError(t, err)
	session := newMockDiscordSession()
	d.session = session
	return d, session
}

func TestDiscord_ConnectHandler(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().Discord
	cfg.NotificationChannelID = "notifications"
	cfg.StartupMessage = "online"
	cfg.CustomStatus = "/cocprofile"

	d, session := newTestDiscord(t, cfg)
	d.handlerConnect()(nil, &discordgo.Connect{})

	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Equal(t, []string{"online"}, session.messages)
	assert.Equal(t, "/cocprofile", session.status)
}

func TestDiscord_ConnectWithoutNotificationChannel(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().Discord
	cfg.NotificationChannelID = ""
	cfg.CustomStatus = ""

	d, session := newTestDiscord(t, cfg)
	d.handlerConnect()(nil, &discordgo.Connect{})

	session.mu.Lock()
	defer session.mu.Unlock()
	assert.Empty(t, session.messages)
	assert.Empty(t, session.status)
}

func TestDiscord_DisconnectHandler(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig().Discord
	d, _ := newTestDiscord(t, cfg)

	d.connected.Store(true)
	d.handlerDisconnect()(&discordgo.Session{}, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestNewDiscord_PublicKey(t *testing.T) {
	t.Parallel()
	pub, _ := newTestKeyPair(t)

	cfg := DefaultConfig().Discord
	cfg.WebhookServer.PublicKey = hex.EncodeToString(pub)
	d, err := newDiscord(cfg, nil, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, pub, d.publicKey)

	cfg.WebhookServer.PublicKey = "zz"
	_, err = newDiscord(cfg, nil, slog.Default())
	assert.ErrorContains(t, err, "error decoding public key")

	cfg.WebhookServer.PublicKey = hex.EncodeToString(pub[:8])
	_, err = newDiscord(cfg, nil, slog.Default())
	assert.ErrorContains(t, err, "invalid public key length")
}

func TestApplicationCommands(t *testing.T) {
	t.Parallel()
	commands := applicationCommands()

	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, cmd.Name)
		assert.NotEmpty(t, cmd.Description, cmd.Name)

		if cmd.Name == DiscordSlashCommandSave {
			require.Len(t, cmd.Options, 1)
			assert.Equal(t, commandOptionTag, cmd.Options[0].Name)
			assert.True(t, cmd.Options[0].Required)
			continue
		}
		require.Len(t, cmd.Options, 2, cmd.Name)
		assert.Equal(t, discordgo.ApplicationCommandOptionString, cmd.Options[0].Type)
		assert.Equal(t, discordgo.ApplicationCommandOptionUser, cmd.Options[1].Type)
		assert.False(t, cmd.Options[0].Required)
		assert.False(t, cmd.Options[1].Required)
	}
	assert.ElementsMatch(
		t,
		[]string{
			DiscordSlashCommandProfile,
			DiscordSlashCommandAchieve,
			DiscordSlashCommandClan,
			DiscordSlashCommandMembers,
			DiscordSlashCommandWar,
			DiscordSlashCommandSave,
		},
		names,
	)
}
