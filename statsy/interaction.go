package statsy

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

type DiscordInteractionReceiveMethod string

const (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

// CommandLog records a single slash command invocation and its outcome.
//
//nolint:lll // struct tags can't be split
type CommandLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	InteractionID string                          `json:"interaction_id" gorm:"index;not null"`
	Command       string                          `json:"command" gorm:"index;not null"`
	UserID        string                          `json:"user_id" gorm:"index;not null"`
	Username      string                          `json:"username"`
	GuildID       string                          `json:"guild_id"`
	ChannelID     string                          `json:"channel_id"`
	Argument      string                          `json:"argument"`
	ResolvedTag   string                          `json:"resolved_tag"`

	// Outcome is empty on success, otherwise a short error kind such as
	// 'invalid_tag' or 'network_failure'
	Outcome    string `json:"outcome" gorm:"index"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newCommandLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	method DiscordInteractionReceiveMethod,
) *CommandLog {
	c := &CommandLog{
		Method:        method,
		InteractionID: i.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		c.Command = i.ApplicationCommandData().Name
	}
	if u != nil {
		c.UserID = u.ID
		c.Username = u.Username
	}
	return c
}

// finish records the result of the command.
func (c *CommandLog) finish(started time.Time, tag Tag, err error) {
	c.DurationMS = time.Since(started).Milliseconds()
	c.ResolvedTag = tag.String()
	if err != nil {
		c.Outcome = errorKind(err)
		c.Error = err.Error()
	}
}

func (c CommandLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("command", c.Command),
		slog.String("user_id", c.UserID),
		slog.String("argument", c.Argument),
		slog.String("resolved_tag", c.ResolvedTag),
		slog.String("outcome", c.Outcome),
		slog.Int64("duration_ms", c.DurationMS),
	)
}

// InteractionHandler responds to a single Discord interaction, whether it
// arrived over the gateway or the webhook server.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response. Used when a response can't be
	// edited into something Discord accepts.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod returns the method used to receive the
	// interaction (webhook or gateway).
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(w.interaction.Interaction, wh, opts...)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	if err := w.session.InteractionResponseDelete(w.interaction.Interaction, opts...); err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
