package statsy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	warLogPrivateMessage   = "This clan's war logs aren't public."
	notInWarMessage        = "This clan isn't in a war right now!"
	savedTagMessage        = "Successfully saved tag."
	truncatedPagesMessage  = "Showing %d of %d pages."
	commandResponseTimeout = 14 * time.Minute
)

// mentionPattern matches a raw user mention, <@123> or <@!123>
var mentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// commandResult is what a command sends back: a plain message, embeds,
// and optionally files referenced by the embeds.
type commandResult struct {
	content string
	embeds  []*discordgo.MessageEmbed
	files   []*discordgo.File
}

func (r commandResult) webhookEdit() *discordgo.WebhookEdit {
	content := r.content
	embeds := limitEmbeds(r.embeds)
	if content == "" && len(embeds) < len(r.embeds) {
		content = fmt.Sprintf(truncatedPagesMessage, len(embeds), len(r.embeds))
	}
	edit := &discordgo.WebhookEdit{
		Content: &content,
		Embeds:  &embeds,
	}
	if len(r.files) > 0 {
		edit.Files = r.files
	}
	return edit
}

// commandFunc runs a command for caller. It returns the tag the command
// acted on, if one was resolved.
type commandFunc func(
	ctx context.Context,
	caller *discordgo.User,
	arg Argument,
) (commandResult, Tag, error)

func (s *Statsy) commands() map[string]commandFunc {
	return map[string]commandFunc{
		DiscordSlashCommandProfile: s.runProfile,
		DiscordSlashCommandAchieve: s.runAchievements,
		DiscordSlashCommandClan:    s.runClan,
		DiscordSlashCommandMembers: s.runMembers,
		DiscordSlashCommandWar:     s.runWar,
		DiscordSlashCommandSave:    s.runSave,
	}
}

// commandArgument builds the command's Argument from its options. A user
// option wins over a tag option. A tag option that's a raw mention is
// resolved to that user, falling back to treating it as a tag if the
// user can't be found.
func (s *Statsy) commandArgument(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) Argument {
	options := discordInteractionOptions(i)

	if opt, ok := options[commandOptionUser]; ok {
		userID := fmt.Sprint(opt.Value)
		username := ""
		if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
			if u, found := resolved.Users[userID]; found && u != nil {
				username = u.Username
			}
		}
		return MemberArgument(userID, username)
	}

	opt, ok := options[commandOptionTag]
	if !ok {
		return NoArgument()
	}
	raw := opt.StringValue()
	if m := mentionPattern.FindStringSubmatch(raw); m != nil && s.discord != nil {
		u, err := s.discord.session.User(m[1], discordgo.WithContext(ctx))
		if err == nil && u != nil {
			return MemberArgument(u.ID, u.Username)
		}
	}
	return TagArgument(raw)
}

func (s *Statsy) resolve(
	ctx context.Context,
	caller *discordgo.User,
	arg Argument,
	clan bool,
) (Tag, error) {
	return s.resolver.Resolve(
		ctx,
		ResolutionContext{CallerID: caller.ID, Argument: arg, Clan: clan},
	)
}

func (s *Statsy) runProfile(ctx context.Context, caller *discordgo.User, arg Argument) (commandResult, Tag, error) {
	tag, err := s.resolve(ctx, caller, arg, false)
	if err != nil {
		return commandResult{}, tag, err
	}
	player, err := s.coc.Player(ctx, tag)
	if err != nil {
		return commandResult{}, tag, err
	}
	return commandResult{embeds: profileEmbeds(player)}, tag, nil
}

func (s *Statsy) runAchievements(ctx context.Context, caller *discordgo.User, arg Argument) (commandResult, Tag, error) {
	tag, err := s.resolve(ctx, caller, arg, false)
	if err != nil {
		return commandResult{}, tag, err
	}
	player, err := s.coc.Player(ctx, tag)
	if err != nil {
		return commandResult{}, tag, err
	}
	return commandResult{embeds: achievementEmbeds(player)}, tag, nil
}

func (s *Statsy) runClan(ctx context.Context, caller *discordgo.User, arg Argument) (commandResult, Tag, error) {
	tag, err := s.resolve(ctx, caller, arg, true)
	if err != nil {
		return commandResult{}, tag, err
	}
	clan, err := s.coc.Clan(ctx, tag)
	if err != nil {
		return commandResult{}, tag, err
	}
	return commandResult{embeds: clanEmbeds(clan)}, tag, nil
}

func (s *Statsy) runMembers(ctx context.Context, caller *discordgo.User, arg Argument) (commandResult, Tag, error) {
	tag, err := s.resolve(ctx, caller, arg, true)
	if err != nil {
		return commandResult{}, tag, err
	}
	clan, err := s.coc.Clan(ctx, tag)
	if err != nil {
		return commandResult{}, tag, err
	}
	return commandResult{embeds: memberEmbeds(clan)}, tag, nil
}

func (s *Statsy) runWar(ctx context.Context, caller *discordgo.User, arg Argument) (commandResult, Tag, error) {
	tag, err := s.resolve(ctx, caller, arg, true)
	if err != nil {
		return commandResult{}, tag, err
	}
	war, err := s.coc.CurrentWar(ctx, tag)
	if err != nil {
		return commandResult{}, tag, err
	}
	banner, err := s.warBanner(ctx, war)
	if err != nil {
		return commandResult{}, tag, err
	}
	return commandResult{
		embeds: []*discordgo.MessageEmbed{warEmbed(war)},
		files: []*discordgo.File{
			{
				Name:        warBannerFilename,
				ContentType: "image/png",
				Reader:      bytes.NewReader(banner),
			},
		},
	}, tag, nil
}

// runSave validates and saves the caller's tag. Mentions aren't accepted
// here, a user can only save their own tag.
func (s *Statsy) runSave(ctx context.Context, caller *discordgo.User, arg Argument) (commandResult, Tag, error) {
	if arg.kind != argumentTag {
		return commandResult{}, "", newCommandError(
			ErrInvalidTag,
			fmt.Sprintf("Usage: /%s <tag>", DiscordSlashCommandSave),
			nil,
		)
	}
	tag, err := s.validator.Validate(arg.raw)
	if err != nil {
		return commandResult{}, "", err
	}
	if err = s.tagStore.SaveTag(ctx, ServiceClashOfClans, caller.ID, tag); err != nil {
		return commandResult{}, tag, fmt.Errorf("error saving tag: %w", err)
	}
	return commandResult{content: savedTagMessage}, tag, nil
}

// runCommand acknowledges the interaction, runs the named command and
// edits the acknowledgement with the result. Errors are rendered as
// user-facing text, and the invocation is recorded as a CommandLog.
func (s *Statsy) runCommand(
	ctx context.Context,
	handler InteractionHandler,
	caller *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger
	}
	started := time.Now()

	commandLog := newCommandLog(i, caller, handler.InteractionReceiveMethod())
	run, ok := s.commands()[commandLog.Command]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", commandLog.Command)
		return
	}

	if ackErr := handler.Respond(ctx, ackResponse()); ackErr != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(ackErr))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandResponseTimeout)
	defer cancel()

	arg := s.commandArgument(ctx, i)
	commandLog.Argument = argumentString(arg)

	result, tag, err := s.runRecovered(ctx, logger, run, caller, arg)
	commandLog.finish(started, tag, err)

	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			logger.InfoContext(ctx, "command failed", "command_log", commandLog, tint.Err(err))
		} else {
			logger.ErrorContext(ctx, "command error", "command_log", commandLog, tint.Err(err))
		}
		result = commandResult{content: userMessage(err, s.config.Discord.ErrorMessage)}
	} else {
		logger.InfoContext(ctx, "command finished", "command_log", commandLog)
	}

	if _, editErr := handler.Edit(ctx, result.webhookEdit()); editErr != nil {
		logger.ErrorContext(ctx, "error sending command response", tint.Err(editErr))
		s.replaceFailedResponse(ctx, logger, handler, result)
	}

	if s.writeDB != nil {
		if _, dbErr := s.writeDB.Create(context.WithoutCancel(ctx), commandLog); dbErr != nil {
			logger.ErrorContext(ctx, "error saving command log", tint.Err(dbErr))
		}
	}
}

// replaceFailedResponse is called when Discord rejects a command's
// response. Embeds and files are replaced with the generic error message.
// If that fails too, or the response was already plain text, the deferred
// response is deleted so it isn't left "thinking".
func (s *Statsy) replaceFailedResponse(
	ctx context.Context,
	logger *slog.Logger,
	handler InteractionHandler,
	result commandResult,
) {
	if len(result.embeds) > 0 || len(result.files) > 0 {
		fallback := commandResult{content: s.config.Discord.ErrorMessage}
		_, err := handler.Edit(ctx, fallback.webhookEdit())
		if err == nil {
			return
		}
		logger.ErrorContext(ctx, "error sending fallback response", tint.Err(err))
	}
	handler.Delete(ctx)
}

// runRecovered calls run, converting a panic into an error.
func (s *Statsy) runRecovered(
	ctx context.Context,
	logger *slog.Logger,
	run commandFunc,
	caller *discordgo.User,
	arg Argument,
) (result commandResult, tag Tag, err error) {
	defer func() {
		if rc := recover(); rc != nil {
			logger.ErrorContext(ctx, "recovered from panic in command", "panic_arg", rc)
			err = fmt.Errorf("panic in command: %v", rc)
		}
	}()
	return run(ctx, caller, arg)
}

func argumentString(a Argument) string {
	switch a.kind {
	case argumentTag:
		return a.raw
	case argumentMember:
		return "<@" + a.userID + ">"
	default:
		return ""
	}
}
