package statsy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ServiceClashOfClans is the service key saved Clash of Clans tags are
// stored under.
const ServiceClashOfClans = "clashofclans"

type argumentKind int

const (
	argumentNone argumentKind = iota
	argumentTag
	argumentMember
)

// Argument is the optional target of a command: nothing, a raw tag
// string, or another Discord user.
type Argument struct {
	kind     argumentKind
	raw      string
	userID   string
	username string
}

func NoArgument() Argument {
	return Argument{kind: argumentNone}
}

func TagArgument(raw string) Argument {
	return Argument{kind: argumentTag, raw: raw}
}

func MemberArgument(userID, username string) Argument {
	return Argument{kind: argumentMember, userID: userID, username: username}
}

func (a Argument) LogValue() slog.Value {
	switch a.kind {
	case argumentTag:
		return slog.GroupValue(slog.String("tag", a.raw))
	case argumentMember:
		return slog.GroupValue(
			slog.String("user_id", a.userID),
			slog.String("username", a.username),
		)
	default:
		return slog.StringValue("none")
	}
}

// ResolutionContext describes a single command invocation's request for
// a tag.
type ResolutionContext struct {
	// CallerID is the Discord user ID of the user who invoked the command
	CallerID string

	Argument Argument

	// Clan indicates the command needs a clan tag. Tags loaded from the
	// tag store are player tags, and are resolved to the player's clan.
	Clan bool
}

// PlayerFetcher fetches a player's profile. Used by Resolver to find a
// player's clan.
type PlayerFetcher interface {
	Player(ctx context.Context, tag Tag) (*Player, error)
}

// Resolver determines which tag a command should act on.
type Resolver struct {
	validator *TagValidator
	store     TagStore
	players   PlayerFetcher
}

func NewResolver(validator *TagValidator, store TagStore, players PlayerFetcher) *Resolver {
	return &Resolver{validator: validator, store: store, players: players}
}

// Resolve returns the tag for rc.
//
// With no argument, the caller's saved tag is used. With a member
// argument, that member's saved tag is used. A raw tag is validated and
// used as-is, even in clan mode.
func (r *Resolver) Resolve(ctx context.Context, rc ResolutionContext) (Tag, error) {
	switch rc.Argument.kind {
	case argumentMember:
		tag, err := r.savedTag(
			ctx,
			rc.Argument.userID,
			"That person doesn't have a saved tag.",
		)
		if err != nil {
			return "", err
		}
		if rc.Clan {
			return r.clanTag(ctx, tag, "That person does not have a clan!")
		}
		return tag, nil
	case argumentTag:
		return r.validator.Validate(rc.Argument.raw)
	default:
		tag, err := r.savedTag(
			ctx,
			rc.CallerID,
			fmt.Sprintf(
				"You don't have a saved tag. Save one using /%s <tag>!",
				DiscordSlashCommandSave,
			),
		)
		if err != nil {
			return "", err
		}
		if rc.Clan {
			return r.clanTag(ctx, tag, "You don't have a clan!")
		}
		return tag, nil
	}
}

func (r *Resolver) savedTag(ctx context.Context, userID string, missingMessage string) (Tag, error) {
	tag, err := r.store.GetTag(ctx, ServiceClashOfClans, userID)
	if err != nil {
		if errors.Is(err, ErrTagNotFound) {
			return "", newCommandError(ErrNoSavedTag, missingMessage, nil)
		}
		return "", fmt.Errorf("error looking up saved tag: %w", err)
	}
	return tag, nil
}

// clanTag resolves a player tag to the tag of the player's clan.
func (r *Resolver) clanTag(ctx context.Context, playerTag Tag, noClanMessage string) (Tag, error) {
	player, err := r.players.Player(ctx, playerTag)
	if err != nil {
		return "", err
	}
	if player.Clan == nil || player.Clan.Tag == "" {
		return "", newCommandError(ErrNoClan, noClanMessage, nil)
	}
	clanTag := normalizeTag(player.Clan.Tag)
	if !validTagCharacters(clanTag) {
		return "", networkError(fmt.Errorf("unexpected clan tag %q", player.Clan.Tag))
	}
	return Tag(clanTag), nil
}
