// Package statsy implements a Discord bot that looks up Clash of Clans
// players, clans and wars.
//
// Each slash command resolves the tag it acts on from its argument: a raw
// tag, a shortcut alias, a mentioned user's saved tag, or the caller's own
// saved tag. Clan commands resolve player tags to the player's clan.
// Results are sent as embed pages, and /cocwar attaches a banner with both
// clans' badges drawn on a background image.
//
// Key components:
//
//   - Statsy: owns the lifecycle and wires everything together.
//   - Resolver, TagValidator and ShortcutTable: tag resolution.
//   - TagStore: saved tags, in the database or redis.
//   - ClashClient: the Clash of Clans REST API.
//   - WarBannerCompositor: war banner rendering, run on a worker pool.
//   - API: the admin HTTP API.
//   - DiscordWebhookServer: receives interactions over HTTP instead of
//     the gateway.
//
// The commands are:
//
//   - /cocprofile, /cocachieve: a player's profile and achievements.
//   - /cocclan, /cocmembers, /cocwar: a clan, its members and its current war.
//   - /cocsave: saves the caller's tag.
package statsy
