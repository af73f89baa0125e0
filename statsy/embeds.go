package statsy

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const (
	embedFooterText = "Statsy | Powered by the COC API"
	embedColor      = 0xE7A344

	// Discord rejects messages with more than 10 embeds, or more than
	// 6000 characters across all embeds
	discordMaxEmbedsPerMessage = 10
	discordMaxEmbedCharacters  = 6000
	discordMaxFieldValueLength = 1024

	achievementsPerPage = 10
	membersPerPage      = 10

	warBannerFilename = "war.png"

	// clashTimeLayout is the timestamp format used by the API, e.g.
	// 20240101T120000.000Z
	clashTimeLayout = "20060102T150405.000Z"
)

func newEmbed(title string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:  title,
		Color:  embedColor,
		Footer: &discordgo.MessageEmbedFooter{Text: embedFooterText},
	}
}

func inlineField(name string, value any) *discordgo.MessageEmbedField {
	v := fmt.Sprint(value)
	if v == "" {
		v = "-"
	}
	return &discordgo.MessageEmbedField{
		Name:   name,
		Value:  truncate(v, discordMaxFieldValueLength),
		Inline: true,
	}
}

func thumbnail(url string) *discordgo.MessageEmbedThumbnail {
	if url == "" {
		return nil
	}
	return &discordgo.MessageEmbedThumbnail{URL: url}
}

// profileEmbeds formats a player's profile.
func profileEmbeds(p *Player) []*discordgo.MessageEmbed {
	em := newEmbed(fmt.Sprintf("%s (%s)", p.Name, p.Tag))
	if p.League != nil {
		em.Thumbnail = thumbnail(p.League.IconURLs.Medium)
	}

	townHall := fmt.Sprint(p.TownHallLevel)
	if p.TownHallWeaponLevel > 0 {
		townHall = fmt.Sprintf("%d (weapon %d)", p.TownHallLevel, p.TownHallWeaponLevel)
	}

	em.Fields = []*discordgo.MessageEmbedField{
		inlineField("XP Level", p.ExpLevel),
		inlineField("Trophies", p.Trophies),
		inlineField("Best Trophies", p.BestTrophies),
		inlineField("War Stars", p.WarStars),
		inlineField("Town Hall", townHall),
	}
	if p.BuilderHallLevel > 0 {
		em.Fields = append(
			em.Fields,
			inlineField("Builder Hall", p.BuilderHallLevel),
			inlineField("Builder Base Trophies", p.BuilderBaseTrophies),
		)
	}
	if p.Clan != nil {
		clan := fmt.Sprintf("%s (%s)", p.Clan.Name, p.Clan.Tag)
		if p.Role != "" {
			clan = fmt.Sprintf("%s\n%s", clan, clanRoleName(p.Role))
		}
		em.Fields = append(em.Fields, inlineField("Clan", clan))
	}
	if p.League != nil {
		em.Fields = append(em.Fields, inlineField("League", p.League.Name))
	}
	em.Fields = append(
		em.Fields,
		inlineField("Donations", p.Donations),
		inlineField("Donations Received", p.DonationsReceived),
		inlineField("Attack Wins", p.AttackWins),
		inlineField("Defense Wins", p.DefenseWins),
	)
	return []*discordgo.MessageEmbed{em}
}

func achievementStars(stars int) string {
	stars = max(0, min(stars, 3))
	return strings.Repeat("★", stars) + strings.Repeat("☆", 3-stars)
}

// achievementEmbeds formats a player's achievements, achievementsPerPage
// per embed.
func achievementEmbeds(p *Player) []*discordgo.MessageEmbed {
	pages := chunkItems(achievementsPerPage, p.Achievements...)
	embeds := make([]*discordgo.MessageEmbed, 0, len(pages))
	for n, page := range pages {
		em := newEmbed(fmt.Sprintf("%s (%s) Achievements", p.Name, p.Tag))
		if len(pages) > 1 {
			em.Title = fmt.Sprintf("%s %d/%d", em.Title, n+1, len(pages))
		}
		for _, a := range page {
			em.Fields = append(
				em.Fields,
				&discordgo.MessageEmbedField{
					Name: fmt.Sprintf("%s %s", a.Name, achievementStars(a.Stars)),
					Value: truncate(
						fmt.Sprintf("%d/%d\n%s", a.Value, a.Target, a.Info),
						discordMaxFieldValueLength,
					),
				},
			)
		}
		embeds = append(embeds, em)
	}
	if len(embeds) == 0 {
		em := newEmbed(fmt.Sprintf("%s (%s) Achievements", p.Name, p.Tag))
		em.Description = "No achievements yet."
		embeds = append(embeds, em)
	}
	return embeds
}

// clanEmbeds formats a clan's details.
func clanEmbeds(c *Clan) []*discordgo.MessageEmbed {
	em := newEmbed(fmt.Sprintf("%s (%s)", c.Name, c.Tag))
	em.Description = c.Description
	em.Thumbnail = thumbnail(c.BadgeURLs.Best())

	location := "International"
	if c.Location != nil && c.Location.Name != "" {
		location = c.Location.Name
	}
	warLog := "Private"
	if c.IsWarLogPublic {
		warLog = "Public"
	}

	em.Fields = []*discordgo.MessageEmbedField{
		inlineField("Location", location),
		inlineField("Type", clanTypeName(c.Type)),
		inlineField("Clan Level", c.ClanLevel),
		inlineField("Required Trophies", c.RequiredTrophies),
		inlineField("War Frequency", c.WarFrequency),
		inlineField("War Win Streak", c.WarWinStreak),
		inlineField("War Wins", c.WarWins),
		inlineField("Clan Points", c.ClanPoints),
		inlineField("Members", fmt.Sprintf("%d/50", c.Members)),
		inlineField("War Log", warLog),
	}
	return []*discordgo.MessageEmbed{em}
}

// memberEmbeds lists a clan's members, membersPerPage per embed.
func memberEmbeds(c *Clan) []*discordgo.MessageEmbed {
	pages := chunkItems(membersPerPage, c.MemberList...)
	embeds := make([]*discordgo.MessageEmbed, 0, len(pages))
	for n, page := range pages {
		em := newEmbed(fmt.Sprintf("%s (%s) Members", c.Name, c.Tag))
		if len(pages) > 1 {
			em.Title = fmt.Sprintf("%s %d/%d", em.Title, n+1, len(pages))
		}
		em.Thumbnail = thumbnail(c.BadgeURLs.Best())
		em.Footer.Text = fmt.Sprintf("%d/50 members | %s", c.Members, embedFooterText)
		for _, m := range page {
			em.Fields = append(
				em.Fields,
				&discordgo.MessageEmbedField{
					Name: fmt.Sprintf("%d. %s (%s)", m.ClanRank, m.Name, m.Tag),
					Value: fmt.Sprintf(
						"%s | Level %d | %d trophies | %d donated",
						clanRoleName(m.Role),
						m.ExpLevel,
						m.Trophies,
						m.Donations,
					),
				},
			)
		}
		embeds = append(embeds, em)
	}
	return embeds
}

// warEmbed describes a war, displaying the attached war banner.
func warEmbed(w *War) *discordgo.MessageEmbed {
	em := newEmbed(fmt.Sprintf("%s vs %s", w.Clan.Name, w.Opponent.Name))
	em.Description = warStateName(w.State)
	em.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + warBannerFilename}

	em.Fields = []*discordgo.MessageEmbedField{
		inlineField("Team Size", fmt.Sprintf("%d vs %d", w.TeamSize, w.TeamSize)),
		inlineField(
			"Stars",
			fmt.Sprintf("%d - %d", w.Clan.Stars, w.Opponent.Stars),
		),
		inlineField(
			"Destruction",
			fmt.Sprintf("%.2f%% - %.2f%%", w.Clan.DestructionPercentage, w.Opponent.DestructionPercentage),
		),
		inlineField(
			"Attacks",
			fmt.Sprintf(
				"%d/%d - %d/%d",
				w.Clan.Attacks, w.TeamSize*max(1, w.AttacksPerMember),
				w.Opponent.Attacks, w.TeamSize*max(1, w.AttacksPerMember),
			),
		),
	}
	if end, err := time.Parse(clashTimeLayout, w.EndTime); err == nil {
		em.Fields = append(
			em.Fields,
			inlineField("Ends", fmt.Sprintf("<t:%d:R>", end.Unix())),
		)
		em.Timestamp = end.Format(time.RFC3339)
	}
	return em
}

func warStateName(state string) string {
	switch state {
	case "preparation":
		return "Preparation day"
	case "inWar":
		return "Battle day"
	case "warEnded":
		return "War ended"
	default:
		return state
	}
}

func clanRoleName(role string) string {
	switch role {
	case "leader":
		return "Leader"
	case "coLeader":
		return "Co-Leader"
	case "admin":
		return "Elder"
	case "member":
		return "Member"
	default:
		return role
	}
}

func clanTypeName(t string) string {
	switch t {
	case "open":
		return "Open"
	case "inviteOnly":
		return "Invite Only"
	case "closed":
		return "Closed"
	default:
		return t
	}
}

func embedLength(em *discordgo.MessageEmbed) int {
	n := utf8.RuneCountInString(em.Title) + utf8.RuneCountInString(em.Description)
	if em.Footer != nil {
		n += utf8.RuneCountInString(em.Footer.Text)
	}
	if em.Author != nil {
		n += utf8.RuneCountInString(em.Author.Name)
	}
	for _, f := range em.Fields {
		n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
	}
	return n
}

// limitEmbeds returns as many leading embeds as fit in one message.
func limitEmbeds(embeds []*discordgo.MessageEmbed) []*discordgo.MessageEmbed {
	total := 0
	for n, em := range embeds {
		total += embedLength(em)
		if n > 0 && (n == discordMaxEmbedsPerMessage || total > discordMaxEmbedCharacters) {
			return embeds[:n]
		}
	}
	return embeds
}
