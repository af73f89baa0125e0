package statsy

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	warStateNotInWar = "notInWar"

	// maxResponseSize caps how much of an API or badge response is read.
	maxResponseSize = 8 << 20
)

// ClashClient is a thin client for the Clash of Clans REST API. A single
// client is created at startup and shared by every command; it's safe for
// concurrent use.
type ClashClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewClashClient returns a client using the given config. If httpClient is
// nil, a new client with config.RequestTimeout is used.
func NewClashClient(
	config *ClashOfClansConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*ClashClient, error) {
	if config == nil || config.Token == "" {
		return nil, fmt.Errorf("clash of clans api token not set")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultClashOfClansBaseURL
	}
	c := &ClashClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}
	if config.MaxRequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			max(1, int(config.MaxRequestsPerSecond)),
		)
	}
	return c, nil
}

// Close releases idle connections held by the underlying HTTP client.
func (c *ClashClient) Close() {
	c.httpClient.CloseIdleConnections()
}

// APIError is the error body returned by the API for non-2xx responses.
type APIError struct {
	StatusCode int    `json:"-"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Reason)
}

type BadgeURLs struct {
	Small  string `json:"small"`
	Medium string `json:"medium"`
	Large  string `json:"large"`
}

// Best returns the largest available badge URL.
func (b BadgeURLs) Best() string {
	switch {
	case b.Large != "":
		return b.Large
	case b.Medium != "":
		return b.Medium
	default:
		return b.Small
	}
}

type IconURLs struct {
	Tiny   string `json:"tiny"`
	Small  string `json:"small"`
	Medium string `json:"medium"`
}

type League struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	IconURLs IconURLs `json:"iconUrls"`
}

type Location struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	IsCountry   bool   `json:"isCountry"`
	CountryCode string `json:"countryCode"`
}

type PlayerClan struct {
	Tag       string    `json:"tag"`
	Name      string    `json:"name"`
	ClanLevel int       `json:"clanLevel"`
	BadgeURLs BadgeURLs `json:"badgeUrls"`
}

type Achievement struct {
	Name           string `json:"name"`
	Stars          int    `json:"stars"`
	Value          int    `json:"value"`
	Target         int    `json:"target"`
	Info           string `json:"info"`
	CompletionInfo string `json:"completionInfo"`
	Village        string `json:"village"`
}

type Player struct {
	Tag                     string        `json:"tag"`
	Name                    string        `json:"name"`
	ExpLevel                int           `json:"expLevel"`
	TownHallLevel           int           `json:"townHallLevel"`
	TownHallWeaponLevel     int           `json:"townHallWeaponLevel"`
	Trophies                int           `json:"trophies"`
	BestTrophies            int           `json:"bestTrophies"`
	WarStars                int           `json:"warStars"`
	AttackWins              int           `json:"attackWins"`
	DefenseWins             int           `json:"defenseWins"`
	BuilderHallLevel        int           `json:"builderHallLevel"`
	BuilderBaseTrophies     int           `json:"builderBaseTrophies"`
	BestBuilderBaseTrophies int           `json:"bestBuilderBaseTrophies"`
	Role                    string        `json:"role"`
	WarPreference           string        `json:"warPreference"`
	Donations               int           `json:"donations"`
	DonationsReceived       int           `json:"donationsReceived"`
	Clan                    *PlayerClan   `json:"clan"`
	League                  *League       `json:"league"`
	Achievements            []Achievement `json:"achievements"`
}

type ClanMember struct {
	Tag               string  `json:"tag"`
	Name              string  `json:"name"`
	Role              string  `json:"role"`
	ExpLevel          int     `json:"expLevel"`
	League            *League `json:"league"`
	Trophies          int     `json:"trophies"`
	ClanRank          int     `json:"clanRank"`
	PreviousClanRank  int     `json:"previousClanRank"`
	Donations         int     `json:"donations"`
	DonationsReceived int     `json:"donationsReceived"`
}

type Clan struct {
	Tag              string       `json:"tag"`
	Name             string       `json:"name"`
	Type             string       `json:"type"`
	Description      string       `json:"description"`
	Location         *Location    `json:"location"`
	BadgeURLs        BadgeURLs    `json:"badgeUrls"`
	ClanLevel        int          `json:"clanLevel"`
	ClanPoints       int          `json:"clanPoints"`
	RequiredTrophies int          `json:"requiredTrophies"`
	WarFrequency     string       `json:"warFrequency"`
	WarWinStreak     int          `json:"warWinStreak"`
	WarWins          int          `json:"warWins"`
	WarTies          int          `json:"warTies"`
	WarLosses        int          `json:"warLosses"`
	IsWarLogPublic   bool         `json:"isWarLogPublic"`
	Members          int          `json:"members"`
	MemberList       []ClanMember `json:"memberList"`
}

type WarClan struct {
	Tag                   string    `json:"tag"`
	Name                  string    `json:"name"`
	BadgeURLs             BadgeURLs `json:"badgeUrls"`
	ClanLevel             int       `json:"clanLevel"`
	Attacks               int       `json:"attacks"`
	Stars                 int       `json:"stars"`
	DestructionPercentage float64   `json:"destructionPercentage"`
}

type War struct {
	State                string  `json:"state"`
	TeamSize             int     `json:"teamSize"`
	AttacksPerMember     int     `json:"attacksPerMember"`
	PreparationStartTime string  `json:"preparationStartTime"`
	StartTime            string  `json:"startTime"`
	EndTime              string  `json:"endTime"`
	Clan                 WarClan `json:"clan"`
	Opponent             WarClan `json:"opponent"`

	// Reason is only set when the API refuses to return the war,
	// such as when the clan's war log is private.
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Player fetches the player with the given tag.
func (c *ClashClient) Player(ctx context.Context, tag Tag) (*Player, error) {
	var player Player
	if err := c.getJSON(ctx, "/players/"+escapeTag(tag), &player); err != nil {
		return nil, err
	}
	return &player, nil
}

// Clan fetches the clan with the given tag.
func (c *ClashClient) Clan(ctx context.Context, tag Tag) (*Clan, error) {
	var clan Clan
	if err := c.getJSON(ctx, "/clans/"+escapeTag(tag), &clan); err != nil {
		return nil, err
	}
	return &clan, nil
}

// CurrentWar fetches the current war for the clan with the given tag.
//
// A response carrying a 'reason' returns ErrPrivateWarLog, regardless of
// its state or status code. A clan that isn't in a war returns ErrNotInWar.
func (c *ClashClient) CurrentWar(ctx context.Context, tag Tag) (*War, error) {
	status, body, err := c.get(ctx, "/clans/"+escapeTag(tag)+"/currentwar")
	if err != nil {
		return nil, networkError(err)
	}

	var war War
	if err = json.Unmarshal(body, &war); err != nil {
		c.errorCount.Add(1)
		return nil, networkError(fmt.Errorf("error decoding response: %w", err))
	}

	switch {
	case war.Reason != "":
		return &war, newCommandError(ErrPrivateWarLog, warLogPrivateMessage, nil)
	case status < 200 || status > 299:
		c.errorCount.Add(1)
		return nil, networkError(&APIError{StatusCode: status, Message: war.Message})
	case war.State == warStateNotInWar:
		return &war, newCommandError(ErrNotInWar, notInWarMessage, nil)
	}
	return &war, nil
}

// Badge downloads and decodes the image at badgeURL. Badges are served
// from a public CDN, so no credentials are sent.
func (c *ClashClient) Badge(ctx context.Context, badgeURL string) (image.Image, error) {
	if badgeURL == "" {
		return nil, networkError(fmt.Errorf("missing badge url"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, badgeURL, nil)
	if err != nil {
		return nil, networkError(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorCount.Add(1)
		return nil, networkError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		c.errorCount.Add(1)
		return nil, networkError(
			fmt.Errorf("unexpected status fetching badge: %s", resp.Status),
		)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.errorCount.Add(1)
		return nil, networkError(fmt.Errorf("error decoding badge: %w", err))
	}
	return img, nil
}

// getJSON issues a GET for path and decodes a 2xx response into v.
// Non-2xx responses are decoded as an APIError.
func (c *ClashClient) getJSON(ctx context.Context, path string, v any) error {
	status, body, err := c.get(ctx, path)
	if err != nil {
		return networkError(err)
	}
	if status < 200 || status > 299 {
		c.errorCount.Add(1)
		apiErr := &APIError{StatusCode: status}
		_ = json.Unmarshal(body, apiErr)
		return networkError(apiErr)
	}
	if err = json.Unmarshal(body, v); err != nil {
		c.errorCount.Add(1)
		return networkError(fmt.Errorf("error decoding response: %w", err))
	}
	return nil
}

func (c *ClashClient) get(ctx context.Context, path string) (int, []byte, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = c.logger
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	c.requestCount.Add(1)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.errorCount.Add(1)
		logger.ErrorContext(ctx, "clash of clans request failed", "path", path, tint.Err(err))
		return 0, nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	logger.DebugContext(
		ctx,
		"clash of clans request finished",
		"path", path,
		"status_code", resp.StatusCode,
		"duration", time.Since(start),
		"body_size", len(body),
	)
	if err != nil {
		c.errorCount.Add(1)
		return resp.StatusCode, nil, fmt.Errorf("error reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// escapeTag returns the path segment for a tag, with the leading '#'
// percent-encoded.
func escapeTag(tag Tag) string {
	return url.PathEscape(tag.Display())
}
