package statsy

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

//go:embed assets/war-bg.png
var defaultWarBackground []byte

var (
	// clanBadgeBox and opponentBadgeBox are where each clan's badge is
	// drawn on the war background.
	clanBadgeBox     = image.Rect(60, 55, 572, 567)
	opponentBadgeBox = image.Rect(928, 55, 1440, 567)
)

// WarBannerCompositor draws two clan badges onto the war background.
type WarBannerCompositor struct {
	background image.Image
}

// NewWarBannerCompositor returns a compositor using the given background.
// The background must be large enough to contain both badge boxes.
func NewWarBannerCompositor(background image.Image) (*WarBannerCompositor, error) {
	if background == nil {
		return nil, fmt.Errorf("no war background")
	}
	b := background.Bounds()
	if !clanBadgeBox.In(b) || !opponentBadgeBox.In(b) {
		return nil, fmt.Errorf(
			"war background %v too small for badge boxes %v, %v",
			b, clanBadgeBox, opponentBadgeBox,
		)
	}
	return &WarBannerCompositor{background: background}, nil
}

// LoadWarBackground decodes the background image at path, or the
// embedded default background if path is empty.
func LoadWarBackground(path string) (image.Image, error) {
	data := defaultWarBackground
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading war background: %w", err)
		}
		data = b
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding war background: %w", err)
	}
	return img, nil
}

// Compose returns a PNG of the background with clanBadge drawn on the
// left and opponentBadge on the right. Transparent badge pixels leave
// the background visible.
func (w *WarBannerCompositor) Compose(clanBadge, opponentBadge image.Image) ([]byte, error) {
	bounds := w.background.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, w.background, bounds.Min, draw.Src)

	pasteBadge(canvas, clanBadgeBox.Add(bounds.Min), clanBadge)
	pasteBadge(canvas, opponentBadgeBox.Add(bounds.Min), opponentBadge)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("error encoding war banner: %w", err)
	}
	return buf.Bytes(), nil
}

// pasteBadge draws badge over box, scaling it first if it isn't
// already the size of box.
func pasteBadge(canvas draw.Image, box image.Rectangle, badge image.Image) {
	if badge == nil {
		return
	}
	src := badge.Bounds()
	if src.Dx() == box.Dx() && src.Dy() == box.Dy() {
		draw.Draw(canvas, box, badge, src.Min, draw.Over)
		return
	}
	xdraw.CatmullRom.Scale(canvas, box, badge, src, xdraw.Over, nil)
}

// warBanner downloads both clans' badges and composes the war banner on
// the render pool.
func (s *Statsy) warBanner(ctx context.Context, war *War) ([]byte, error) {
	var clanBadge, opponentBadge image.Image

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			img, err := s.coc.Badge(gctx, war.Clan.BadgeURLs.Best())
			clanBadge = img
			return err
		},
	)
	g.Go(
		func() error {
			img, err := s.coc.Badge(gctx, war.Opponent.BadgeURLs.Best())
			opponentBadge = img
			return err
		},
	)
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return s.renderPool.Render(
		ctx, func() ([]byte, error) {
			return s.warBanners.Compose(clanBadge, opponentBadge)
		},
	)
}
