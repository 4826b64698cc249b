package main

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/tessera/request"
	"github.com/meigma/tessera/tile"
)

func newTilesCmd(a *app) *cobra.Command {
	var (
		tileSize int
		scale    float64
		visible  string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "tiles <uri>",
		Short: "Decode the tiles a viewport needs and print the grid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tileSize < 1 {
				return fmt.Errorf("tile size must be positive, got %d", tileSize)
			}
			e, err := a.engine()
			if err != nil {
				return err
			}
			defer a.closeEngine(e)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			m, err := e.Tiles(ctx, request.New(args[0]), image.Pt(tileSize, tileSize), nil,
				tile.WithConcurrency(int64(a.cfg.Engine.Workers)))
			if err != nil {
				return err
			}
			defer m.Destroy()

			w := out(cmd)
			if !m.HasTiles() {
				fmt.Fprintln(w, "image fits in one tile; load it whole")
				return nil
			}
			fmt.Fprintf(w, "levels: %v\n", m.Samplings())

			vp := tile.Viewport{Scale: scale}
			if visible != "" {
				if vp.Visible, err = parseRect(visible); err != nil {
					return err
				}
			} else {
				for _, s := range m.All() {
					vp.Visible = vp.Visible.Union(s.Rect)
				}
			}
			if err := refreshAndWait(ctx, m, vp); err != nil {
				return err
			}

			fmt.Fprintf(w, "sampling: %d\n", m.Sampling())
			for _, s := range m.Tiles() {
				b := s.Buffer.Buffer()
				if b == nil {
					continue
				}
				fmt.Fprintf(w, "  %v -> %dx%d\n", s.Rect, b.Bounds().Dx(), b.Bounds().Dy())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tileSize, "tile", 512, "maximum tile edge in output pixels")
	cmd.Flags().Float64Var(&scale, "scale", 1, "display scale, 0.5 shows the image at half size")
	cmd.Flags().StringVar(&visible, "visible", "", "visible rect x0,y0,x1,y1 in image pixels (default: whole image)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up waiting for tiles after this long")
	return cmd
}

// refreshAndWait applies vp and blocks until no tile is loading.
func refreshAndWait(ctx context.Context, m *tile.Manager, vp tile.Viewport) error {
	changed := make(chan struct{}, 1)
	unsubscribe := m.OnTileChanged(func(tile.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	m.Refresh(ctx, vp)
	for loading(m) {
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func loading(m *tile.Manager) bool {
	for _, s := range m.All() {
		if s.State == tile.Loading {
			return true
		}
	}
	return false
}
