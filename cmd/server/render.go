package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/config"
	"github.com/cellview/server/internal/logger"
	"github.com/cellview/server/internal/service"
)

var renderOpts struct {
	timepoint int
	setup     int
	level     int
	z         int64
	x, y      int64
	width     int
	height    int
	strategy  string
	colormap  string
	out       string
	repeat    int
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render one slice to a PNG file",
	Long: `Render one z-plane of the volume store to a PNG file without starting
the HTTP server. With --repeat the slice is rendered again on each frame until
it completes, the way a viewer refines an incomplete frame.`,
	RunE: runRender,
}

func init() {
	f := renderCmd.Flags()
	f.IntVar(&renderOpts.timepoint, "timepoint", 0, "Timepoint index")
	f.IntVar(&renderOpts.setup, "setup", 0, "Setup index")
	f.IntVar(&renderOpts.level, "level", 0, "Resolution level (0 is finest)")
	f.Int64Var(&renderOpts.z, "z", 0, "Z plane")
	f.Int64Var(&renderOpts.x, "x", 0, "Left voxel")
	f.Int64Var(&renderOpts.y, "y", 0, "Top voxel")
	f.IntVar(&renderOpts.width, "width", 512, "Image width")
	f.IntVar(&renderOpts.height, "height", 512, "Image height")
	f.StringVar(&renderOpts.strategy, "strategy", "", "Loading strategy (volatile, blocking, budgeted, dontload)")
	f.StringVar(&renderOpts.colormap, "colormap", "", "Colormap name")
	f.StringVarP(&renderOpts.out, "out", "o", "slice.png", "Output file")
	f.IntVar(&renderOpts.repeat, "repeat", 20, "Maximum number of frames to render")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	// The frame log is for interactive sessions.
	cfg.Frames.SQLitePath = ""

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	view := a.views.CreateView()
	req := service.SliceRequest{
		Timepoint: renderOpts.timepoint,
		Setup:     renderOpts.setup,
		Level:     renderOpts.level,
		Z:         renderOpts.z,
		X:         renderOpts.x,
		Y:         renderOpts.y,
		Width:     renderOpts.width,
		Height:    renderOpts.height,
		Strategy:  renderOpts.strategy,
		Colormap:  renderOpts.colormap,
	}

	interval := cfg.Render.FrameInterval()
	var res *service.SliceResult
	for i := 0; i < max(renderOpts.repeat, 1); i++ {
		if i > 0 {
			time.Sleep(interval)
		}
		res, err = a.views.RenderSlice(ctx, view.ID, req)
		if err != nil {
			return err
		}
		log.Info("frame rendered",
			zap.Int("attempt", i+1),
			zap.Bool("complete", res.Complete),
			zap.Duration("render", time.Duration(res.RenderNanos)),
			zap.Duration("io", time.Duration(res.IoNanos)),
		)
		if res.Complete {
			break
		}
	}

	if err := os.WriteFile(renderOpts.out, res.PNG, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", renderOpts.out, err)
	}
	fmt.Printf("wrote %s (%s, complete=%v)\n", renderOpts.out, humanize.Bytes(uint64(len(res.PNG))), res.Complete)
	return nil
}
