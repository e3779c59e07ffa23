// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Command ngpdemo trains a dense voxel field on synthetic views of a
// sphere and renders a novel view through the occupancy grid.
//
// Usage:
//
//	ngpdemo -views 8 -size 64 -steps 300 -out ./out
//
// Outputs: novel.png (8-bit), novel.tiff (16-bit), loss.png and a SQLite
// run log.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/image/tiff"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/ngp"
	"github.com/gogpu/ngp/dataset"
	"github.com/gogpu/ngp/field"
	"github.com/gogpu/ngp/grid"
	"github.com/gogpu/ngp/internal/runlog"
	"github.com/gogpu/ngp/march"
	"github.com/gogpu/ngp/parallel"
	"github.com/gogpu/ngp/render"
	"github.com/gogpu/ngp/train"
)

type flags struct {
	config    string
	out       string
	views     int
	size      int
	scale     float64
	steps     int
	fieldRes  int
	logEvery  int
	verbose   bool
	lang      string
	maxRounds int
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "JSON configuration file (defaults if empty)")
	flag.StringVar(&f.out, "out", "ngp-out", "output directory")
	flag.IntVar(&f.views, "views", 8, "number of training views")
	flag.IntVar(&f.size, "size", 64, "training view size in pixels")
	flag.Float64Var(&f.scale, "scale", 1, "resample training views by this factor")
	flag.IntVar(&f.steps, "steps", 300, "training steps")
	flag.IntVar(&f.fieldRes, "field-res", 24, "dense field vertices per axis")
	flag.IntVar(&f.logEvery, "log-every", 25, "print progress every n steps")
	flag.BoolVar(&f.verbose, "v", false, "debug logging")
	flag.StringVar(&f.lang, "lang", "en", "language for number formatting")
	flag.IntVar(&f.maxRounds, "max-rounds", 0, "render round cap (0 uses the configuration)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, f); err != nil {
		log.Fatalf("ngpdemo: %v", err)
	}
}

func run(ctx context.Context, f flags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	ngp.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := ngp.DefaultConfig()
	if f.config != "" {
		var err error
		if cfg, err = ngp.LoadConfig(f.config); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(f.out, 0o755); err != nil {
		return err
	}

	tag, err := language.Parse(f.lang)
	if err != nil {
		return fmt.Errorf("language %q: %w", f.lang, err)
	}
	p := message.NewPrinter(tag)

	pool := parallel.NewPool(cfg.Workers)
	defer pool.Close()

	// Ground truth scene and its views.
	truth := &field.Sphere{
		Center:  cfg.Grid.Center,
		Radius:  0.3 * cfg.Grid.BaseSize,
		Density: 60 / cfg.Grid.BaseSize,
		Base:    ngp.V3(0.55, 0.45, 0.35),
		Tint:    0.35,
	}
	truthGrid, err := grid.New(cfg.Grid, pool)
	if err != nil {
		return err
	}
	truthRenderer, err := render.NewRenderer(truth, cfg, render.WithPool(pool))
	if err != nil {
		return err
	}
	defer truthRenderer.Close()

	radius := 2.2 * cfg.Grid.BaseSize
	cams := dataset.Orbit(f.views, f.size, f.size, math.Pi/5, radius, 0.35, cfg.Grid.Center)
	views := make([]dataset.View, len(cams))
	for i := range cams {
		target := render.NewPixmapTarget(f.size, f.size)
		if _, err := truthRenderer.Render(ctx, &cams[i], target, truthGrid, f.maxRounds); err != nil {
			return fmt.Errorf("render view %d: %w", i, err)
		}
		views[i] = dataset.View{Image: target.Image(), Camera: cams[i]}
	}
	ds, err := dataset.NewImageSet(views, dataset.WithScale(f.scale), dataset.WithJitter())
	if err != nil {
		return err
	}

	// Training.
	g, err := grid.New(cfg.Grid, pool)
	if err != nil {
		return err
	}
	net, err := field.NewDenseGrid(g.LevelBounds(0), f.fieldRes, 1)
	if err != nil {
		return err
	}
	trainer, err := train.NewTrainer(net, g, cfg, train.WithPool(pool))
	if err != nil {
		return err
	}
	defer trainer.Close()

	rl, err := runlog.Open(filepath.Join(f.out, "runs.db"))
	if err != nil {
		return err
	}
	defer rl.Close()
	runID, err := rl.StartRun(cfg)
	if err != nil {
		return err
	}

	var samples int
	for step := 1; step <= f.steps; step++ {
		res, err := trainer.TrainStep(ctx, ds)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		if err := rl.RecordStep(runID, res); err != nil {
			return err
		}
		samples += res.Samples
		if f.logEvery > 0 && step%f.logEvery == 0 {
			p.Printf("step %d  loss %.5f  samples %d  occupancy %.1f%%\n",
				res.Step, res.Loss, res.Samples, 100*g.OccupancyRatio())
		}
	}

	// Novel view halfway between the first two training cameras.
	novel := dataset.Orbit(2*f.views, f.size, f.size, math.Pi/5, radius, 0.35, cfg.Grid.Center)[1]
	if err := renderNovel(ctx, net, g, cfg, pool, &novel, f); err != nil {
		return err
	}

	if err := rl.PlotLoss(runID, filepath.Join(f.out, "loss.png")); err != nil {
		return err
	}
	sum, err := rl.Summarize(runID)
	if err != nil {
		return err
	}
	p.Printf("run %s: %d steps, %d samples, loss %.5f (mean %.5f ± %.5f, min %.5f), %d grid refreshes\n",
		runID, sum.Steps, samples, sum.FinalLoss, sum.MeanLoss, sum.StdDev, sum.MinLoss, sum.Refreshes)
	return nil
}

func renderNovel(ctx context.Context, net *field.DenseGrid, g *grid.Grid, cfg ngp.Config, pool *parallel.Pool, cam *march.Camera, f flags) error {
	r, err := render.NewRenderer(net, cfg, render.WithPool(pool))
	if err != nil {
		return err
	}
	defer r.Close()

	target := render.NewFloatTarget(cam.Width, cam.Height)
	st, err := r.Render(ctx, cam, target, g, f.maxRounds)
	if err != nil {
		return fmt.Errorf("render novel view: %w", err)
	}
	ngp.Logger().Debug("novel view", "rounds", st.Rounds, "samples", st.Samples, "complete", st.Complete)

	pngTarget := render.NewPixmapTarget(cam.Width, cam.Height)
	for i, c := range target.Pixels() {
		pngTarget.Write(i, c)
	}
	if err := writeFile(filepath.Join(f.out, "novel.png"), func(w *os.File) error {
		return png.Encode(w, pngTarget.Image())
	}); err != nil {
		return err
	}
	return writeFile(filepath.Join(f.out, "novel.tiff"), func(w *os.File) error {
		return tiff.Encode(w, target.Image16(), &tiff.Options{Compression: tiff.Deflate})
	})
}

func writeFile(path string, encode func(*os.File) error) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(out); err != nil {
		out.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return out.Close()
}
