package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gogpu/nnfx"
	"github.com/gogpu/nnfx/internal/imageio"
	"github.com/gogpu/nnfx/tensor"
)

// resizeStep resizes IO before the given frame is run.
type resizeStep struct {
	frame int
	size  nnfx.IOSize
}

// parseResize parses "WxH@frame" or "WxH/SWxSH@frame".
func parseResize(s string) (resizeStep, error) {
	dims, frame, ok := strings.Cut(s, "@")
	if !ok {
		return resizeStep{}, fmt.Errorf("resize %q: missing @frame", s)
	}
	n, err := strconv.Atoi(frame)
	if err != nil || n < 0 {
		return resizeStep{}, fmt.Errorf("resize %q: invalid frame %q", s, frame)
	}
	step := resizeStep{frame: n}
	content, style, hasStyle := strings.Cut(dims, "/")
	if step.size.Width, step.size.Height, err = parseDims(content); err != nil {
		return resizeStep{}, fmt.Errorf("resize %q: %w", s, err)
	}
	if hasStyle {
		if step.size.StyleWidth, step.size.StyleHeight, err = parseDims(style); err != nil {
			return resizeStep{}, fmt.Errorf("resize %q: %w", s, err)
		}
	}
	return step, nil
}

func parseDims(s string) (w, h int, err error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WxH", s)
	}
	if w, err = strconv.Atoi(ws); err != nil {
		return 0, 0, fmt.Errorf("width %q: %w", ws, err)
	}
	if h, err = strconv.Atoi(hs); err != nil {
		return 0, 0, fmt.Errorf("height %q: %w", hs, err)
	}
	return w, h, nil
}

type runOptions struct {
	config  string
	frames  int
	resizes []string
	output  string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a synthetic frame loop through a model",
		Example: "  nnfx run --config nnfx.toml --frames 120\n" +
			"  nnfx run --config nnfx.yaml --resize 640x360@30 --resize 1280x720/256x256@60 --output last.png",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFrames(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.config, "config", "", "Config file (.toml, .yaml or .json)")
	cmd.Flags().IntVar(&opts.frames, "frames", 30, "Number of frames to run")
	cmd.Flags().StringArrayVar(&opts.resizes, "resize", nil, "Resize before a frame: WxH[/SWxSH]@frame (repeatable)")
	cmd.Flags().StringVar(&opts.output, "output", "", "Write the last output frame to this image file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// runSummary is printed after the loop.
type runSummary struct {
	frames  int
	skipped int
	resizes int
	elapsed time.Duration
}

func runFrames(ctx context.Context, out io.Writer, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.frames < 0 {
		return fmt.Errorf("negative frame count %d", opts.frames)
	}
	steps := make([]resizeStep, 0, len(opts.resizes))
	for _, s := range opts.resizes {
		step, err := parseResize(s)
		if err != nil {
			return err
		}
		steps = append(steps, step)
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].frame < steps[j].frame })

	cfg, err := nnfx.LoadConfig(opts.config)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	nctx, err := nnfx.NewContext(cfg, nnfx.WithMetrics(nnfx.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer nctx.Close()
	cfg = nctx.Config()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newDebugRouter(reg, nctx),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(out, "debug server:", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(out, "debug server listening on %s\n", cfg.MetricsAddr)
	}

	if err := nctx.Start(); err != nil {
		return err
	}
	m := nctx.Manager()
	topo, _ := m.Topology()
	fmt.Fprintf(out, "%s on %s: content %s", displayName(topo), adapterLabel(nctx), m.InputShapeContent())
	if topo.HasStyle() {
		fmt.Fprintf(out, ", style %s", m.InputShapeStyle())
	}
	fmt.Fprintln(out)

	sum := runSummary{}
	start := time.Now()
	for i := 0; i < opts.frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for len(steps) > 0 && steps[0].frame == i {
			if err := nctx.ResizeIO(steps[0].size); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
			sum.resizes++
			fmt.Fprintf(out, "frame %d: resized content to %s\n", i, m.InputShapeContent())
			steps = steps[1:]
		}
		if err := nctx.UploadTensor(m.InputBufferContent(), 0, syntheticFrame(m.InputShapeContent(), i)); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		err := m.Run()
		switch {
		case err == nil:
		case nnfx.IsFatal(err):
			return fmt.Errorf("frame %d: %w", i, err)
		default:
			sum.skipped++
			fmt.Fprintf(out, "frame %d skipped: %v\n", i, err)
		}
		sum.frames++
	}
	if err := nctx.Flush(); err != nil {
		return err
	}
	sum.elapsed = time.Since(start)

	if opts.output != "" && m.OutputBuffer() != nil {
		if err := writeOutput(nctx, opts.output); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", opts.output)
	}
	printSummary(out, nctx, sum)
	return nil
}

func adapterLabel(c *nnfx.Context) string {
	if name := c.AdapterName(); name != "" {
		return name
	}
	return c.Config().Backend
}

// syntheticFrame returns the color planes of batch entry 0: a diagonal
// gradient that moves with the frame index.
func syntheticFrame(shape tensor.Shape, frame int) []float32 {
	h, w := int(shape.Height()), int(shape.Width())
	plane := h * w
	data := make([]float32, 3*plane)
	phase := float64(frame) * 0.1
	for y := range h {
		for x := range w {
			i := y*w + x
			u, v := float64(x)/float64(w), float64(y)/float64(h)
			data[i] = float32(0.5 + 0.5*math.Sin(2*math.Pi*(u+phase)))
			data[plane+i] = float32(v)
			data[2*plane+i] = float32(0.5 + 0.5*math.Cos(2*math.Pi*(u+v-phase)))
		}
	}
	return data
}

func writeOutput(c *nnfx.Context, path string) error {
	m := c.Manager()
	shape := m.OutputShape()
	values, err := c.ReadTensor(m.OutputBuffer())
	if err != nil {
		return err
	}
	img, err := imageio.FromCHW(values, int(shape.Width()), int(shape.Height()))
	if err != nil {
		return err
	}
	return imageio.Save(path, img)
}

func printSummary(out io.Writer, c *nnfx.Context, sum runSummary) {
	m := c.Manager()
	stats := c.Stats()
	fps := 0.0
	if sum.elapsed > 0 {
		fps = float64(sum.frames) / sum.elapsed.Seconds()
	}
	fmt.Fprintf(out, "frames: %d (skipped %d), resizes: %d, discoveries: %d\n",
		sum.frames, sum.skipped, sum.resizes, m.Discoveries())
	fmt.Fprintf(out, "output: %s\n", m.OutputShape())
	fmt.Fprintf(out, "buffers: %d live, %d bytes, %d submissions, %.1f frames/s\n",
		stats.LiveBuffers, stats.UsedBytes, stats.Submitted, fps)
}
