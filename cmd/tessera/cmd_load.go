package main

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meigma/tessera"
	"github.com/meigma/tessera/request"
)

// loadFlags are the request options shared by load and info.
type loadFlags struct {
	size           string
	precision      string
	anchor         string
	format         string
	depth          string
	memoryPolicy   string
	resultPolicy   string
	downloadPolicy string
	ignoreExif     bool
	progress       bool
}

func (f *loadFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.size, "size", "", "target size WIDTHxHEIGHT (default: original)")
	fs.StringVar(&f.precision, "precision", "less-pixels", "less-pixels, same-aspect-ratio or exactly")
	fs.StringVar(&f.anchor, "anchor", "center", "crop anchor, e.g. center or top-left")
	fs.StringVar(&f.format, "format", "rgba", "pixel format (rgba, gray)")
	fs.StringVar(&f.depth, "depth", "network", "deepest stage allowed (network, local, memory)")
	fs.StringVar(&f.memoryPolicy, "memory-policy", "enabled", "memory cache policy")
	fs.StringVar(&f.resultPolicy, "result-policy", "enabled", "result cache policy")
	fs.StringVar(&f.downloadPolicy, "download-policy", "enabled", "download cache policy")
	fs.BoolVar(&f.ignoreExif, "ignore-exif", false, "ignore EXIF orientation")
	fs.BoolVar(&f.progress, "progress", false, "report download progress on stderr")
}

func (f *loadFlags) request(cmd *cobra.Command, uri string) (request.Request, error) {
	size, err := parseSize(f.size)
	if err != nil {
		return request.Request{}, err
	}
	precision, err := parsePrecision(f.precision)
	if err != nil {
		return request.Request{}, err
	}
	anchor, err := parseAnchor(f.anchor)
	if err != nil {
		return request.Request{}, err
	}
	format, err := parseFormat(f.format)
	if err != nil {
		return request.Request{}, err
	}
	depth, err := parseDepth(f.depth)
	if err != nil {
		return request.Request{}, err
	}
	var policies [3]request.CachePolicy
	for i, s := range []string{f.memoryPolicy, f.resultPolicy, f.downloadPolicy} {
		if policies[i], err = request.ParseCachePolicy(strings.ReplaceAll(s, "-", "_")); err != nil {
			return request.Request{}, err
		}
	}

	opts := []request.Option{
		request.WithSize(size.Width, size.Height),
		request.WithPrecision(precision),
		request.WithAnchor(anchor),
		request.WithFormat(format),
		request.WithDepth(depth),
		request.WithMemoryCachePolicy(policies[0]),
		request.WithResultCachePolicy(policies[1]),
		request.WithDownloadCachePolicy(policies[2]),
		request.WithIgnoreExifOrientation(f.ignoreExif),
	}
	if f.progress {
		w := cmd.ErrOrStderr()
		opts = append(opts, request.WithProgress(func(total, completed int64) {
			if total < 0 {
				fmt.Fprintf(w, "%s: %d bytes\n", uri, completed)
				return
			}
			fmt.Fprintf(w, "%s: %d/%d bytes\n", uri, completed, total)
		}))
	}
	return request.New(uri, opts...), nil
}

func newLoadCmd(a *app) *cobra.Command {
	var flags loadFlags
	var outDir string
	cmd := &cobra.Command{
		Use:   "load <uri>...",
		Short: "Load images and optionally write them as PNG",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs := make([]request.Request, len(args))
			for i, uri := range args {
				req, err := flags.request(cmd, uri)
				if err != nil {
					return err
				}
				reqs[i] = req
			}

			e, err := a.engine()
			if err != nil {
				return err
			}
			defer a.closeEngine(e)

			results, err := e.ExecuteAll(cmd.Context(), reqs...)
			if err != nil {
				return err
			}
			for i, res := range results {
				printResult(cmd, res)
				if outDir != "" {
					if err := writePNG(outDir, i, res); err != nil {
						return err
					}
				}
				if err := res.Release(); err != nil {
					a.logger.Error("release result", "key", res.Key, "error", err)
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "directory to write decoded PNGs into")
	return cmd
}

func printResult(cmd *cobra.Command, res *tessera.Result) {
	w := out(cmd)
	b := res.Buffer().Bounds()
	fmt.Fprintf(w, "%s\n", res.Key)
	fmt.Fprintf(w, "  from:        %s\n", res.From)
	fmt.Fprintf(w, "  size:        %dx%d\n", b.Dx(), b.Dy())
	fmt.Fprintf(w, "  source:      %dx%d %s orientation=%d\n", res.Info.Width, res.Info.Height, res.Info.MimeType, res.Info.Orientation)
	for _, t := range res.Transformed {
		fmt.Fprintf(w, "  transformed: %s\n", t)
	}
}

func writePNG(dir string, i int, res *tessera.Result) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	path := filepath.Join(dir, "image-"+strconv.Itoa(i)+".png")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, res.Image()); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func newInfoCmd(a *app) *cobra.Command {
	var flags loadFlags
	cmd := &cobra.Command{
		Use:   "info <uri>",
		Short: "Print source metadata without caching the decoded result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd, args[0])
			if err != nil {
				return err
			}
			req = req.With(
				request.WithMemoryCachePolicy(request.ReadOnly),
				request.WithResultCachePolicy(request.ReadOnly),
			)

			e, err := a.engine()
			if err != nil {
				return err
			}
			defer a.closeEngine(e)

			res, err := e.Execute(cmd.Context(), req)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Release(); err != nil {
					a.logger.Error("release result", "key", res.Key, "error", err)
				}
			}()
			w := out(cmd)
			fmt.Fprintf(w, "uri:         %s\n", req.URI())
			fmt.Fprintf(w, "mime:        %s\n", res.Info.MimeType)
			fmt.Fprintf(w, "width:       %d\n", res.Info.Width)
			fmt.Fprintf(w, "height:      %d\n", res.Info.Height)
			fmt.Fprintf(w, "orientation: %d\n", res.Info.Orientation)
			fmt.Fprintf(w, "from:        %s\n", res.From)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
