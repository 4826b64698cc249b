package main

import (
	"fmt"
	"image"
	"strconv"
	"strings"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/request"
)

// parseSize parses "WxH". An empty string means the original size.
func parseSize(s string) (request.Size, error) {
	if s == "" {
		return request.Size{}, nil
	}
	w, h, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return request.Size{}, fmt.Errorf("size %q: want WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return request.Size{}, fmt.Errorf("size %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return request.Size{}, fmt.Errorf("size %q: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return request.Size{}, fmt.Errorf("size %q: dimensions must be positive", s)
	}
	return request.Size{Width: width, Height: height}, nil
}

func parsePrecision(s string) (request.Precision, error) {
	for _, p := range []request.Precision{request.LessPixels, request.SameAspectRatio, request.Exactly} {
		if matchName(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown precision %q", s)
}

func parseAnchor(s string) (request.Anchor, error) {
	for a := request.Center; a <= request.BottomRight; a++ {
		if matchName(s, a.String()) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown anchor %q", s)
}

func parseDepth(s string) (request.Depth, error) {
	for _, d := range []request.Depth{request.DepthNetwork, request.DepthLocal, request.DepthMemory} {
		if matchName(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown depth %q", s)
}

func parseFormat(s string) (bitmap.Format, error) {
	switch strings.ToLower(s) {
	case "", "rgba", "rgba8888":
		return bitmap.FormatRGBA8888, nil
	case "gray", "gray8":
		return bitmap.FormatGray8, nil
	default:
		return 0, fmt.Errorf("unknown format %q", s)
	}
}

// parseRect parses "x0,y0,x1,y1".
func parseRect(s string) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("rect %q: want x0,y0,x1,y1", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("rect %q: %w", s, err)
		}
		v[i] = n
	}
	r := image.Rect(v[0], v[1], v[2], v[3])
	if r.Empty() {
		return image.Rectangle{}, fmt.Errorf("rect %q is empty", s)
	}
	return r, nil
}

// matchName compares case-insensitively, treating '-' as '_'.
func matchName(s, name string) bool {
	return strings.EqualFold(strings.ReplaceAll(s, "-", "_"), name)
}
