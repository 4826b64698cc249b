package decode

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/meigma/tessera/request"
)

// TargetSize returns the output dimensions for a srcW×srcH image under the
// size and precision of req.
func TargetSize(srcW, srcH int, req request.Request) (int, int) {
	size := req.Size()
	if size.IsOriginal() || srcW <= 0 || srcH <= 0 {
		return srcW, srcH
	}
	tw, th := size.Width, size.Height
	srcAspect := float64(srcW) / float64(srcH)
	targetAspect := float64(tw) / float64(th)

	switch req.Precision() {
	case request.Exactly:
		return tw, th
	case request.SameAspectRatio:
		cropW, cropH := srcW, srcH
		if srcAspect > targetAspect {
			cropW = atLeastOne(float64(srcH) * targetAspect)
		} else {
			cropH = atLeastOne(float64(srcW) / targetAspect)
		}
		if cropW > tw || cropH > th {
			return tw, th
		}
		return cropW, cropH
	default:
		if srcW <= tw && srcH <= th {
			return srcW, srcH
		}
		if srcAspect > targetAspect {
			return tw, atLeastOne(float64(tw) / srcAspect)
		}
		return atLeastOne(float64(th) * srcAspect), th
	}
}

func atLeastOne(v float64) int {
	return max(1, int(math.Round(v)))
}

var imagingAnchors = map[request.Anchor]imaging.Anchor{
	request.Center:      imaging.Center,
	request.TopLeft:     imaging.TopLeft,
	request.Top:         imaging.Top,
	request.TopRight:    imaging.TopRight,
	request.Left:        imaging.Left,
	request.Right:       imaging.Right,
	request.BottomLeft:  imaging.BottomLeft,
	request.Bottom:      imaging.Bottom,
	request.BottomRight: imaging.BottomRight,
}

// resize scales img to w×h following req. It returns img unchanged when no
// resize is needed.
func resize(img image.Image, w, h int, req request.Request) (image.Image, Transformed) {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img, ""
	}
	marker := Transformed(fmt.Sprintf("ResizeTransformed(%dx%d,%s,%s)", w, h, req.Precision(), req.Anchor()))
	if req.Precision() == request.LessPixels {
		return imaging.Resize(img, w, h, imaging.Lanczos), marker
	}
	return imaging.Fill(img, w, h, imagingAnchors[req.Anchor()], imaging.Lanczos), marker
}
