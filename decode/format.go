package decode

import (
	"bytes"
	"net/http"
)

// MIME types recognised by Detect.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeGIF  = "image/gif"
	MimeWebP = "image/webp"
	MimeBMP  = "image/bmp"
	MimeTIFF = "image/tiff"
)

// Detect sniffs header bytes and returns the image MIME type, or "" when the
// format is not recognised.
func Detect(header []byte) string {
	if len(header) < 4 {
		return ""
	}
	switch {
	case header[0] == 0xFF && header[1] == 0xD8 && header[2] == 0xFF:
		return MimeJPEG
	case bytes.HasPrefix(header, []byte("\x89PNG")):
		return MimePNG
	case bytes.HasPrefix(header, []byte("GIF87a")), bytes.HasPrefix(header, []byte("GIF89a")):
		return MimeGIF
	case len(header) >= 12 && bytes.HasPrefix(header, []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WEBP")):
		return MimeWebP
	case bytes.HasPrefix(header, []byte("BM")):
		return MimeBMP
	case bytes.HasPrefix(header, []byte("II*\x00")), bytes.HasPrefix(header, []byte("MM\x00*")):
		return MimeTIFF
	}
	// Fall back to net/http sniffing.
	switch ct := http.DetectContentType(header); ct {
	case MimeJPEG, MimePNG, MimeGIF, MimeWebP, MimeBMP:
		return ct
	}
	return ""
}
