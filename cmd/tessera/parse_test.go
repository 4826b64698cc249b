package main

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/tessera/bitmap"
	"github.com/meigma/tessera/request"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    request.Size
		wantErr bool
	}{
		{"", request.Size{}, false},
		{"200x100", request.Size{Width: 200, Height: 100}, false},
		{"64X64", request.Size{Width: 64, Height: 64}, false},
		{"200", request.Size{}, true},
		{"0x10", request.Size{}, true},
		{"ax10", request.Size{}, true},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseEnums(t *testing.T) {
	t.Parallel()

	p, err := parsePrecision("same-aspect-ratio")
	require.NoError(t, err)
	assert.Equal(t, request.SameAspectRatio, p)

	a, err := parseAnchor("bottom-right")
	require.NoError(t, err)
	assert.Equal(t, request.BottomRight, a)

	d, err := parseDepth("LOCAL")
	require.NoError(t, err)
	assert.Equal(t, request.DepthLocal, d)

	f, err := parseFormat("gray")
	require.NoError(t, err)
	assert.Equal(t, bitmap.FormatGray8, f)

	_, err = parseAnchor("middle")
	assert.Error(t, err)
	_, err = parsePrecision("roughly")
	assert.Error(t, err)
	_, err = parseFormat("cmyk")
	assert.Error(t, err)
}

func TestParseRect(t *testing.T) {
	t.Parallel()

	r, err := parseRect("10, 20,110,220")
	require.NoError(t, err)
	assert.Equal(t, image.Rect(10, 20, 110, 220), r)

	_, err = parseRect("1,2,3")
	require.Error(t, err)
	_, err = parseRect("5,5,5,9")
	require.Error(t, err)
}
