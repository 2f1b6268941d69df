package draw

import (
	"image"
	"image/color"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	fontOnce   sync.Once
	fontParsed *opentype.Font

	faceMu    sync.Mutex
	faceCache = map[float64]font.Face{}
)

func fontFace(size float64) font.Face {
	fontOnce.Do(func() {
		f, err := opentype.Parse(goregular.TTF)
		if err != nil {
			panic("draw: embedded font failed to parse: " + err.Error())
		}
		fontParsed = f
	})
	faceMu.Lock()
	defer faceMu.Unlock()
	if f, ok := faceCache[size]; ok {
		return f
	}
	f, err := opentype.NewFace(fontParsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		panic("draw: face: " + err.Error())
	}
	faceCache[size] = f
	return f
}

// drawString renders text with its baseline origin at (x, y).
func drawString(dst *image.RGBA, s string, x, y float32, size float64, col color.RGBA) {
	if s == "" {
		return
	}
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: fontFace(size),
		Dot:  fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.Int26_6(y * 64)},
	}
	d.DrawString(s)
}

// drawStringCentered renders text centered horizontally on cx with
// the baseline at y.
func drawStringCentered(dst *image.RGBA, s string, cx, y float32, size float64, col color.RGBA) {
	if s == "" {
		return
	}
	face := fontFace(size)
	w := font.MeasureString(face, s)
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.Int26_6(cx*64) - w/2,
			Y: fixed.Int26_6(y * 64),
		},
	}
	d.DrawString(s)
}

func measureString(s string, size float64) float32 {
	return float32(font.MeasureString(fontFace(size), s)) / 64
}
