// Package plot renders light curves as PNG images.
package plot

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/lox/tidestarget/internal/models"
	"github.com/lox/tidestarget/internal/selection"
)

const (
	Width  = 900
	Height = 600

	marginLeft   = 70
	marginRight  = 110
	marginTop    = 40
	marginBottom = 50
)

var (
	white     = color.RGBA{255, 255, 255, 255}
	black     = color.RGBA{0, 0, 0, 255}
	gridGray  = color.RGBA{225, 225, 225, 255}
	labelGray = color.RGBA{80, 80, 80, 255}
	otherBand = color.RGBA{120, 120, 120, 255}

	bandColors = map[string]color.RGBA{
		"g": {0, 150, 0, 255},
		"r": {210, 30, 30, 255},
		"i": {220, 180, 0, 255},
	}
)

func bandColor(label string) color.RGBA {
	if c, ok := bandColors[label]; ok {
		return c
	}
	return otherBand
}

func fade(c color.RGBA) color.RGBA {
	return color.RGBA{c.R/2 + 127, c.G/2 + 127, c.B/2 + 127, 255}
}

// Lightcurve is what gets drawn for one object.
type Lightcurve struct {
	ObjectID   string
	Detections []models.Detection
	Criterion  selection.Criterion
	TriggerJD  float64 // models.NoTrigger for none
}

type axes struct {
	jdMin, jdMax   float64
	magMin, magMax float64 // magMin is the brightest, drawn at the top
}

func (a axes) x(jd float64) int {
	w := float64(Width - marginLeft - marginRight)
	return marginLeft + int(math.Round((jd-a.jdMin)/(a.jdMax-a.jdMin)*w))
}

func (a axes) y(mag float64) int {
	h := float64(Height - marginTop - marginBottom)
	return marginTop + int(math.Round((mag-a.magMin)/(a.magMax-a.magMin)*h))
}

func bounds(lc Lightcurve) (axes, bool) {
	a := axes{jdMin: math.Inf(1), jdMax: math.Inf(-1), magMin: math.Inf(1), magMax: math.Inf(-1)}
	seen := false
	for _, d := range lc.Detections {
		mag, ok := plotMag(d)
		if !ok {
			continue
		}
		seen = true
		a.jdMin, a.jdMax = math.Min(a.jdMin, d.JD), math.Max(a.jdMax, d.JD)
		lo, hi := mag, mag
		if d.IsDetection() && d.MagnitudeError.Valid {
			lo, hi = mag-d.MagnitudeError.Float64, mag+d.MagnitudeError.Float64
		}
		a.magMin, a.magMax = math.Min(a.magMin, lo), math.Max(a.magMax, hi)
	}
	if !seen {
		return a, false
	}
	if lc.TriggerJD != models.NoTrigger {
		a.jdMin, a.jdMax = math.Min(a.jdMin, lc.TriggerJD), math.Max(a.jdMax, lc.TriggerJD)
	}
	padJD := math.Max((a.jdMax-a.jdMin)*0.05, 0.5)
	padMag := math.Max((a.magMax-a.magMin)*0.08, 0.2)
	a.jdMin, a.jdMax = a.jdMin-padJD, a.jdMax+padJD
	a.magMin, a.magMax = a.magMin-padMag, a.magMax+padMag
	return a, true
}

// plotMag is the magnitude a row is drawn at: the measurement for
// detections, the limiting magnitude for non-detections.
func plotMag(d models.Detection) (float64, bool) {
	if d.IsDetection() {
		return d.Magnitude.Float64, d.Magnitude.Valid
	}
	return d.DiffMagLimit.Float64, d.DiffMagLimit.Valid
}

// Render draws the light curve. Significant detections are filled circles
// with error bars, detections below the significance cut are crosses, and
// non-detections are open triangles at their limiting magnitude. A dashed
// line marks the trigger epoch.
func Render(lc Lightcurve) (*image.RGBA, error) {
	a, ok := bounds(lc)
	if !ok {
		return nil, fmt.Errorf("%s: nothing to plot", lc.ObjectID)
	}

	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	fillRect(img, img.Bounds(), white)
	drawFrame(img, a)

	table := lc.Criterion.BandTable()
	seenBands := make(map[string]bool)
	for _, d := range lc.Detections {
		mag, ok := plotMag(d)
		if !ok {
			continue
		}
		label, known := table.Label(d.FilterCode)
		if !known {
			label = fmt.Sprintf("fid%d", d.FilterCode)
		}
		col := bandColor(label)
		x, y := a.x(d.JD), a.y(mag)

		switch {
		case !d.IsDetection():
			drawTriangle(img, x, y, 5, fade(col))
		case isSignificant(lc.Criterion, d):
			seenBands[label] = true
			if d.MagnitudeError.Valid {
				drawLine(img, x, a.y(mag-d.MagnitudeError.Float64), x, a.y(mag+d.MagnitudeError.Float64), col)
			}
			fillCircle(img, x, y, 4, col)
		default:
			seenBands[label] = true
			drawCross(img, x, y, 4, col)
		}
	}

	if lc.TriggerJD != models.NoTrigger {
		x := a.x(lc.TriggerJD)
		drawDashed(img, x, marginTop, x, Height-marginBottom, black)
	}

	drawLegend(img, seenBands, lc.TriggerJD != models.NoTrigger)
	drawText(img, lc.ObjectID, marginLeft, marginTop-15, black)
	return img, nil
}

func isSignificant(c selection.Criterion, d models.Detection) bool {
	snr, ok := selection.Significance(d)
	return ok && snr >= c.Significance
}

// Encode renders the light curve as PNG.
func Encode(lc Lightcurve) ([]byte, error) {
	img, err := Render(lc)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", lc.ObjectID, err)
	}
	return buf.Bytes(), nil
}

// SaveFile writes <dir>/<objectId>.png and returns the path.
func SaveFile(dir string, lc Lightcurve) (string, error) {
	data, err := Encode(lc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, lc.ObjectID+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func drawFrame(img *image.RGBA, a axes) {
	left, right := marginLeft, Width-marginRight
	top, bottom := marginTop, Height-marginBottom

	for _, jd := range ticks(a.jdMin, a.jdMax, 6) {
		x := a.x(jd)
		drawLine(img, x, top, x, bottom, gridGray)
		drawText(img, fmt.Sprintf("%.1f", jd), x-28, bottom+15, labelGray)
	}
	for _, mag := range ticks(a.magMin, a.magMax, 6) {
		y := a.y(mag)
		drawLine(img, left, y, right, y, gridGray)
		drawText(img, fmt.Sprintf("%.1f", mag), left-40, y+4, labelGray)
	}

	drawLine(img, left, top, right, top, black)
	drawLine(img, left, bottom, right, bottom, black)
	drawLine(img, left, top, left, bottom, black)
	drawLine(img, right, top, right, bottom, black)

	drawText(img, "JD", (left+right)/2, Height-12, black)
	drawText(img, "Mag", 8, (top+bottom)/2, black)
}

func drawLegend(img *image.RGBA, bands map[string]bool, trigger bool) {
	labels := make([]string, 0, len(bands))
	for l := range bands {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	x := Width - marginRight + 15
	y := marginTop + 10
	for _, l := range labels {
		fillCircle(img, x, y-4, 4, bandColor(l))
		drawText(img, l, x+10, y, black)
		y += 18
	}
	if trigger {
		drawDashed(img, x-5, y-4, x+5, y-4, black)
		drawText(img, "Trigger", x+10, y, black)
	}
}

// ticks returns roughly n evenly spaced round values in [lo, hi].
func ticks(lo, hi float64, n int) []float64 {
	if hi <= lo || n < 1 {
		return nil
	}
	raw := (hi - lo) / float64(n)
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	step := mag
	for _, m := range []float64{1, 2, 5, 10} {
		step = m * mag
		if step >= raw {
			break
		}
	}
	var out []float64
	for v := math.Ceil(lo/step) * step; v <= hi; v += step {
		out = append(out, v)
	}
	return out
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

func set(img *image.RGBA, x, y int, col color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, col)
	}
}

func fillRect(img *image.RGBA, r image.Rectangle, col color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, col)
		}
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := sign(x1-x0), sign(y1-y0)
	e := dx + dy
	for {
		set(img, x0, y0, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func drawDashed(img *image.RGBA, x0, y0, x1, y1 int, col color.RGBA) {
	const dash = 6
	length := int(math.Hypot(float64(x1-x0), float64(y1-y0)))
	if length == 0 {
		set(img, x0, y0, col)
		return
	}
	for i := 0; i <= length; i++ {
		if (i/dash)%2 == 1 {
			continue
		}
		t := float64(i) / float64(length)
		set(img, x0+int(math.Round(t*float64(x1-x0))), y0+int(math.Round(t*float64(y1-y0))), col)
	}
}

func fillCircle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				set(img, cx+x, cy+y, col)
			}
		}
	}
}

func drawCross(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	drawLine(img, cx-r, cy-r, cx+r, cy+r, col)
	drawLine(img, cx-r, cy+r, cx+r, cy-r, col)
}

// drawTriangle draws a downward-pointing triangle, the usual upper-limit marker.
func drawTriangle(img *image.RGBA, cx, cy, r int, col color.RGBA) {
	drawLine(img, cx-r, cy-r, cx+r, cy-r, col)
	drawLine(img, cx-r, cy-r, cx, cy+r, col)
	drawLine(img, cx+r, cy-r, cx, cy+r, col)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
