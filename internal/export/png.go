package export

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/raster"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"github.com/rjboer/labscope/internal/instrument"
	"github.com/rjboer/labscope/internal/logging"
)

const (
	ChartWidth  = 1200
	ChartHeight = 600

	dpi       = 72.0
	fontSize  = 12.0
	ticks     = 5
	strokePx  = 1.5
	leftPad   = 80
	rightPad  = 24
	topPad    = 32
	bottomPad = 48
)

var (
	gridColor = color.RGBA{0xd0, 0xd0, 0xd0, 0xff}
	axisColor = color.RGBA{0x40, 0x40, 0x40, 0xff}
	palette   = []color.RGBA{
		{0x1f, 0x77, 0xb4, 0xff},
		{0xff, 0x7f, 0x0e, 0xff},
		{0x2c, 0xa0, 0x2c, 0xff},
		{0xd6, 0x27, 0x28, 0xff},
		{0x94, 0x67, 0xbd, 0xff},
		{0x8c, 0x56, 0x4b, 0xff},
	}
)

// Series is one polyline of a chart.
type Series struct {
	Label string
	X, Y  []float64
}

// Chart renders normalised traces with SI labelled axes.
type Chart struct {
	Width, Height int
	font          *truetype.Font
}

// NewChart parses the embedded font.
func NewChart(width, height int) (*Chart, error) {
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}
	return &Chart{Width: width, Height: height, font: f}, nil
}

// Render draws series scaled to lim.
func (c *Chart) Render(series []Series, lim instrument.Limits) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	plot := image.Rect(leftPad, topPad, c.Width-rightPad, c.Height-bottomPad)
	if plot.Dx() <= 0 || plot.Dy() <= 0 {
		return nil, fmt.Errorf("chart %dx%d too small", c.Width, c.Height)
	}
	lim = pad(lim)

	drawGrid(img, plot)

	r := raster.NewRasterizer(c.Width, c.Height)
	r.UseNonZeroWinding = true
	painter := raster.NewRGBAPainter(img)
	width := fixed.Int26_6(strokePx * 64)
	for i, s := range series {
		path := tracePath(s, lim, plot)
		if path == nil {
			continue
		}
		r.Clear()
		r.AddStroke(path, width, raster.RoundCapper, raster.RoundJoiner)
		painter.SetColor(palette[i%len(palette)])
		r.Rasterize(painter)
	}

	if err := c.annotate(img, plot, series, lim); err != nil {
		return nil, fmt.Errorf("annotate: %w", err)
	}
	return img, nil
}

// WritePNG renders series and encodes the image to w.
func (c *Chart) WritePNG(w io.Writer, series []Series, lim instrument.Limits) error {
	img, err := c.Render(series, lim)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func pad(l instrument.Limits) instrument.Limits {
	if l.XMax <= l.XMin {
		l.XMin, l.XMax = l.XMin-0.5, l.XMin+0.5
	}
	if l.YMax <= l.YMin {
		l.YMin, l.YMax = l.YMin-0.5, l.YMin+0.5
	}
	m := 0.05 * (l.YMax - l.YMin)
	l.YMin -= m
	l.YMax += m
	return l
}

func tracePath(s Series, lim instrument.Limits, plot image.Rectangle) raster.Path {
	n := min(len(s.X), len(s.Y))
	if n < 2 {
		return nil
	}
	sx := float64(plot.Dx()) / (lim.XMax - lim.XMin)
	sy := float64(plot.Dy()) / (lim.YMax - lim.YMin)
	point := func(i int) fixed.Point26_6 {
		x := float64(plot.Min.X) + (s.X[i]-lim.XMin)*sx
		y := float64(plot.Max.Y) - (s.Y[i]-lim.YMin)*sy
		x = max(float64(plot.Min.X), min(float64(plot.Max.X), x))
		y = max(float64(plot.Min.Y), min(float64(plot.Max.Y), y))
		return fixed.Point26_6{X: fixed.Int26_6(x * 64), Y: fixed.Int26_6(y * 64)}
	}
	var p raster.Path
	p.Start(point(0))
	for i := 1; i < n; i++ {
		p.Add1(point(i))
	}
	return p
}

func drawGrid(img *image.RGBA, plot image.Rectangle) {
	for i := 0; i <= ticks; i++ {
		x := plot.Min.X + i*plot.Dx()/ticks
		y := plot.Min.Y + i*plot.Dy()/ticks
		for py := plot.Min.Y; py <= plot.Max.Y; py++ {
			img.Set(x, py, gridColor)
		}
		for px := plot.Min.X; px <= plot.Max.X; px++ {
			img.Set(px, y, gridColor)
		}
	}
	for px := plot.Min.X; px <= plot.Max.X; px++ {
		img.Set(px, plot.Max.Y, axisColor)
	}
	for py := plot.Min.Y; py <= plot.Max.Y; py++ {
		img.Set(plot.Min.X, py, axisColor)
	}
}

func (c *Chart) annotate(img *image.RGBA, plot image.Rectangle, series []Series, lim instrument.Limits) error {
	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(c.font)
	ctx.SetFontSize(fontSize)
	ctx.SetHinting(font.HintingFull)
	ctx.SetClip(img.Bounds())
	ctx.SetDst(img)
	ctx.SetSrc(image.NewUniform(axisColor))

	for i := 0; i <= ticks; i++ {
		xv := lim.XMin + float64(i)*(lim.XMax-lim.XMin)/ticks
		x := plot.Min.X + i*plot.Dx()/ticks
		if _, err := ctx.DrawString(humanize.SIWithDigits(xv, 2, "s"), freetype.Pt(x-20, plot.Max.Y+18)); err != nil {
			return err
		}
		yv := lim.YMax - float64(i)*(lim.YMax-lim.YMin)/ticks
		y := plot.Min.Y + i*plot.Dy()/ticks
		if _, err := ctx.DrawString(humanize.SIWithDigits(yv, 2, "V"), freetype.Pt(4, y+4)); err != nil {
			return err
		}
	}

	pt := freetype.Pt(plot.Min.X+8, plot.Min.Y-10)
	for i, s := range series {
		ctx.SetSrc(image.NewUniform(palette[i%len(palette)]))
		next, err := ctx.DrawString(s.Label, pt)
		if err != nil {
			return err
		}
		pt.X = next.X + ctx.PointToFixed(fontSize*1.5)
	}
	return nil
}

// Normalised collects the normalised traces of every source with data and
// the union of their limits.
func Normalised(sources []Source) ([]Series, instrument.Limits, bool) {
	var (
		series []Series
		lim    instrument.Limits
		have   bool
	)
	for _, src := range sources {
		snap := src.Retrieve(false)
		chs := snap.Channels()
		if len(chs) == 0 {
			continue
		}
		for _, no := range chs {
			tr := snap.Points[no]
			series = append(series, Series{Label: fmt.Sprintf("%s %d", src.ID().Name, no), X: tr.Time, Y: tr.Volts})
		}
		if have {
			lim = lim.Union(snap.Norm)
		} else {
			lim, have = snap.Norm, true
		}
	}
	return series, lim, have
}

// PNG writes a chart of the normalised traces of every source and returns
// the file name.
func (e *Exporter) PNG(sources []Source) (string, error) {
	series, lim, ok := Normalised(sources)
	if !ok {
		return "", ErrNothing
	}
	chart, err := NewChart(ChartWidth, ChartHeight)
	if err != nil {
		return "", err
	}
	prefix, err := e.prefix()
	if err != nil {
		return "", err
	}
	name := prefix + ".png"
	f, err := os.Create(name)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if err := chart.WritePNG(f, series, lim); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	e.log.Info("png export written", logging.Field{Key: "file", Value: name}, logging.Field{Key: "series", Value: len(series)})
	return name, nil
}
