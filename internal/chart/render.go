package chart

import (
	"io"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/marker"
	gochart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const (
	DefaultWidth  = 1024
	DefaultHeight = 480
)

// RenderPNG draws st as a PNG image.
func RenderPNG(w io.Writer, st State, width, height int) error {
	errFactory := errors.New()

	if !st.HasData {
		return errFactory.WithMessage(errors.ErrInvalidOperation, "nothing to plot")
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}

	xs := make([]float64, 0, len(st.Points)+1)
	ys := make([]float64, 0, len(st.Points)+1)
	for _, p := range st.Points {
		xs = append(xs, p.T)
		ys = append(ys, p.V)
	}
	// go-chart needs two X values to size the axis
	if len(xs) == 1 {
		xs = append(xs, xs[0]+1e-3)
		ys = append(ys, ys[0])
	}

	xMin, xMax := st.XMin, st.XMax
	if xMax <= xMin {
		xMax = xMin + 1
	}

	series := []gochart.Series{
		gochart.ContinuousSeries{
			Name:    st.Mode.String(),
			XValues: xs,
			YValues: ys,
			Style: gochart.Style{
				StrokeColor: drawing.ColorBlue,
				StrokeWidth: 1.5,
			},
		},
	}

	for _, m := range st.Markers {
		if m.T < xMin || m.T > xMax {
			continue
		}
		col := drawing.ColorRed
		if m.ID == marker.B {
			col = drawing.ColorBlue
		}
		series = append(series, gochart.ContinuousSeries{
			Name:    "marker " + m.ID.String(),
			XValues: []float64{m.T, m.T},
			YValues: []float64{st.YMin, st.YMax},
			Style: gochart.Style{
				StrokeColor:     col,
				StrokeWidth:     1,
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	ch := gochart.Chart{
		Title:      "Live measurement",
		Width:      width,
		Height:     height,
		Background: gochart.Style{Padding: gochart.Box{Top: 24, Left: 16, Right: 16, Bottom: 16}},
		XAxis: gochart.XAxis{
			Name:  "Time (s)",
			Range: &gochart.ContinuousRange{Min: xMin, Max: xMax},
		},
		YAxis: gochart.YAxis{
			Name:  st.YLabel(),
			Range: &gochart.ContinuousRange{Min: st.YMin, Max: st.YMax},
		},
		Series: series,
	}

	if err := ch.Render(gochart.PNG, w); err != nil {
		return errFactory.Wrap(errors.ErrExportFailed, err)
	}

	return nil
}
