package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"os"
	"path/filepath"

	"github.com/banshee-data/uartsniff/internal/httputil"
	"github.com/banshee-data/uartsniff/internal/sniffer"
	"github.com/banshee-data/uartsniff/internal/uart"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Point is one (time, level) vertex of a waveform or sample overlay.
type Point struct {
	US    float64
	Level float64
}

// Waveform is a burst laid out on one time axis: the square wave of every
// stream and the instant each sampled bit was read.
type Waveform struct {
	Edges   []Point
	Samples []Point
}

// BuildWaveform lays the streams of res end to end. Each run contributes two
// vertices so the line draws as a square wave.
func BuildWaveform(res sniffer.Result, popts sniffer.Options) Waveform {
	var wf Waveform
	offset := 0.0
	for _, st := range res.Streams {
		t := offset
		for _, r := range st.Runs {
			lvl := float64(r.Level)
			wf.Edges = append(wf.Edges, Point{t, lvl})
			t += float64(r.DurationUS)
			wf.Edges = append(wf.Edges, Point{t, lvl})
		}

		sampler := uart.NewSampler(popts.Template, popts.Baud, popts.Sample).WithBitPeriod(st.BitPeriodUS)
		for _, f := range st.Frames {
			for i, at := range sampler.SampleInstants(f) {
				wf.Samples = append(wf.Samples, Point{offset + at, float64(f.Bits[i])})
			}
		}
		offset = t
	}
	return wf
}

// RenderWaveformHTML writes an interactive echarts page for res.
func RenderWaveformHTML(buf *bytes.Buffer, res sniffer.Result, popts sniffer.Options) error {
	wf := BuildWaveform(res, popts)

	lineData := make([]opts.LineData, len(wf.Edges))
	for i, p := range wf.Edges {
		lineData[i] = opts.LineData{Value: []interface{}{p.US, p.Level}}
	}
	sampleData := make([]opts.ScatterData, len(wf.Samples))
	for i, p := range wf.Samples {
		sampleData[i] = opts.ScatterData{Value: []interface{}{p.US, p.Level}}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "UART Waveform", Theme: "dark", Width: "1400px", Height: "500px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Burst " + res.BurstID,
			Subtitle: fmt.Sprintf("streams=%d runs=%d bytes=%d framing=%d parity=%d", len(res.Streams), res.RunCount, res.ByteCount(), res.FramingErrors, res.ParityErrors),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (µs)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: -0.2, Max: 1.2, Name: "level"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.AddSeries("line", lineData, charts.WithItemStyleOpts(opts.ItemStyle{Color: "#4fc3f7"}))

	samples := charts.NewScatter()
	samples.AddSeries("samples", sampleData,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	line.Overlap(samples)

	return line.Render(buf)
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	res, ok := s.LastEdgeBurst()
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no edge burst captured yet")
		return
	}
	var buf bytes.Buffer
	if err := RenderWaveformHTML(&buf, res, s.opts.Pipeline); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// SaveWaveformPNG renders res as a static plot at path, creating the
// directory if needed.
func SaveWaveformPNG(path string, res sniffer.Result, popts sniffer.Options) error {
	wf := BuildWaveform(res, popts)
	if len(wf.Edges) == 0 {
		return fmt.Errorf("burst %s has no runs to plot", res.BurstID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Burst %s (%s)", res.BurstID, popts.Template)
	p.X.Label.Text = "t (µs)"
	p.Y.Label.Text = "Level"
	p.Y.Min, p.Y.Max = -0.2, 1.2

	linePts := make(plotter.XYs, len(wf.Edges))
	for i, pt := range wf.Edges {
		linePts[i] = plotter.XY{X: pt.US, Y: pt.Level}
	}
	wave, err := plotter.NewLine(linePts)
	if err != nil {
		return err
	}
	wave.Color = color.RGBA{R: 0x1e, G: 0x88, B: 0xe5, A: 0xff}
	wave.Width = vg.Points(1)
	p.Add(wave)
	p.Legend.Add("line", wave)

	if len(wf.Samples) > 0 {
		samplePts := make(plotter.XYs, len(wf.Samples))
		for i, pt := range wf.Samples {
			samplePts[i] = plotter.XY{X: pt.US, Y: pt.Level}
		}
		sc, err := plotter.NewScatter(samplePts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = color.RGBA{R: 0xe5, G: 0x39, B: 0x35, A: 0xff}
		sc.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(sc)
		p.Legend.Add("samples", sc)
	}
	p.Legend.Top = true

	width := vg.Length(len(wf.Edges)) * vg.Points(4)
	if width < 10*vg.Inch {
		width = 10 * vg.Inch
	}
	if width > 60*vg.Inch {
		width = 60 * vg.Inch
	}
	if err := p.Save(width, 3*vg.Inch, path); err != nil {
		return fmt.Errorf("save waveform plot: %w", err)
	}
	return nil
}
