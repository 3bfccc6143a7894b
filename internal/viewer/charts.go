package viewer

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/timesplat/internal/trainer"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleCharts renders the recorded loss and population size per step.
func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	history := s.trainer.History()
	if len(history) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no statistics recorded yet")
		return
	}

	steps := make([]string, len(history))
	loss := make([]opts.LineData, len(history))
	l1 := make([]opts.LineData, len(history))
	splats := make([]opts.LineData, len(history))
	shading := make([]opts.LineData, len(history))
	hasShading := false
	for i, h := range history {
		steps[i] = fmt.Sprint(h.Step)
		loss[i] = opts.LineData{Value: h.Loss}
		l1[i] = opts.LineData{Value: h.L1}
		splats[i] = opts.LineData{Value: h.NumSplats}
		shading[i] = opts.LineData{Value: h.NumShading}
		hasShading = hasShading || h.NumShading > 0
	}
	last := history[len(history)-1]

	lossChart := charts.NewLine()
	lossChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Training loss", Subtitle: fmt.Sprintf("step %d", last.Step)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	lossChart.SetXAxis(steps).
		AddSeries("loss", loss).
		AddSeries("l1", l1)

	sizeChart := charts.NewLine()
	sizeChart.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Primitives", Subtitle: fmt.Sprintf("%.0f rays/s", RaysPerSec(s.trainer.Last()))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	sizeChart.SetXAxis(steps).AddSeries(trainer.Albedo, splats)
	if hasShading {
		sizeChart.AddSeries(trainer.Shading, shading)
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.PageTitle = "timesplat"
	page.AddCharts(lossChart, sizeChart)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
