package importer

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strconv"
	"strings"
)

const (
	plotWidth  = 800
	plotHeight = 600
	plotMargin = 40
)

// readDataColumns parses an auxiliary data file into x/y series. Rows are
// whitespace or comma separated numbers; non-numeric rows (headers, comments)
// are skipped. Single-column files plot against the row index.
func readDataColumns(path string) (xs, ys []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	row := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ';' || r == '\t' || r == ' '
		})
		var nums []float64
		for _, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				nums = nil
				break
			}
			nums = append(nums, v)
		}
		switch {
		case len(nums) >= 2:
			xs = append(xs, nums[0])
			ys = append(ys, nums[1])
		case len(nums) == 1:
			xs = append(xs, float64(row))
			ys = append(ys, nums[0])
		}
		row++
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(ys) < 2 {
		return nil, nil, fmt.Errorf("no plottable data in %s", path)
	}
	return xs, ys, nil
}

// renderPlot draws the series as a polyline on a white canvas with a simple
// frame.
func renderPlot(xs, ys []float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, plotWidth, plotHeight))
	white := color.RGBA{255, 255, 255, 255}
	for y := 0; y < plotHeight; y++ {
		for x := 0; x < plotWidth; x++ {
			img.SetRGBA(x, y, white)
		}
	}

	frame := color.RGBA{80, 80, 80, 255}
	for x := plotMargin; x <= plotWidth-plotMargin; x++ {
		img.SetRGBA(x, plotHeight-plotMargin, frame)
		img.SetRGBA(x, plotMargin, frame)
	}
	for y := plotMargin; y <= plotHeight-plotMargin; y++ {
		img.SetRGBA(plotMargin, y, frame)
		img.SetRGBA(plotWidth-plotMargin, y, frame)
	}

	minX, maxX := minMax(xs)
	minY, maxY := minMax(ys)
	if maxX == minX {
		maxX = minX + 1
	}
	if maxY == minY {
		maxY = minY + 1
	}

	toPixel := func(x, y float64) (int, int) {
		px := plotMargin + int((x-minX)/(maxX-minX)*float64(plotWidth-2*plotMargin))
		py := plotHeight - plotMargin - int((y-minY)/(maxY-minY)*float64(plotHeight-2*plotMargin))
		return px, py
	}

	line := color.RGBA{30, 90, 180, 255}
	px0, py0 := toPixel(xs[0], ys[0])
	for i := 1; i < len(xs); i++ {
		px1, py1 := toPixel(xs[i], ys[i])
		drawLine(img, px0, py0, px1, py1, line)
		px0, py0 = px1, py1
	}
	return img
}

func minMax(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// drawLine draws a straight segment with Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 >= x1 {
		sx = -1
	}
	if y0 >= y1 {
		sy = -1
	}
	err := dx + dy
	for {
		if image.Pt(x0, y0).In(img.Rect) {
			img.SetRGBA(x0, y0, c)
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ensurePlot renders the plot for a data file once and returns its path.
// Plot imports and plot attachments share the same rendered file.
func ensurePlot(dataPath string) (string, error) {
	outPath := plotPathFor(dataPath)
	if _, err := os.Stat(outPath); err == nil {
		return outPath, nil
	}
	if err := generatePlot(dataPath, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// generatePlot renders the auxiliary data file into a PNG next to the given
// output path and returns an error when the data is unplottable.
func generatePlot(dataPath, outPath string) error {
	xs, ys, err := readDataColumns(dataPath)
	if err != nil {
		return err
	}
	img := renderPlot(xs, ys)

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
