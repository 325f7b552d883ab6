package georaster

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// OverviewSize returns the size of the overview of a width x height band
// reduced by factor
func OverviewSize(width, height, factor int) (int, int) {
	return max(1, (width+factor-1)/factor), max(1, (height+factor-1)/factor)
}

// ComputeOverview returns the samples of a dstW x dstH reduction of src
// computed with the NEAREST, AVERAGE or MODE method. No-data samples of src
// are ignored by AVERAGE and MODE. Drivers without a native overview builder
// use it.
func ComputeOverview(ctx context.Context, src NativeBand, dstW, dstH int, method string) ([]byte, error) {
	method = strings.ToUpper(method)
	switch method {
	case "NEAREST", "AVERAGE", "MODE":
	default:
		return nil, fmt.Errorf("resampling %s: %w", method, ErrPyramidFormatUnsupported)
	}
	dt := src.DataType()
	sw, sh := src.Size()
	nd, hasNoData := src.NoData()
	sz := dt.Size()
	out := make([]byte, dstW*dstH*sz)

	if method == "NEAREST" {
		if err := src.Read(ctx, 0, 0, sw, sh, dstW, dstH, out); err != nil {
			return nil, err
		}
		return out, ReportProgress(ctx, 100)
	}

	counts := map[float64]int{}
	for row := 0; row < dstH; row++ {
		y0 := row * sh / dstH
		y1 := max(y0+1, min(sh, int(math.Ceil(float64((row+1)*sh)/float64(dstH)))))
		win := make([]byte, sw*(y1-y0)*sz)
		if err := src.Read(ctx, 0, y0, sw, y1-y0, sw, y1-y0, win); err != nil {
			return nil, err
		}
		for col := 0; col < dstW; col++ {
			x0 := col * sw / dstW
			x1 := max(x0+1, min(sw, int(math.Ceil(float64((col+1)*sw)/float64(dstW)))))
			var (
				sum   float64
				n     int
				best  float64
				bestN int
			)
			clear(counts)
			for y := 0; y < y1-y0; y++ {
				for x := x0; x < x1; x++ {
					v := dt.Sample(win, y*sw+x)
					if math.IsNaN(v) || (hasNoData && v == nd) {
						continue
					}
					n++
					if method == "AVERAGE" {
						sum += v
						continue
					}
					counts[v]++
					if c := counts[v]; c > bestN || (c == bestN && v < best) {
						best, bestN = v, c
					}
				}
			}
			var v float64
			switch {
			case n == 0 && hasNoData:
				v = nd
			case n == 0:
				v = 0
			case method == "AVERAGE":
				v = sum / float64(n)
				if dt.IsInteger() {
					v = math.Round(v)
				}
			default:
				v = best
			}
			dt.SetSample(out, row*dstW+col, v)
		}
		if err := ReportProgress(ctx, 100*float64(row+1)/float64(dstH)); err != nil {
			return nil, err
		}
	}
	return out, nil
}
