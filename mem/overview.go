package mem

import (
	"context"
	"fmt"

	"github.com/airbusgeo/georaster"
)

// BuildOverviews computes the requested levels of every band, replacing
// existing levels of the same size. The storage format is irrelevant in
// memory and ignored.
func (d *dataset) BuildOverviews(ctx context.Context, req georaster.OverviewRequest) error {
	if len(req.Levels) == 0 {
		return nil
	}
	bands := append([]*Band(nil), d.r.Bands...)
	if d.r.Mask != nil {
		bands = append(bands, d.r.Mask)
	}
	total := len(bands) * len(req.Levels)
	done := 0
	for _, b := range bands {
		src := &band{ds: d, b: b}
		for _, f := range req.Levels {
			if f < 2 {
				return fmt.Errorf("invalid overview factor %d", f)
			}
			w, h := georaster.OverviewSize(d.r.Width, d.r.Height, f)
			data, err := georaster.ComputeOverview(georaster.ProgressScope(ctx, done, total), fullRes{src}, w, h, req.Resampling)
			if err != nil {
				return err
			}
			ovr := &Band{
				Type: b.Type, Width: w, Height: h, Data: data,
				HasNoData: b.HasNoData, NoData: b.NoData, Scale: b.Scale, Offset: b.Offset,
				ColorInterp: b.ColorInterp,
			}
			if err := ovr.init(w, h); err != nil {
				return err
			}
			replaced := false
			for i, o := range b.Overviews {
				if o.Width == w && o.Height == h {
					b.Overviews[i] = ovr
					replaced = true
				}
			}
			if !replaced {
				b.Overviews = append(b.Overviews, ovr)
			}
			done++
		}
	}
	return nil
}

// fullRes reads a band at full resolution only
type fullRes struct {
	*band
}

func (fullRes) Overviews() []georaster.NativeBand { return nil }

func (f fullRes) Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	if err := f.checkWindow(x, y, w, h); err != nil {
		return err
	}
	return f.band.read(ctx, x, y, w, h, bufW, bufH, buf)
}
