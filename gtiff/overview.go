package gtiff

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/airbusgeo/georaster"
)

// overviewParams derives the storage of new overviews from the full
// resolution image and the *_OVERVIEW configuration options
func (ds *dataset) overviewParams(cfg map[string]string) (params, error) {
	p := ds.full.p
	if p.compression == CompressionJPEG || p.compression == CompressionJPEGOld {
		p.compression = CompressionNone
	}
	if v, ok := cfg["COMPRESS_OVERVIEW"]; ok {
		if strings.EqualFold(v, "JPEG") {
			return p, fmt.Errorf("COMPRESS_OVERVIEW=JPEG: %w", georaster.ErrPyramidCompressionUnsupported)
		}
		c, err := parseCompression(v)
		if err != nil {
			return p, fmt.Errorf("%w: %v", georaster.ErrPyramidConfigInvalid, err)
		}
		p.compression = c
	}
	if v, ok := cfg["PREDICTOR_OVERVIEW"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 3 {
			return p, fmt.Errorf("%w: PREDICTOR_OVERVIEW=%s", georaster.ErrPyramidConfigInvalid, v)
		}
		p.predictor = uint16(n)
	}
	if p.predictor == PredictorFloatingPoint && ds.dt != georaster.Float32 && ds.dt != georaster.Float64 {
		p.predictor = PredictorNone
	}
	if v, ok := cfg["INTERLEAVE_OVERVIEW"]; ok {
		switch strings.ToUpper(v) {
		case "PIXEL":
			p.separate = false
		case "BAND":
			p.separate = true
		default:
			return p, fmt.Errorf("%w: INTERLEAVE_OVERVIEW=%s", georaster.ErrPyramidConfigInvalid, v)
		}
	}
	if v, ok := cfg["PHOTOMETRIC_OVERVIEW"]; ok && strings.EqualFold(v, "YCBCR") {
		return p, fmt.Errorf("PHOTOMETRIC_OVERVIEW=YCBCR: %w", georaster.ErrPyramidCompressionUnsupported)
	}
	if v, ok := cfg["BIGTIFF_OVERVIEW"]; ok {
		p.bigtiff = strings.ToUpper(v)
	}
	if v, ok := cfg["GDAL_TIFF_OVR_BLOCKSIZE"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 16 || n%16 != 0 {
			return p, fmt.Errorf("%w: GDAL_TIFF_OVR_BLOCKSIZE=%s", georaster.ErrPyramidConfigInvalid, v)
		}
		p.tiled, p.blockW, p.blockH = true, n, n
	}
	return p, nil
}

func parseConfig(options []string) map[string]string {
	cfg := map[string]string{}
	for _, o := range options {
		if k, v, ok := strings.Cut(o, "="); ok {
			cfg[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return cfg
}

// BuildOverviews computes the requested levels of every band and of the
// mask, replacing existing levels of the same size. Internal overviews
// require update mode and are written back immediately. External overviews
// are written to a .ovr side car file.
func (ds *dataset) BuildOverviews(ctx context.Context, req georaster.OverviewRequest) error {
	if len(req.Levels) == 0 {
		return nil
	}
	cfg := parseConfig(req.Config)
	if strings.EqualFold(cfg["USE_RRD"], "YES") || req.Format == georaster.PyramidsErdas {
		return fmt.Errorf("erdas imagine overviews: %w", georaster.ErrPyramidFormatUnsupported)
	}
	external := req.Format == georaster.PyramidsExternal || strings.EqualFold(cfg["TIFF_USE_OVR"], "YES")
	switch {
	case external && isRemote(ds.file):
		return fmt.Errorf("external overviews of %s: %w", ds.file, georaster.ErrWriteAccess)
	case !external && !ds.update:
		return fmt.Errorf("internal overviews of %s: %w", ds.file, georaster.ErrWriteAccess)
	case len(ds.ovrs) > 0 && external != ds.extOvrs:
		return fmt.Errorf("%s already has overviews stored differently: %w", ds.file, georaster.ErrPyramidFormatUnsupported)
	}
	p, err := ds.overviewParams(cfg)
	if err != nil {
		return err
	}
	for _, img := range ds.ovrs {
		if err := img.load(ctx); err != nil {
			return err
		}
		if img.mask != nil {
			if err := img.mask.load(ctx); err != nil {
				return err
			}
		}
	}

	srcs := make([]georaster.NativeBand, 0, ds.nbands+1)
	for s := 0; s < ds.nbands; s++ {
		srcs = append(srcs, fullRes{&band{ds: ds, img: ds.full, s: s}})
	}
	if ds.full.mask != nil {
		srcs = append(srcs, fullRes{&band{ds: ds, img: ds.full.mask, mask: true}})
	}
	total := len(srcs) * len(req.Levels)
	done := 0
	ovrs := append([]*image(nil), ds.ovrs...)
	for _, f := range req.Levels {
		if f < 2 {
			return fmt.Errorf("%w: invalid overview factor %d", georaster.ErrPyramidConfigInvalid, f)
		}
		w, h := georaster.OverviewSize(ds.width, ds.height, f)
		img := ds.newMemImage(w, h, ds.nbands, ds.dt, p)
		for _, src := range srcs {
			method := req.Resampling
			if src.(fullRes).mask {
				method = "NEAREST"
			}
			data, err := georaster.ComputeOverview(georaster.ProgressScope(ctx, done, total), src, w, h, method)
			if err != nil {
				return err
			}
			if b := src.(fullRes); b.mask {
				img.mask = ds.newMemImage(w, h, 1, georaster.Byte, maskParams(p))
				img.mask.planes[0] = data
			} else {
				img.planes[b.s] = data
			}
			done++
		}
		replaced := false
		for i, o := range ovrs {
			if o.width == w && o.height == h {
				ovrs[i] = img
				replaced = true
			}
		}
		if !replaced {
			ovrs = append(ovrs, img)
		}
	}

	ds.ovrs, ds.extOvrs = ovrs, external
	ds.sortOverviews()
	if external {
		if err := ds.writeImages(ctx, ds.file+".ovr", ds.ovrs); err != nil {
			return err
		}
		ds.ovrDirty = false
		return nil
	}
	ds.dirty = true
	return ds.Flush(ctx)
}
