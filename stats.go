package georaster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb"
)

// Stats is a set of summary statistics
type Stats int

const (
	StatsNone Stats = 0
	StatsMin  Stats = 1 << (iota - 1)
	StatsMax
	StatsRange
	StatsSum
	StatsMean
	StatsStdDev
	StatsAll = StatsMin | StatsMax | StatsRange | StatsSum | StatsMean | StatsStdDev
)

// nativeStats are the statistics drivers compute natively
const nativeStats = StatsMin | StatsMax | StatsRange | StatsMean | StatsStdDev

// BandStats is a statistics record of one band
type BandStats struct {
	Band int
	// Stats holds the statistics actually gathered
	Stats      Stats
	Extent     orb.Bound
	SampleSize int
	// Width and Height are the dimensions of the grid sampled over Extent
	Width, Height int

	Min, Max, Range float64
	Sum             float64
	Mean, StdDev    float64
	ElementCount    int64
}

// contains reports whether s can serve a request for o
func (s BandStats) contains(o BandStats) bool {
	return s.Band == o.Band && s.Extent == o.Extent && s.SampleSize == o.SampleSize &&
		s.Stats&o.Stats == o.Stats
}

// sampledGrid returns the grid used to sample extent: the native resolution
// when sampleSize is 0, else a grid of about sampleSize cells never finer
// than the native resolution.
func (d *Dataset) sampledGrid(extent orb.Bound, sampleSize int) (int, int) {
	srcXRes, srcYRes := d.Resolution()
	ew, eh := boundWidth(extent), boundHeight(extent)
	if sampleSize <= 0 {
		return max(1, int(math.Round(ew/srcXRes))), max(1, int(math.Round(eh/srcYRes)))
	}
	xRes := math.Sqrt(ew * eh / float64(sampleSize))
	yRes := xRes
	xRes = math.Max(xRes, srcXRes)
	yRes = math.Max(yRes, srcYRes)
	return max(1, int(math.Ceil(ew/xRes))), max(1, int(math.Ceil(eh/yRes)))
}

// queryExtent returns the part of the dataset a statistics request covers
func (d *Dataset) queryExtent(bbox orb.Bound) orb.Bound {
	if emptyBound(bbox) {
		return d.extent
	}
	if r, ok := intersect(d.extent, bbox); ok {
		return r
	}
	return bbox
}

func (d *Dataset) approximate(sampleSize int) bool {
	return sampleSize > 0 && float64(d.width)*float64(d.height)/float64(sampleSize) > d.opts.ApproximateRatio
}

func (d *Dataset) initStatistics(n int, stats Stats, bbox orb.Bound, sampleSize int) BandStats {
	st := BandStats{Band: n, Stats: stats, Extent: d.queryExtent(bbox), SampleSize: sampleSize}
	st.Width, st.Height = d.sampledGrid(st.Extent, sampleSize)
	return st
}

// cacheable reports whether results for band b over extent may be stored in
// and served from the in-process caches.
func (d *Dataset) cacheable(b *band, extent orb.Bound) bool {
	return extent == d.extent && !b.customNoData()
}

// HasStatistics reports whether statistics can be returned without a pass
// over the data: either they were computed before, or the driver holds
// approximate statistics of the whole band.
func (d *Dataset) HasStatistics(n int, stats Stats, bbox orb.Bound, sampleSize int) bool {
	b, err := d.band(n)
	if err != nil {
		return false
	}
	req := d.initStatistics(n, stats, bbox, sampleSize)
	if !d.cacheable(b, req.Extent) {
		return false
	}
	for _, s := range d.statistics {
		if s.contains(req) {
			return true
		}
	}
	if stats&^nativeStats != 0 || !d.approximate(sampleSize) {
		return false
	}
	_, ok := nativeCachedStatistics(b.native)
	return ok
}

// nativeCachedStatistics returns the statistics persisted in the STATISTICS_*
// metadata items of a band
func nativeCachedStatistics(nb NativeBand) (NativeStatistics, bool) {
	md := nb.Metadata("")
	var st NativeStatistics
	for _, f := range []struct {
		key string
		v   *float64
	}{
		{"STATISTICS_MINIMUM", &st.Min},
		{"STATISTICS_MAXIMUM", &st.Max},
		{"STATISTICS_MEAN", &st.Mean},
		{"STATISTICS_STDDEV", &st.StdDev},
	} {
		s, ok := md[f.key]
		if !ok {
			return st, false
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return st, false
		}
		*f.v = v
	}
	st.Approximate = md["STATISTICS_APPROXIMATE"] == "YES"
	return st, true
}

// BandStatistics returns statistics of band n over bbox (the whole dataset
// when empty), sampled on about sampleSize cells (every pixel when 0).
//
// Requests over the whole dataset without custom no-data use the statistics
// computed natively by the driver when it can, and are cached. fb may be nil.
func (d *Dataset) BandStatistics(ctx context.Context, n int, stats Stats, bbox orb.Bound, sampleSize int, fb Feedback) (BandStats, error) {
	b, err := d.band(n)
	if err != nil {
		return BandStats{}, err
	}
	req := d.initStatistics(n, stats, bbox, sampleSize)
	cacheable := d.cacheable(b, req.Extent)
	if cacheable {
		for _, s := range d.statistics {
			if s.contains(req) {
				return s, nil
			}
		}
	}
	sc, native := b.native.(StatisticsComputer)
	if !cacheable || stats&^nativeStats != 0 || !native {
		d.logger.Debug("computing statistics generically", "band", n, "cacheable", cacheable)
		st, err := d.genericStatistics(ctx, b, req, fb)
		if err != nil {
			return st, err
		}
		if cacheable {
			d.statistics = append(d.statistics, st)
		}
		return st, nil
	}

	approx := d.approximate(sampleSize)
	ns, ok := nativeCachedStatistics(b.native)
	if !approx || !ok {
		prog := newProgress(fb)
		ns, err = sc.ComputeStatistics(withProgress(ctx, prog), approx)
		if err != nil || prog.canceled() {
			if errors.Is(err, ErrCanceled) || prog.canceled() {
				return req, fmt.Errorf("statistics of band %d: %w", n, ErrCanceled)
			}
			return req, ioError(fmt.Sprintf("statistics of band %d", n), err)
		}
	}

	st := req
	st.Stats = nativeStats
	st.Min, st.Max = ns.Min, ns.Max
	st.Range = ns.Max - ns.Min
	st.Mean = ns.Mean
	st.StdDev = ns.StdDev
	if b.scaled() {
		s, o := b.scale, b.offset
		if s < 0 {
			st.Min = ns.Max*s + o
			st.Max = ns.Min*s + o
			st.Range = (ns.Min - ns.Max) * s
			st.StdDev = -ns.StdDev * s
		} else {
			st.Min = ns.Min*s + o
			st.Max = ns.Max*s + o
			st.Range = (ns.Max - ns.Min) * s
			st.StdDev = ns.StdDev * s
		}
		st.Mean = ns.Mean*s + o
	}
	d.statistics = append(d.statistics, st)
	return st, nil
}

// sampledBlocks calls fn with consecutive blocks covering the width x height
// grid over extent, at most chunk x chunk cells each.
func (d *Dataset) sampledBlocks(ctx context.Context, n int, extent orb.Bound, width, height int, prog *progress, fn func(*Block) error) error {
	const chunk = 512
	xRes := boundWidth(extent) / float64(width)
	yRes := boundHeight(extent) / float64(height)
	nx := (width + chunk - 1) / chunk
	ny := (height + chunk - 1) / chunk
	done := 0
	for by := 0; by < ny; by++ {
		for bx := 0; bx < nx; bx++ {
			if err := ctx.Err(); err != nil || prog.canceled() {
				return ErrCanceled
			}
			w := min(chunk, width-bx*chunk)
			h := min(chunk, height-by*chunk)
			xMin := extent.Min[0] + float64(bx*chunk)*xRes
			yMax := extent.Max[1] - float64(by*chunk)*yRes
			part := orb.Bound{
				Min: orb.Point{xMin, yMax - float64(h)*yRes},
				Max: orb.Point{xMin + float64(w)*xRes, yMax},
			}
			blk, err := d.ReadBlock(ctx, n, part, w, h)
			if err != nil {
				return err
			}
			if err := fn(blk); err != nil {
				return err
			}
			done++
			if err := prog.step(100 * float64(done) / float64(nx*ny)); err != nil {
				return err
			}
		}
	}
	return nil
}

// genericStatistics computes statistics with a single pass over blocks read
// through ReadBlock, so every no-data definition is honored.
func (d *Dataset) genericStatistics(ctx context.Context, b *band, req BandStats, fb Feedback) (BandStats, error) {
	st := req
	var mean, m2 float64
	first := true
	err := d.sampledBlocks(ctx, req.Band, req.Extent, req.Width, req.Height, newProgress(fb), func(blk *Block) error {
		for i := 0; i < blk.Len(); i++ {
			if blk.IsNoData(i) {
				continue
			}
			v := blk.Value(i)
			st.ElementCount++
			if first {
				st.Min, st.Max = v, v
				first = false
			} else {
				st.Min = math.Min(st.Min, v)
				st.Max = math.Max(st.Max, v)
			}
			st.Sum += v
			delta := v - mean
			mean += delta / float64(st.ElementCount)
			m2 += delta * (v - mean)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			return st, fmt.Errorf("statistics of band %d: %w", req.Band, ErrCanceled)
		}
		return st, err
	}
	st.Range = st.Max - st.Min
	if st.ElementCount > 0 {
		st.Mean = st.Sum / float64(st.ElementCount)
	}
	if st.ElementCount > 1 {
		st.StdDev = math.Sqrt(m2 / float64(st.ElementCount-1))
	}
	st.Stats = StatsAll
	return st, nil
}

// HistogramRequest describes a histogram of one band. NaN Min or Max are
// derived from the band type or its statistics, a zero BinCount from the
// band type and the sampled grid.
type HistogramRequest struct {
	Band              int
	BinCount          int
	Min, Max          float64
	Extent            orb.Bound
	SampleSize        int
	IncludeOutOfRange bool
}

// Histogram holds the counts of a band over BinCount equal bins between Min
// and Max.
type Histogram struct {
	Band              int
	BinCount          int
	Min, Max          float64
	Extent            orb.Bound
	Width, Height     int
	IncludeOutOfRange bool

	Counts       []uint64
	NonNullCount uint64
	Valid        bool
}

func (h Histogram) matches(o Histogram) bool {
	return h.Band == o.Band && h.BinCount == o.BinCount && h.IncludeOutOfRange == o.IncludeOutOfRange &&
		h.Min == o.Min && h.Max == o.Max && h.Extent == o.Extent && h.Width == o.Width && h.Height == o.Height
}

func (d *Dataset) initHistogram(ctx context.Context, b *band, req HistogramRequest) (Histogram, error) {
	h := Histogram{
		Band:              req.Band,
		Min:               req.Min,
		Max:               req.Max,
		IncludeOutOfRange: req.IncludeOutOfRange,
		Extent:            d.queryExtent(req.Extent),
	}
	h.Width, h.Height = d.sampledGrid(h.Extent, req.SampleSize)
	if math.IsNaN(h.Min) || math.IsNaN(h.Max) {
		if b.srcType == Byte {
			if math.IsNaN(h.Min) {
				h.Min = 0
			}
			if math.IsNaN(h.Max) {
				h.Max = 255
			}
		} else {
			st, err := d.BandStatistics(ctx, req.Band, StatsMin|StatsMax, req.Extent, req.SampleSize, nil)
			if err != nil {
				return h, err
			}
			if math.IsNaN(h.Min) {
				h.Min = st.Min
			}
			if math.IsNaN(h.Max) {
				h.Max = st.Max
			}
		}
	}
	h.BinCount = req.BinCount
	if h.BinCount <= 0 {
		cells := int64(h.Width) * int64(h.Height)
		switch b.srcType {
		case Byte:
			h.BinCount = 256
		case Int8, Int16, Int32, UInt16, UInt32:
			span := int64(math.Ceil(h.Max - h.Min + 1))
			h.BinCount = int(min(cells, span, int64(d.opts.HistogramMaxIntegerBins)))
		default:
			h.BinCount = int(min(int64(d.opts.HistogramDefaultBins), cells))
		}
		h.BinCount = max(h.BinCount, 1)
	}
	return h, nil
}

// HasHistogram reports whether the histogram was computed before, or is
// persisted by the driver with the exact same bins.
func (d *Dataset) HasHistogram(ctx context.Context, req HistogramRequest) bool {
	b, err := d.band(req.Band)
	if err != nil {
		return false
	}
	h, err := d.initHistogram(ctx, b, req)
	if err != nil || !d.cacheable(b, h.Extent) {
		return false
	}
	for _, c := range d.histograms {
		if c.matches(h) {
			return true
		}
	}
	dh, ok := b.native.(DefaultHistogrammer)
	if !ok {
		return false
	}
	nmin, nmax, counts, ok := dh.DefaultHistogram()
	if !ok || len(counts) != h.BinCount {
		return false
	}
	half := (h.Max - h.Min) / float64(2*h.BinCount)
	expMin, expMax := h.Min-half, h.Max+half
	eps := d.opts.StatsRelativeEpsilon
	return math.Abs(expMin-nmin) <= math.Abs(expMin)*eps &&
		math.Abs(expMax-nmax) <= math.Abs(expMax)*eps
}

// Histogram computes the histogram of a band. Bins are set up on values
// after scale and offset. An invalid histogram is returned with the error
// when the computation fails or is canceled. fb may be nil.
func (d *Dataset) Histogram(ctx context.Context, req HistogramRequest, fb Feedback) (Histogram, error) {
	b, err := d.band(req.Band)
	if err != nil {
		return Histogram{}, err
	}
	h, err := d.initHistogram(ctx, b, req)
	if err != nil {
		return h, err
	}
	cacheable := d.cacheable(b, h.Extent)
	if cacheable {
		for _, c := range d.histograms {
			if c.matches(h) {
				return c, nil
			}
		}
	}
	hg, native := b.native.(Histogrammer)
	if !cacheable || !native {
		h, err = d.genericHistogram(ctx, h, fb)
		if err != nil {
			return h, err
		}
		if cacheable {
			d.histograms = append(d.histograms, h)
		}
		return h, nil
	}

	nmin, nmax := h.Min, h.Max
	if b.scaled() {
		nmin = (h.Min - b.offset) / b.scale
		nmax = (h.Max - b.offset) / b.scale
	}
	reversed := nmin > nmax
	if reversed {
		nmin, nmax = nmax, nmin
	}
	half := (nmax - nmin) / float64(2*h.BinCount)
	prog := newProgress(fb)
	counts, err := hg.Histogram(withProgress(ctx, prog), NativeHistogram{
		Min:               nmin - half,
		Max:               nmax + half,
		Bins:              h.BinCount,
		IncludeOutOfRange: h.IncludeOutOfRange,
		Approximate:       d.approximate(req.SampleSize),
	})
	if err != nil || prog.canceled() {
		if errors.Is(err, ErrCanceled) || prog.canceled() {
			return h, fmt.Errorf("histogram of band %d: %w", req.Band, ErrCanceled)
		}
		return h, ioError(fmt.Sprintf("histogram of band %d", req.Band), err)
	}
	if reversed {
		for i, j := 0, len(counts)-1; i < j; i, j = i+1, j-1 {
			counts[i], counts[j] = counts[j], counts[i]
		}
	}
	h.Counts = counts
	for _, c := range counts {
		h.NonNullCount += c
	}
	h.Valid = true
	d.histograms = append(d.histograms, h)
	return h, nil
}

func (d *Dataset) genericHistogram(ctx context.Context, h Histogram, fb Feedback) (Histogram, error) {
	h.Counts = make([]uint64, h.BinCount)
	h.NonNullCount = 0
	// bins are centred on the requested bounds, as for native histograms
	half := (h.Max - h.Min) / float64(2*h.BinCount)
	lo, hi := h.Min-half, h.Max+half
	binSize := (hi - lo) / float64(h.BinCount)
	err := d.sampledBlocks(ctx, h.Band, h.Extent, h.Width, h.Height, newProgress(fb), func(blk *Block) error {
		for i := 0; i < blk.Len(); i++ {
			if blk.IsNoData(i) {
				continue
			}
			idx := 0
			if binSize > 0 {
				idx = int(math.Floor((blk.Value(i) - lo) / binSize))
			}
			if idx < 0 || idx >= h.BinCount {
				if !h.IncludeOutOfRange {
					continue
				}
				idx = clampInt(idx, 0, h.BinCount-1)
			}
			h.Counts[idx]++
			h.NonNullCount++
		}
		return nil
	})
	if err != nil {
		h.Counts = nil
		h.NonNullCount = 0
		if errors.Is(err, ErrCanceled) {
			return h, fmt.Errorf("histogram of band %d: %w", h.Band, ErrCanceled)
		}
		return h, err
	}
	h.Valid = true
	return h, nil
}

// ScanStatistics computes statistics of a native band, skipping its no-data
// value and NaN. Drivers without a faster path use it for ComputeStatistics.
// approx samples a grid of at most 1024x1024 pixels.
func ScanStatistics(ctx context.Context, b NativeBand, approx bool) (NativeStatistics, error) {
	var (
		st    NativeStatistics
		n     int64
		mean  float64
		m2    float64
		first = true
	)
	err := scanBand(ctx, b, approx, func(v float64) {
		n++
		if first {
			st.Min, st.Max = v, v
			first = false
		} else {
			st.Min = math.Min(st.Min, v)
			st.Max = math.Max(st.Max, v)
		}
		delta := v - mean
		mean += delta / float64(n)
		m2 += delta * (v - mean)
	})
	if err != nil {
		return st, err
	}
	if n == 0 {
		return st, errors.New("no valid pixel")
	}
	st.Mean = mean
	// population standard deviation, as persisted by GDAL
	st.StdDev = math.Sqrt(m2 / float64(n))
	st.Approximate = approx
	return st, nil
}

// ScanHistogram computes a histogram of a native band, skipping its no-data
// value and NaN.
func ScanHistogram(ctx context.Context, b NativeBand, req NativeHistogram) ([]uint64, error) {
	if req.Bins <= 0 {
		return nil, fmt.Errorf("invalid bin count %d", req.Bins)
	}
	counts := make([]uint64, req.Bins)
	scale := float64(req.Bins) / (req.Max - req.Min)
	err := scanBand(ctx, b, req.Approximate, func(v float64) {
		idx := int(math.Floor((v - req.Min) * scale))
		if idx < 0 || idx >= req.Bins {
			if !req.IncludeOutOfRange {
				return
			}
			idx = clampInt(idx, 0, req.Bins-1)
		}
		counts[idx]++
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func scanBand(ctx context.Context, b NativeBand, approx bool, fn func(float64)) error {
	const maxSide = 1024
	w, h := b.Size()
	bufW, bufH := w, h
	if approx {
		bufW, bufH = min(w, maxSide), min(h, maxSide)
	}
	nd, hasNoData := b.NoData()
	dt := b.DataType()
	const rowsPerRead = 64
	buf := make([]byte, bufW*rowsPerRead*dt.Size())
	for row := 0; row < bufH; row += rowsPerRead {
		rows := min(rowsPerRead, bufH-row)
		// source rows covered by buffer rows [row, row+rows)
		y0 := row * h / bufH
		y1 := (row + rows) * h / bufH
		if y1 <= y0 {
			y1 = y0 + 1
		}
		if err := b.Read(ctx, 0, y0, w, y1-y0, bufW, rows, buf); err != nil {
			return err
		}
		for i := 0; i < bufW*rows; i++ {
			v := dt.Sample(buf, i)
			if math.IsNaN(v) || (hasNoData && v == nd) {
				continue
			}
			fn(v)
		}
		if err := ReportProgress(ctx, 100*float64(row+rows)/float64(bufH)); err != nil {
			return err
		}
	}
	return nil
}
