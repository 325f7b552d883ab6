package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/georaster/gdal"
	"github.com/airbusgeo/georaster/gtiff"
	_ "github.com/airbusgeo/georaster/mem"
	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	ctx := context.Background()
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"info", "info <location>", runInfo},
	{"read", "read [-band n] [-extent xmin,ymin,xmax,ymax] [-size w,h] <location>", runRead},
	{"identify", "identify -x x -y y <location>", runIdentify},
	{"stats", "stats [-band n] [-sample n] <location>", runStats},
	{"histogram", "histogram [-band n] [-bins n] [-sample n] [-out-of-range] <location>", runHistogram},
	{"pyramids", "pyramids [-levels 2,4,8] [-resampling NEAREST] [-format external|internal|erdas] [-config-option K=V] <location>", runPyramids},
	{"filters", "filters", runFilters},
}

// env holds what the global flags set up for every command
type env struct {
	opts   georaster.Options
	logger *slog.Logger
	out    io.Writer
}

func (e *env) open(ctx context.Context, location string, update bool) (*georaster.Dataset, error) {
	oo := []georaster.OpenOption{georaster.WithOptions(e.opts), georaster.WithLogger(e.logger)}
	if update {
		oo = append(oo, georaster.Update())
	}
	return georaster.Open(ctx, location, oo...)
}

func (e *env) print(v interface{}) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("georaster", flag.ContinueOnError)
	fs.SetOutput(stderr)
	config := fs.String("config", "", "yaml options file")
	verbose := fs.Bool("v", false, "debug logging")
	withGDAL := fs.Bool("gdal", false, "register the GDAL drivers after the native ones")
	withGCS := fs.Bool("gcs", false, "let GDAL read gs:// locations")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options] <command> [command options]\nCommands:\n", filepath.Base(os.Args[0]))
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %s\n", c.usage)
		}
		fmt.Fprintf(fs.Output(), "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	e := &env{
		opts:   georaster.DefaultOptions(),
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		out:    stdout,
	}
	if *config != "" {
		opts, err := georaster.LoadOptions(*config)
		if err != nil {
			return err
		}
		e.opts = opts
	}
	gtiff.SetCacheSize(e.opts.BlockCacheBytes)
	if *withGDAL {
		if err := gdal.Register(); err != nil {
			return fmt.Errorf("register gdal drivers: %w", err)
		}
		if *withGCS {
			if err := gdal.RegisterGCS(ctx); err != nil {
				return err
			}
		}
	}

	name := fs.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, fs.Args()[1:])
		}
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", name)
}

// parseLocation parses the flags of a command expecting a single location
func parseLocation(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected one location", fs.Name())
	}
	return fs.Arg(0), nil
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma separated values, got %q", n, s)
	}
	v := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		v[i] = f
	}
	return v, nil
}

func parseInts(s string) ([]int, error) {
	var v []int
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		v = append(v, n)
	}
	return v, nil
}

// jsonFloat encodes NaN and infinities as null
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
}

type bandInfo struct {
	Band        int        `json:"band"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	SourceType  string     `json:"source_type"`
	NoData      *jsonFloat `json:"nodata,omitempty"`
	Scale       float64    `json:"scale"`
	Offset      float64    `json:"offset"`
	ColorInterp string     `json:"color_interp"`
	BlockSize   [2]int     `json:"block_size"`
}

type datasetInfo struct {
	Driver       string      `json:"driver"`
	Location     string      `json:"location"`
	Size         [2]int      `json:"size"`
	GeoTransform *[6]float64 `json:"geotransform,omitempty"`
	CRS          string      `json:"crs"`
	Extent       [4]float64  `json:"extent"`
	Warped       bool        `json:"warped"`
	WarpDegraded bool        `json:"warp_degraded,omitempty"`
	HasPyramids  bool        `json:"has_pyramids"`
	SubLayers    []string    `json:"sublayers,omitempty"`
	Bands        []bandInfo  `json:"bands"`
}

func describe(ds *georaster.Dataset) datasetInfo {
	w, h := ds.Size()
	ext := ds.Extent()
	info := datasetInfo{
		Driver:       ds.Driver(),
		Location:     ds.Location(),
		Size:         [2]int{w, h},
		CRS:          ds.CRS().String(),
		Extent:       [4]float64{ext.Min[0], ext.Min[1], ext.Max[0], ext.Max[1]},
		Warped:       ds.Warped(),
		WarpDegraded: ds.WarpDegraded(),
		HasPyramids:  ds.HasPyramids(),
		SubLayers:    ds.SubLayers(),
	}
	if gt, ok := ds.GeoTransform(); ok {
		a := [6]float64(gt)
		info.GeoTransform = &a
	}
	for n := 1; n <= ds.BandCount(); n++ {
		scale, offset := ds.ScaleOffset(n)
		bw, bh := ds.BlockSize(n)
		b := bandInfo{
			Band:        n,
			Name:        ds.BandName(n),
			Type:        ds.DataType(n).String(),
			SourceType:  ds.SourceType(n).String(),
			Scale:       scale,
			Offset:      offset,
			ColorInterp: ds.ColorInterp(n).String(),
			BlockSize:   [2]int{bw, bh},
		}
		if nd, ok := ds.SourceNoData(n); ok {
			v := jsonFloat(nd)
			b.NoData = &v
		}
		info.Bands = append(info.Bands, b)
	}
	return info
}

func runInfo(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	location, err := parseLocation(fs, args)
	if err != nil {
		return err
	}
	ds, err := e.open(ctx, location, false)
	if err != nil {
		return err
	}
	defer ds.Close()
	return e.print(describe(ds))
}

type blockOutput struct {
	Band   int           `json:"band"`
	Width  int           `json:"width"`
	Height int           `json:"height"`
	Rows   [][]jsonFloat `json:"rows"`
}

func runRead(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	band := fs.Int("band", 1, "band number, starting at 1")
	extent := fs.String("extent", "", "xmin,ymin,xmax,ymax (default: dataset extent)")
	size := fs.String("size", "", "w,h of the output grid (default: native resolution)")
	location, err := parseLocation(fs, args)
	if err != nil {
		return err
	}
	ds, err := e.open(ctx, location, false)
	if err != nil {
		return err
	}
	defer ds.Close()

	bbox := ds.Extent()
	if *extent != "" {
		v, err := parseFloats(*extent, 4)
		if err != nil {
			return fmt.Errorf("-extent: %w", err)
		}
		bbox = orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	}
	w, h := ds.Size()
	if *size != "" {
		v, err := parseInts(*size)
		if err != nil || len(v) != 2 {
			return fmt.Errorf("-size: expected w,h, got %q", *size)
		}
		w, h = v[0], v[1]
	} else if *extent != "" {
		rx, ry := ds.Resolution()
		w = int(math.Round((bbox.Max[0] - bbox.Min[0]) / rx))
		h = int(math.Round((bbox.Max[1] - bbox.Min[1]) / ry))
	}
	blk, err := ds.ReadBlock(ctx, *band, bbox, w, h)
	if err != nil {
		return err
	}
	out := blockOutput{Band: *band, Width: blk.Width, Height: blk.Height}
	for r := 0; r < blk.Height; r++ {
		row := make([]jsonFloat, blk.Width)
		for c := range row {
			if blk.IsNoData(r*blk.Width + c) {
				row[c] = jsonFloat(math.NaN())
				continue
			}
			row[c] = jsonFloat(blk.At(r, c))
		}
		out.Rows = append(out.Rows, row)
	}
	return e.print(out)
}

func runIdentify(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("identify", flag.ContinueOnError)
	x := fs.Float64("x", math.NaN(), "x coordinate in the dataset CRS")
	y := fs.Float64("y", math.NaN(), "y coordinate in the dataset CRS")
	location, err := parseLocation(fs, args)
	if err != nil {
		return err
	}
	if math.IsNaN(*x) || math.IsNaN(*y) {
		return errors.New("identify: -x and -y are required")
	}
	ds, err := e.open(ctx, location, false)
	if err != nil {
		return err
	}
	defer ds.Close()
	values, err := ds.Identify(ctx, orb.Point{*x, *y}, orb.Bound{}, 0, 0)
	if err != nil {
		return err
	}
	out := make(map[string]*jsonFloat, len(values))
	for n, v := range values {
		var f *jsonFloat
		if v != nil {
			jf := jsonFloat(*v)
			f = &jf
		}
		out[strconv.Itoa(n)] = f
	}
	return e.print(out)
}

func runStats(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	band := fs.Int("band", 1, "band number, starting at 1")
	sample := fs.Int("sample", 0, "sample size, 0 for every pixel")
	location, err := parseLocation(fs, args)
	if err != nil {
		return err
	}
	ds, err := e.open(ctx, location, false)
	if err != nil {
		return err
	}
	defer ds.Close()
	st, err := ds.BandStatistics(ctx, *band, georaster.StatsAll, orb.Bound{}, *sample, georaster.ContextFeedback(ctx, nil))
	if err != nil {
		return err
	}
	return e.print(map[string]interface{}{
		"band":          st.Band,
		"min":           jsonFloat(st.Min),
		"max":           jsonFloat(st.Max),
		"range":         jsonFloat(st.Range),
		"sum":           jsonFloat(st.Sum),
		"mean":          jsonFloat(st.Mean),
		"stddev":        jsonFloat(st.StdDev),
		"element_count": st.ElementCount,
		"grid":          [2]int{st.Width, st.Height},
	})
}

func runHistogram(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("histogram", flag.ContinueOnError)
	band := fs.Int("band", 1, "band number, starting at 1")
	bins := fs.Int("bins", 0, "bin count, 0 to derive it from the band type")
	sample := fs.Int("sample", 0, "sample size, 0 for every pixel")
	outOfRange := fs.Bool("out-of-range", false, "count values outside the bounds in the first and last bins")
	location, err := parseLocation(fs, args)
	if err != nil {
		return err
	}
	ds, err := e.open(ctx, location, false)
	if err != nil {
		return err
	}
	defer ds.Close()
	h, err := ds.Histogram(ctx, georaster.HistogramRequest{
		Band:              *band,
		BinCount:          *bins,
		Min:               math.NaN(),
		Max:               math.NaN(),
		SampleSize:        *sample,
		IncludeOutOfRange: *outOfRange,
	}, georaster.ContextFeedback(ctx, nil))
	if err != nil {
		return err
	}
	return e.print(map[string]interface{}{
		"band":           h.Band,
		"min":            jsonFloat(h.Min),
		"max":            jsonFloat(h.Max),
		"bins":           h.BinCount,
		"counts":         h.Counts,
		"non_null_count": h.NonNullCount,
	})
}

// multiFlag collects repeated string flags
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func runPyramids(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("pyramids", flag.ContinueOnError)
	levels := fs.String("levels", "2,4,8", "comma separated decimation factors")
	resampling := fs.String("resampling", "NEAREST", "resampling method")
	sformat := fs.String("format", "external", "external|internal|erdas")
	var config multiFlag
	fs.Var(&config, "config-option", "KEY=VALUE option of the overview builder, may be repeated")
	location, err := parseLocation(fs, args)
	if err != nil {
		return err
	}
	factors, err := parseInts(*levels)
	if err != nil {
		return fmt.Errorf("-levels: %w", err)
	}
	format, err := georaster.ParsePyramidFormat(*sformat)
	if err != nil {
		return err
	}
	ds, err := e.open(ctx, location, false)
	if err != nil {
		return err
	}
	defer ds.Close()

	list := ds.BuildPyramidList(factors)
	fb := georaster.ContextFeedback(ctx, func(p float64) {
		e.logger.Debug("building pyramids", "progress", p)
	})
	if err := ds.BuildPyramids(ctx, list, *resampling, format, config, fb); err != nil {
		return err
	}
	return e.print(ds.BuildPyramidList(factors))
}

func runFilters(ctx context.Context, e *env, args []string) error {
	filters, extensions, wildcards := georaster.FileFilters()
	return e.print(map[string]interface{}{
		"filters":    filters,
		"extensions": extensions,
		"wildcards":  wildcards,
	})
}
