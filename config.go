package georaster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Options tunes the engine. The zero value is not usable, start from
// DefaultOptions or LoadOptions.
type Options struct {
	// PyramidMatchTolerance is the absolute pixel difference under which an
	// existing overview is considered to match a requested pyramid level.
	PyramidMatchTolerance int `yaml:"pyramid_match_tolerance"`
	// StatsRelativeEpsilon is the relative tolerance used when comparing
	// requested histogram bounds with natively cached ones.
	StatsRelativeEpsilon float64 `yaml:"stats_relative_epsilon"`
	// WarpErrorThreshold is the maximum error, in pixels, of the approximated
	// transformer used by warped views.
	WarpErrorThreshold float64 `yaml:"warp_error_threshold"`
	// MaxBlockBytes caps the size of the intermediate buffer of a block read.
	MaxBlockBytes int64 `yaml:"max_block_bytes"`
	// HistogramDefaultBins is the bin count used for floating point bands
	// when a histogram request does not specify one.
	HistogramDefaultBins    int `yaml:"histogram_default_bins"`
	HistogramMaxIntegerBins int `yaml:"histogram_max_integer_bins"`
	// ApproximateRatio is the pixel count / sample size ratio above which
	// statistics and histograms are computed on a sampled grid.
	ApproximateRatio float64 `yaml:"approximate_ratio"`
	// BlockCacheBytes sizes the decoded tile cache shared by GeoTIFF handles.
	BlockCacheBytes int64 `yaml:"block_cache_bytes"`
	// DefaultOutputExtension is appended to created dataset names that have none.
	DefaultOutputExtension string `yaml:"default_output_extension"`
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{
		PyramidMatchTolerance:   5,
		StatsRelativeEpsilon:    1 / 10e6,
		WarpErrorThreshold:      0.2,
		MaxBlockBytes:           1 << 30,
		HistogramDefaultBins:    2000,
		HistogramMaxIntegerBins: 65536,
		ApproximateRatio:        2,
		BlockCacheBytes:         64 << 20,
		DefaultOutputExtension:  "tif",
	}
}

// LoadOptions reads a yaml document. Keys absent from the document keep their
// default value.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse %s: %w", path, err)
	}
	return opts, opts.Validate()
}

// Validate checks that every option holds a usable value
func (o Options) Validate() error {
	switch {
	case o.PyramidMatchTolerance < 0:
		return fmt.Errorf("pyramid_match_tolerance must be positive, got %d", o.PyramidMatchTolerance)
	case o.StatsRelativeEpsilon < 0:
		return fmt.Errorf("stats_relative_epsilon must be positive, got %g", o.StatsRelativeEpsilon)
	case o.WarpErrorThreshold < 0:
		return fmt.Errorf("warp_error_threshold must be positive, got %g", o.WarpErrorThreshold)
	case o.MaxBlockBytes <= 0:
		return fmt.Errorf("max_block_bytes must be strictly positive, got %d", o.MaxBlockBytes)
	case o.HistogramDefaultBins <= 0 || o.HistogramMaxIntegerBins <= 0:
		return fmt.Errorf("histogram bin counts must be strictly positive")
	case o.ApproximateRatio < 1:
		return fmt.Errorf("approximate_ratio must be >= 1, got %g", o.ApproximateRatio)
	}
	return nil
}

// Marshal returns the yaml representation of o
func (o Options) Marshal() ([]byte, error) {
	return yaml.Marshal(o)
}
