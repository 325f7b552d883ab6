package georaster

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

type driverTable struct {
	drivers []Driver
	byName  map[string]Driver

	filters    string
	extensions []string
	wildcards  []string
}

var (
	pendingMu sync.Mutex
	pending   []Driver
	frozen    bool

	tableOnce sync.Once
	table     *driverTable
)

// RegisterDriver makes a driver available to Open. Drivers must be
// registered before the first dataset is opened; the table is immutable
// afterwards and later registrations return an error.
func RegisterDriver(d Driver) error {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	if frozen {
		return fmt.Errorf("register %s: driver table already initialized", d.Name())
	}
	for _, p := range pending {
		if strings.EqualFold(p.Name(), d.Name()) {
			return nil
		}
	}
	pending = append(pending, d)
	return nil
}

func drivers() *driverTable {
	tableOnce.Do(func() {
		pendingMu.Lock()
		frozen = true
		drvs := append([]Driver(nil), pending...)
		pendingMu.Unlock()

		table = &driverTable{drivers: drvs, byName: make(map[string]Driver)}
		for _, d := range drvs {
			table.byName[strings.ToLower(d.Name())] = d
		}
		table.filters, table.extensions, table.wildcards = buildFileFilters(drvs)
	})
	return table
}

// Drivers returns the registered drivers in registration order
func Drivers() []Driver {
	return append([]Driver(nil), drivers().drivers...)
}

// LookupDriver returns the driver with the given short name (case insensitive)
func LookupDriver(name string) (Driver, bool) {
	d, ok := drivers().byName[strings.ToLower(name)]
	return d, ok
}

// IdentifyDriver returns the first driver claiming location
func IdentifyDriver(location string) (Driver, bool) {
	for _, d := range drivers().drivers {
		if d.Identify(location) {
			return d, true
		}
	}
	return nil, false
}

// openNative opens location with the first driver able to decode it
func openNative(ctx context.Context, location string, update bool, only []string) (NativeDataset, error) {
	var errs []error
	tried := 0
	for _, d := range drivers().drivers {
		if len(only) > 0 && !containsFold(only, d.Name()) {
			continue
		}
		if !d.Identify(location) {
			continue
		}
		tried++
		nds, err := d.Open(ctx, location, update)
		if err == nil {
			return nds, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}
	if tried == 0 {
		return nil, backendError("open "+location, ErrDatasetOpen, errors.New("not recognized as a supported file format"))
	}
	return nil, backendError("open "+location, ErrDatasetOpen, errors.Join(errs...))
}

func containsFold(list []string, s string) bool {
	for _, l := range list {
		if strings.EqualFold(l, s) {
			return true
		}
	}
	return false
}

// FileFilters returns the file dialog filter string of every registered
// driver, along with the plain extensions and the wildcards (full file name
// patterns) they recognize.
func FileFilters() (filters string, extensions []string, wildcards []string) {
	t := drivers()
	return t.filters, append([]string(nil), t.extensions...), append([]string(nil), t.wildcards...)
}

func buildFileFilters(drvs []Driver) (string, []string, []string) {
	var (
		entries    []string
		extensions []string
		wildcards  []string
		jp2Seen    bool
	)
	for _, d := range drvs {
		name, long := d.Name(), d.LongName()
		if long == "" {
			continue
		}
		exts := append([]string(nil), d.Extensions()...)
		var glob string
		switch {
		case strings.HasPrefix(name, "JP2"):
			if jp2Seen {
				continue
			}
			jp2Seen = true
			long = "JPEG 2000"
			exts = []string{"jp2", "j2k"}
		case name == "GTiff":
			exts = appendUnique(exts, "tif", "tiff")
		case name == "JPEG":
			exts = appendUnique(exts, "jpg", "jpeg")
		case name == "VRT":
			exts = appendUnique(exts, "vrt", "ovr")
		case name == "USGSDEM":
			exts = []string{"dem"}
		case name == "DTED":
			exts = []string{"dt0", "dt1", "dt2"}
		case name == "MrSID":
			exts = []string{"sid"}
		case name == "EHdr":
			exts = []string{"bil"}
		case name == "AIG":
			glob = "hdr.adf"
			exts = nil
		case name == "HDF4":
			exts = []string{"hdf"}
		}
		if glob != "" {
			wildcards = append(wildcards, glob)
			entries = append(entries, fmt.Sprintf("%s (%s %s)", long, strings.ToLower(glob), strings.ToUpper(glob)))
			continue
		}
		if len(exts) == 0 {
			continue
		}
		var pats []string
		for _, e := range exts {
			pats = append(pats, "*."+strings.ToLower(e), "*."+strings.ToUpper(e))
			extensions = appendUnique(extensions, strings.ToLower(e))
		}
		entries = append(entries, fmt.Sprintf("%s (%s)", long, strings.Join(pats, " ")))
	}
	sort.Strings(entries)
	entries = append([]string{
		"All files (*)",
		"GDAL/OGR VSIFileHandler (*.zip *.gz *.tar *.tar.gz *.tgz)",
	}, entries...)
	extensions = appendUnique(extensions, "zip", "gz", "tar", "tar.gz", "tgz")
	return strings.Join(entries, ";;"), extensions, wildcards
}

func appendUnique(list []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, l := range list {
			if l == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

// VSIPath prefixes archive locations with the virtual file system handler
// able to read inside them. Already prefixed locations are returned as is.
func VSIPath(location string) string {
	if strings.HasPrefix(location, "/vsi") {
		return location
	}
	lower := strings.ToLower(location)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "/vsizip/" + location
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar"):
		return "/vsitar/" + location
	case strings.HasSuffix(lower, ".gz"):
		return "/vsigzip/" + location
	}
	return location
}

// IsValidRasterFileName checks that location opens as a raster with bands or
// sub-datasets.
func IsValidRasterFileName(ctx context.Context, location string) error {
	ds, err := Open(ctx, VSIPath(location))
	if err != nil {
		return err
	}
	return ds.Close()
}

// HasExtension reports whether location ends with one of the registered raster extensions
func HasExtension(location string) bool {
	_, exts, globs := FileFilters()
	base := strings.ToLower(path.Base(location))
	for _, g := range globs {
		if base == g {
			return true
		}
	}
	for _, e := range exts {
		if strings.HasSuffix(base, "."+e) {
			return true
		}
	}
	return false
}
