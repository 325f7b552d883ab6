package gtiff

import (
	"encoding/xml"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type gdalMetadata struct {
	XMLName xml.Name   `xml:"GDALMetadata"`
	Items   []gdalItem `xml:"Item"`
}

type gdalItem struct {
	Name   string `xml:"name,attr"`
	Sample string `xml:"sample,attr,omitempty"`
	Role   string `xml:"role,attr,omitempty"`
	Domain string `xml:"domain,attr,omitempty"`
	Value  string `xml:",chardata"`
}

// bandInfo is the per band state stored in the GDAL_METADATA tag
type bandInfo struct {
	scale, offset float64
	description   string
	items         map[string]map[string]string
}

func newBandInfo() bandInfo {
	return bandInfo{scale: 1, items: map[string]map[string]string{}}
}

func (b bandInfo) domain(d string) map[string]string {
	m := b.items[d]
	if m == nil {
		m = map[string]string{}
		b.items[d] = m
	}
	return m
}

// parseMetadata splits a GDAL_METADATA document into dataset items, keyed
// by domain, and band items
func parseMetadata(doc string, nbands int) (map[string]map[string]string, []bandInfo, error) {
	ds := map[string]map[string]string{}
	bands := make([]bandInfo, nbands)
	for i := range bands {
		bands[i] = newBandInfo()
	}
	if strings.TrimSpace(doc) == "" {
		return ds, bands, nil
	}
	var md gdalMetadata
	if err := xml.Unmarshal([]byte(doc), &md); err != nil {
		return ds, bands, fmt.Errorf("parse GDAL_METADATA: %w", err)
	}
	for _, it := range md.Items {
		if it.Sample == "" {
			if ds[it.Domain] == nil {
				ds[it.Domain] = map[string]string{}
			}
			ds[it.Domain][it.Name] = it.Value
			continue
		}
		s, err := strconv.Atoi(it.Sample)
		if err != nil || s < 0 || s >= nbands {
			continue
		}
		switch it.Role {
		case "scale":
			if v, err := strconv.ParseFloat(strings.TrimSpace(it.Value), 64); err == nil {
				bands[s].scale = v
			}
		case "offset":
			if v, err := strconv.ParseFloat(strings.TrimSpace(it.Value), 64); err == nil {
				bands[s].offset = v
			}
		case "description":
			bands[s].description = it.Value
		default:
			bands[s].domain(it.Domain)[it.Name] = it.Value
		}
	}
	return ds, bands, nil
}

// formatMetadata is the reverse of parseMetadata. Items are sorted so that
// identical metadata produce identical documents.
func formatMetadata(ds map[string]map[string]string, bands []bandInfo) (string, error) {
	var md gdalMetadata
	for _, d := range sortedKeys(ds) {
		for _, k := range sortedKeys(ds[d]) {
			md.Items = append(md.Items, gdalItem{Name: k, Domain: d, Value: ds[d][k]})
		}
	}
	for i, b := range bands {
		s := strconv.Itoa(i)
		if b.offset != 0 || b.scale != 1 {
			md.Items = append(md.Items,
				gdalItem{Name: "OFFSET", Sample: s, Role: "offset", Value: formatFloat(b.offset)},
				gdalItem{Name: "SCALE", Sample: s, Role: "scale", Value: formatFloat(b.scale)})
		}
		if b.description != "" {
			md.Items = append(md.Items, gdalItem{Name: "DESCRIPTION", Sample: s, Role: "description", Value: b.description})
		}
		for _, d := range sortedKeys(b.items) {
			for _, k := range sortedKeys(b.items[d]) {
				md.Items = append(md.Items, gdalItem{Name: k, Sample: s, Domain: d, Value: b.items[d][k]})
			}
		}
	}
	if len(md.Items) == 0 {
		return "", nil
	}
	buf, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// parseNoData decodes the GDAL_NODATA tag
func parseNoData(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "":
		return 0, false
	case "nan":
		return math.NaN(), true
	case "inf":
		return math.Inf(1), true
	case "-inf":
		return math.Inf(-1), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func formatNoData(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return formatFloat(v)
}
