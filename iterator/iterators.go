// Package iterator walks the blocks of a multi resolution image in the order
// given by a layout pattern.
//
// A pattern is a ">" separated list of the three keys Z (zoom level), T
// (tile) and B (band plane), outermost first. Z and B may be restricted to a
// range "Z=1:3" (end excluded) or to a list "B=0,2". Several passes are
// separated by ";", e.g. "Z=0:2>T>B;Z=2:>B>T".
package iterator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	IDX_ZOOM int = iota // 0 is the coarsest level
	IDX_TILE            // Block
	IDX_BAND            // Plane
	KEY_ZOOM = "Z"
	KEY_TILE = "T"
	KEY_BAND = "B"
)

var Names = []string{"Zoom", "Tile", "Band"}

// Iterator on integers with an Identifier
// Usage:
// var it Iterator
// for it.Init(indices); it.Next(); {
//   fmt.Printf("It[%d] = %d", it.ID(), *indices[it.ID()])
// }
type Iterator interface {
	// ID returns the identifier of the iterator
	ID() int
	// Init resets the iterator and points indices[ID()] to the current value,
	// which is updated by Next and invalid once Next returned false.
	Init(indices []*int)
	// Next updates the current value and returns false once the iteration is over.
	Next() bool
}

// InitIterators parses every pass of pattern. grid holds the number of
// tiles along x and y of each zoom level.
func InitIterators(pattern string, nbBands int, grid [][2]int32) ([]*Iterators, error) {
	var iterators []*Iterators
	for _, itersS := range strings.Split(pattern, ";") {
		iters, err := NewIteratorsFromString(itersS, nbBands, grid)
		if err != nil {
			return nil, err
		}
		iterators = append(iterators, iters)
	}
	return iterators, nil
}

// RangeIterator implements Iterator on the values from Start to End (excluded)
type RangeIterator struct {
	id         int
	curValue   int
	Start, End int
}

// NewRangeIterator creates an Iterator on the values from start to end (excluded)
func NewRangeIterator(id, start, end int) Iterator {
	return &RangeIterator{
		id:    id,
		Start: start,
		End:   end,
	}
}

func (it *RangeIterator) Init(indices []*int) {
	it.curValue = it.Start - 1
	indices[it.id] = &it.curValue
}

func (it *RangeIterator) ID() int {
	return it.id
}

func (it *RangeIterator) Next() bool {
	if it.curValue >= it.End-1 {
		return false
	}
	it.curValue++
	return true
}

// ValuesIterator implements Iterator on a slice of values
type ValuesIterator struct {
	id       int
	Values   []int
	curValue int
	curIdx   int
}

// NewValuesIterator creates an Iterator on a slice of values
func NewValuesIterator(id int, values []int) Iterator {
	return &ValuesIterator{
		id:     id,
		Values: values,
	}
}

func (it *ValuesIterator) Init(indices []*int) {
	it.curIdx = 0
	indices[it.id] = &it.curValue
}

func (it *ValuesIterator) ID() int {
	return it.id
}

func (it *ValuesIterator) Next() bool {
	if it.curIdx == len(it.Values) {
		return false
	}
	it.curValue = it.Values[it.curIdx]
	it.curIdx++
	return true
}

// TileIterator iterates over the tiles of the current zoom level in row
// major order. The zoom iterator must be initialized first.
type TileIterator struct {
	id         int
	curValue   int
	nx, ny     int32
	curX, curY int32
	grid       [][2]int32
}

// NewTileIterator creates an Iterator on the tiles of a zoom level
func NewTileIterator(id int, grid [][2]int32) Iterator {
	return &TileIterator{
		id:   id,
		grid: grid,
	}
}

// Init points indices[ID()] to an encoded pair of tile indices (see DecodePair)
func (it *TileIterator) Init(indices []*int) {
	zoomIdx := *indices[IDX_ZOOM]
	it.nx, it.ny = it.grid[zoomIdx][0], it.grid[zoomIdx][1]
	it.curX, it.curY = -1, 0
	indices[it.id] = &it.curValue
}

func (it *TileIterator) ID() int {
	return it.id
}

func (it *TileIterator) Next() bool {
	if it.nx <= 0 || it.ny <= 0 {
		return false
	}
	it.curX++
	if it.curX >= it.nx {
		it.curX = 0
		it.curY++
	}
	if it.curY >= it.ny {
		return false
	}
	it.curValue = EncodePair(it.curX, it.curY)
	return true
}

// EncodePair creates an int from x, y coordinates
func EncodePair(x, y int32) int {
	return int(x)*(math.MaxUint32+1) + int(y)
}

// DecodePair retrieves x, y from an encoded pair
func DecodePair(p int) (int32, int32) {
	return int32(p / (math.MaxUint32 + 1)), int32(p % (math.MaxUint32 + 1))
}

type Iterators [3]Iterator

// NewIteratorsFromString parses a single pass
func NewIteratorsFromString(s string, nbBands int, grid [][2]int32) (*Iterators, error) {
	its := strings.Split(s, ">")
	if len(its) != 3 {
		return nil, fmt.Errorf("%s must have three levels of iteration, got %d", s, len(its))
	}

	var res Iterators
	for i, it := range its {
		itSplit := strings.SplitN(strings.TrimSpace(it), "=", 2)
		switch itSplit[0] {
		case KEY_TILE:
			if len(itSplit) == 2 {
				return nil, fmt.Errorf("%s cannot be restricted", KEY_TILE)
			}
			res[i] = NewTileIterator(IDX_TILE, grid)

		case KEY_BAND, KEY_ZOOM:
			idx, maxV := IDX_BAND, nbBands
			if itSplit[0] == KEY_ZOOM {
				idx, maxV = IDX_ZOOM, len(grid)
			}
			if len(itSplit) == 1 || strings.Contains(itSplit[1], ":") {
				minV := 0
				if len(itSplit) == 2 {
					valuesS := strings.SplitN(itSplit[1], ":", 2)
					if valuesS[0] != "" {
						nMinV, err := strconv.Atoi(valuesS[0])
						if err != nil {
							return nil, fmt.Errorf("cannot parse min value of range %s: %w", itSplit[1], err)
						}
						if nMinV > minV {
							minV = nMinV
						}
					}
					if valuesS[1] != "" {
						nMaxV, err := strconv.Atoi(valuesS[1])
						if err != nil {
							return nil, fmt.Errorf("cannot parse max value of range %s: %w", itSplit[1], err)
						}
						if nMaxV < maxV {
							maxV = nMaxV
						}
					}
				}
				res[i] = NewRangeIterator(idx, minV, maxV)
			} else {
				var values []int
				for _, v := range strings.Split(itSplit[1], ",") {
					v, err := strconv.Atoi(v)
					if err != nil {
						return nil, fmt.Errorf("cannot parse values of %s: %w", it, err)
					}
					if 0 <= v && v < maxV {
						values = append(values, v)
					}
				}
				res[i] = NewValuesIterator(idx, values)
			}
		default:
			return nil, fmt.Errorf("unknown key %s: must be one of [%s, %s, %s]", itSplit[0], KEY_ZOOM, KEY_TILE, KEY_BAND)
		}
	}
	return &res, res.Check()
}

// Check verifies that each key is used once and that tiles are iterated
// inside a zoom level
func (its Iterators) Check() error {
	defined := [3]bool{}
	for _, iter := range its {
		idx := iter.ID()
		if idx >= len(defined) {
			return fmt.Errorf("Iterators.Check: unknown index %d", idx)
		}
		if defined[idx] {
			return fmt.Errorf("Iterators.Check: %s (idx=%d) is defined twice", Names[idx], idx)
		}
		if idx == IDX_TILE && !defined[IDX_ZOOM] {
			return fmt.Errorf("Iterators.Check: %s (idx=%d) cannot be defined before %s (idx=%d)", Names[IDX_TILE], IDX_TILE, Names[IDX_ZOOM], IDX_ZOOM)
		}
		defined[idx] = true
	}
	return nil
}

// Walk calls fn for every (zoom, tile x, tile y, band) visited by its, in order
func (its *Iterators) Walk(fn func(z int, x, y int32, b int) error) error {
	indices := []*int{nil, nil, nil}
	for its[0].Init(indices); its[0].Next(); {
		for its[1].Init(indices); its[1].Next(); {
			for its[2].Init(indices); its[2].Next(); {
				x, y := DecodePair(*indices[IDX_TILE])
				if err := fn(*indices[IDX_ZOOM], x, y, *indices[IDX_BAND]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
