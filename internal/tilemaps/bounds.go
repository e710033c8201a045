package tilemaps

import "fmt"

// Rect is an axis-aligned, inclusive tile rectangle in 1-based map
// coordinates.
type Rect struct {
	MinX, MinY int
	MaxX, MaxY int
}

func (r Rect) String() string {
	return fmt.Sprintf("(%d, %d) to (%d, %d)", r.MinX, r.MinY, r.MaxX, r.MaxY)
}

// Width and Height are in tiles.
func (r Rect) Width() int  { return r.MaxX - r.MinX + 1 }
func (r Rect) Height() int { return r.MaxY - r.MinY + 1 }

// BoundKind classifies what happened to one z-level between two revisions.
type BoundKind int

const (
	// BoundNone: the level exists in both revisions and no tile differs.
	BoundNone BoundKind = iota
	// BoundOnlyBase: the level was removed.
	BoundOnlyBase
	// BoundOnlyHead: the level was added.
	BoundOnlyHead
	// BoundBoth: the level exists in both revisions with differing tiles.
	BoundBoth
)

func (k BoundKind) String() string {
	switch k {
	case BoundNone:
		return "none"
	case BoundOnlyBase:
		return "only-base"
	case BoundOnlyHead:
		return "only-head"
	case BoundBoth:
		return "both"
	default:
		return "unknown"
	}
}

// LevelBounds is the classification of one z-level, with the tight bounding
// rectangle of the changed region when the kind is BoundBoth.
type LevelBounds struct {
	Z    int // zero-based level index
	Kind BoundKind
	Rect Rect
}

// Grid is one z-level of tile keys, row-major.
type Grid struct {
	Width, Height int
	Tiles         []uint32
}

// At returns the tile key at zero-based coordinates, or 0 outside the grid.
func (g *Grid) At(x, y int) uint32 {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return 0
	}
	return g.Tiles[y*g.Width+x]
}

// FullRect is the whole-level region.
func (g *Grid) FullRect() Rect {
	return Rect{MinX: 1, MinY: 1, MaxX: g.Width, MaxY: g.Height}
}

// MapFile is a decoded tile map: a stack of z-level grids.
type MapFile struct {
	Path   string
	Levels []Grid
}

// CompareLevels classifies every z-level present in either revision of a
// map. For levels present in both, it computes the minimal bounding
// rectangle enclosing all differing tiles; tiles outside the smaller grid
// count as differing when dimensions changed. A level with no differing
// tiles classifies as BoundNone, which downstream skips rendering.
func CompareLevels(base, head *MapFile) []LevelBounds {
	n := len(base.Levels)
	if len(head.Levels) > n {
		n = len(head.Levels)
	}

	bounds := make([]LevelBounds, 0, n)
	for z := 0; z < n; z++ {
		switch {
		case z >= len(head.Levels):
			bounds = append(bounds, LevelBounds{Z: z, Kind: BoundOnlyBase})
		case z >= len(base.Levels):
			bounds = append(bounds, LevelBounds{Z: z, Kind: BoundOnlyHead})
		default:
			bounds = append(bounds, compareLevel(z, &base.Levels[z], &head.Levels[z]))
		}
	}
	return bounds
}

func compareLevel(z int, base, head *Grid) LevelBounds {
	w := base.Width
	if head.Width > w {
		w = head.Width
	}
	h := base.Height
	if head.Height > h {
		h = head.Height
	}

	minX, minY := w, h
	maxX, maxY := -1, -1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			inBase := x < base.Width && y < base.Height
			inHead := x < head.Width && y < head.Height
			if inBase == inHead && (!inBase || base.At(x, y) == head.At(x, y)) {
				continue
			}
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < 0 {
		return LevelBounds{Z: z, Kind: BoundNone}
	}
	return LevelBounds{
		Z:    z,
		Kind: BoundBoth,
		Rect: Rect{MinX: minX + 1, MinY: minY + 1, MaxX: maxX + 1, MaxY: maxY + 1},
	}
}
