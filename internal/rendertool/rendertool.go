// Package rendertool adapts the external asset rasterizer CLI to the diff
// engines' interfaces. All pixel work (decoding sheet metadata, rasterizing
// states and map regions, composing highlight images) lives in the tool;
// this package only does process plumbing, the same way gitops wraps git.
package rendertool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/assetdiffbot/internal/sprites"
	"github.com/assetdiffbot/internal/tilemaps"
)

// Tool invokes the rasterizer binary.
type Tool struct {
	bin string
}

var (
	_ sprites.Decoder   = (*Tool)(nil)
	_ sprites.Renderer  = (*Tool)(nil)
	_ tilemaps.Loader   = (*Tool)(nil)
	_ tilemaps.Renderer = (*Tool)(nil)
)

func New(bin string) *Tool {
	return &Tool{bin: bin}
}

func (t *Tool) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", t.bin, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// spriteMeta is the tool's `sprite meta` JSON shape. The content hash comes
// as a hex string because JSON numbers cannot carry a full uint64.
type spriteMeta struct {
	ContentHash string        `json:"content_hash"`
	States      []spriteState `json:"states"`
}

type spriteState struct {
	Name      string    `json:"name"`
	Duplicate int       `json:"duplicate"`
	Dirs      int       `json:"dirs"`
	Frames    int       `json:"frames"`
	Delays    []float64 `json:"delays"`
	Rewind    bool      `json:"rewind"`
	Movement  bool      `json:"movement"`
	Loop      int       `json:"loop"`
}

// Decode reads the sheet's structural metadata without rasterizing anything.
func (t *Tool) Decode(dir, relPath, sha string) (*sprites.Sheet, error) {
	out, err := t.run(context.Background(), "sprite", "meta", "--repo", dir, relPath)
	if err != nil {
		return nil, err
	}

	var meta spriteMeta
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("parsing sprite meta for %s: %w", relPath, err)
	}
	hash, err := strconv.ParseUint(meta.ContentHash, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing content hash for %s: %w", relPath, err)
	}

	sheet := &sprites.Sheet{Path: relPath, Sha: sha, ContentHash: hash}
	for _, st := range meta.States {
		sheet.States = append(sheet.States, sprites.State{
			Name:      st.Name,
			Duplicate: st.Duplicate,
			Dirs:      st.Dirs,
			Frames:    st.Frames,
			Delays:    st.Delays,
			Rewind:    st.Rewind,
			Movement:  st.Movement,
			Loop:      st.Loop,
		})
	}
	return sheet, nil
}

// RenderState rasterizes one state. The tool picks the extension (static
// states become PNG, animated ones GIF) and prints the path it wrote.
func (t *Tool) RenderState(dir string, sheet *sprites.Sheet, st sprites.State, target string) (string, error) {
	out, err := t.run(context.Background(), "sprite", "render",
		"--repo", dir,
		"--file", sheet.Path,
		"--state", st.Name,
		"--duplicate", strconv.Itoa(st.Duplicate),
		"-o", target)
	if err != nil {
		return "", err
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return "", fmt.Errorf("rendering %s state %q: tool reported no output path", sheet.Path, st.DisplayName())
	}
	return path, nil
}

// FramesEqual compares the rendered pixels of two states without writing
// artifacts. The tool prints "equal" or "different".
func (t *Tool) FramesEqual(baseDir string, base *sprites.Sheet, baseState sprites.State, headDir string, head *sprites.Sheet, headState sprites.State) (bool, error) {
	out, err := t.run(context.Background(), "sprite", "compare",
		"--base-repo", baseDir, "--base-file", base.Path,
		"--base-state", baseState.Name, "--base-duplicate", strconv.Itoa(baseState.Duplicate),
		"--head-repo", headDir, "--head-file", head.Path,
		"--head-state", headState.Name, "--head-duplicate", strconv.Itoa(headState.Duplicate))
	if err != nil {
		return false, err
	}

	switch verdict := strings.TrimSpace(string(out)); verdict {
	case "equal":
		return true, nil
	case "different":
		return false, nil
	default:
		return false, fmt.Errorf("comparing %s state %q: unexpected verdict %q", base.Path, baseState.DisplayName(), verdict)
	}
}

// mapMeta is the tool's `map meta` JSON shape. Tiles are opaque keys; equal
// key means equal tile content.
type mapMeta struct {
	Levels []struct {
		Width  int      `json:"width"`
		Height int      `json:"height"`
		Tiles  []uint32 `json:"tiles"`
	} `json:"levels"`
}

// Load reads a map's tile grids without rasterizing anything.
func (t *Tool) Load(dir, relPath string) (*tilemaps.MapFile, error) {
	out, err := t.run(context.Background(), "map", "meta", "--repo", dir, relPath)
	if err != nil {
		return nil, err
	}

	var meta mapMeta
	if err := json.Unmarshal(out, &meta); err != nil {
		return nil, fmt.Errorf("parsing map meta for %s: %w", relPath, err)
	}

	m := &tilemaps.MapFile{Path: relPath}
	for z, lv := range meta.Levels {
		if len(lv.Tiles) != lv.Width*lv.Height {
			return nil, fmt.Errorf("map %s level %d: %d tiles for %dx%d grid", relPath, z+1, len(lv.Tiles), lv.Width, lv.Height)
		}
		m.Levels = append(m.Levels, tilemaps.Grid{Width: lv.Width, Height: lv.Height, Tiles: lv.Tiles})
	}
	return m, nil
}

// RenderRegion rasterizes the region of level z (zero-based) to target.
func (t *Tool) RenderRegion(ctx context.Context, dir string, m *tilemaps.MapFile, z int, region tilemaps.Rect, target string) error {
	_, err := t.run(ctx, "map", "render",
		"--repo", dir,
		"--file", m.Path,
		"--level", strconv.Itoa(z),
		"--min-x", strconv.Itoa(region.MinX), "--min-y", strconv.Itoa(region.MinY),
		"--max-x", strconv.Itoa(region.MaxX), "--max-y", strconv.Itoa(region.MaxY),
		"-o", target)
	return err
}

// ComposeDiff combines a rendered before/after pair into a highlight image.
func (t *Tool) ComposeDiff(ctx context.Context, beforePath, afterPath, target string) error {
	_, err := t.run(ctx, "image", "diff", beforePath, afterPath, "-o", target)
	return err
}
