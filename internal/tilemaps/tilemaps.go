// Package tilemaps diffs tile-map assets between two revisions. Levels are
// compared structurally tile-by-tile; only the changed region of each
// z-level is handed to the external rasterizer, and rendering fans out over
// levels because every level's artifact path is disjoint.
package tilemaps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/assetdiffbot/internal/report"
)

const renderParallelism = 4

// Loader decodes a tile map out of a checked-out tree.
type Loader interface {
	Load(dir, relPath string) (*MapFile, error)
}

// Renderer rasterizes map regions. RenderRegion draws the given region of
// level z to target. ComposeDiff combines an already rendered before/after
// pair into a highlight image.
type Renderer interface {
	RenderRegion(ctx context.Context, dir string, m *MapFile, z int, region Rect, target string) error
	ComposeDiff(ctx context.Context, beforePath, afterPath, target string) error
}

// LevelDiff is one reported z-level.
type LevelDiff struct {
	Z         int // zero-based; reports show Z+1
	Kind      BoundKind
	Bounds    Rect
	BeforeURL string
	AfterURL  string
	DiffURL   string
}

// FileResult is the diff outcome for one map file.
type FileResult struct {
	File       string
	ChangeType string // ADDED, DELETED or MODIFIED
	Levels     []LevelDiff
	Err        error // per-asset failure; the job continues without this file
}

// ReportEntry renders the result as a report file entry.
func (r FileResult) ReportEntry() report.FileEntry {
	lines := make([]string, 0, len(r.Levels))
	for _, lv := range r.Levels {
		lines = append(lines, lv.reportLine(r.File))
	}
	return report.FileEntry{File: r.File, ChangeType: r.ChangeType, Lines: lines}
}

func (lv LevelDiff) reportLine(file string) string {
	title := fmt.Sprintf("%s (Z-level %d)", file, lv.Z+1)
	switch lv.Kind {
	case BoundOnlyBase:
		return fmt.Sprintf("**%s** — Z-LEVEL DELETED", title)
	case BoundOnlyHead:
		return fmt.Sprintf("**%s** — Z-LEVEL ADDED\n\n[New](%s)\n![](%s)", title, lv.AfterURL, lv.AfterURL)
	case BoundBoth:
		var b strings.Builder
		fmt.Fprintf(&b, "**%s** — changed region %s\n\n", title, lv.Bounds)
		if lv.BeforeURL != "" && lv.AfterURL != "" {
			fmt.Fprintf(&b, "[Old](%s) [New](%s)", lv.BeforeURL, lv.AfterURL)
			if lv.DiffURL != "" {
				fmt.Fprintf(&b, " [Diff](%s)", lv.DiffURL)
			}
			fmt.Fprintf(&b, "\n\n| Old | New |\n|---|---|\n| ![](%s) | ![](%s) |", lv.BeforeURL, lv.AfterURL)
		} else if lv.AfterURL != "" {
			fmt.Fprintf(&b, "[Rendered](%s)\n![](%s)", lv.AfterURL, lv.AfterURL)
		} else if lv.BeforeURL != "" {
			fmt.Fprintf(&b, "[Rendered](%s)\n![](%s)", lv.BeforeURL, lv.BeforeURL)
		}
		return b.String()
	default:
		return ""
	}
}

// Differ runs the map specialization of the asset diff engine.
type Differ struct {
	loader  Loader
	ren     Renderer
	outRoot string
	urlRoot string
	prefix  string // <scope>/<pull request>
}

func NewDiffer(loader Loader, ren Renderer, outRoot, urlRoot, prefix string) *Differ {
	return &Differ{loader: loader, ren: ren, outRoot: outRoot, urlRoot: urlRoot, prefix: prefix}
}

// fileIndex flattens a repository path into one artifact directory segment.
func fileIndex(relPath string) string {
	return strings.ReplaceAll(strings.TrimSuffix(relPath, filepath.Ext(relPath)), "/", "_")
}

func (d *Differ) artifactPaths(section, relPath, name string) (fsPath, url string) {
	rel := filepath.Join(section, fileIndex(relPath), name)
	return filepath.Join(d.outRoot, d.prefix, rel), d.urlRoot + "/" + d.prefix + "/" + filepath.ToSlash(rel)
}

func (d *Differ) renderLevel(ctx context.Context, dir string, m *MapFile, z int, region Rect, section, name string) (string, error) {
	fsPath, url := d.artifactPaths(section, m.Path, name)
	if err := os.MkdirAll(filepath.Dir(fsPath), 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := d.ren.RenderRegion(ctx, dir, m, z, region, fsPath); err != nil {
		return "", fmt.Errorf("rendering %s z%d of %s: %w", section, z+1, m.Path, err)
	}
	return url, nil
}

// wholeMap renders every z-level of a map as a whole-level region. section
// is the a/r artifact subdirectory, suffix the artifact name suffix.
func (d *Differ) wholeMap(ctx context.Context, dir string, m *MapFile, section, suffix, changeType string) FileResult {
	levels := make([]LevelDiff, len(m.Levels))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderParallelism)
	for z := range m.Levels {
		g.Go(func() error {
			url, err := d.renderLevel(gctx, dir, m, z, m.Levels[z].FullRect(), section, fmt.Sprintf("%d-%s.png", z, suffix))
			if err != nil {
				return err
			}
			lv := LevelDiff{Z: z, Kind: BoundBoth, Bounds: m.Levels[z].FullRect()}
			if changeType == "DELETED" {
				lv.BeforeURL = url
			} else {
				lv.AfterURL = url
			}
			levels[z] = lv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return FileResult{File: m.Path, Err: err}
	}
	return FileResult{File: m.Path, ChangeType: changeType, Levels: levels}
}

// loadSet loads files in input order, keeping per-file errors inline.
type loadSet struct {
	names []string
	maps  map[string]*MapFile
	errs  map[string]error
}

func (d *Differ) load(dir string, files []string) *loadSet {
	set := &loadSet{maps: make(map[string]*MapFile), errs: make(map[string]error)}
	for _, f := range files {
		m, err := d.loader.Load(dir, f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Absent on this side of the pair; the alignment
				// check below catches classification drift.
				continue
			}
			set.names = append(set.names, f)
			set.errs[f] = err
			continue
		}
		set.names = append(set.names, f)
		set.maps[f] = m
	}
	return set
}

// Run diffs the added, removed and modified map files of a job. baseDir and
// headDir must both be materialized on disk (main tree plus worktree).
// Results come back in input order with per-file errors inline; a non-nil
// error means an invariant violation that is fatal for the whole job.
func (d *Differ) Run(ctx context.Context, baseDir, headDir string, added, removed, modified []string) ([]FileResult, error) {
	var results []FileResult

	for _, f := range removed {
		m, err := d.loader.Load(baseDir, f)
		if err != nil {
			results = append(results, FileResult{File: f, Err: fmt.Errorf("loading removed map: %w", err)})
			continue
		}
		results = append(results, d.wholeMap(ctx, baseDir, m, "r", "removed", "DELETED"))
	}

	for _, f := range added {
		m, err := d.loader.Load(headDir, f)
		if err != nil {
			results = append(results, FileResult{File: f, Err: fmt.Errorf("loading added map: %w", err)})
			continue
		}
		results = append(results, d.wholeMap(ctx, headDir, m, "a", "added", "ADDED"))
	}

	modResults, err := d.diffModified(ctx, baseDir, headDir, modified)
	if err != nil {
		return nil, err
	}
	results = append(results, modResults...)

	return results, nil
}

func (d *Differ) diffModified(ctx context.Context, baseDir, headDir string, modified []string) ([]FileResult, error) {
	baseSet := d.load(baseDir, modified)
	headSet := d.load(headDir, modified)

	// Every successfully loaded head map must pair with a base entry.
	// Anything left over means the change classification and the trees
	// disagree, which we cannot report meaningfully.
	unaccounted := make(map[string]bool, len(headSet.maps))
	for name := range headSet.maps {
		unaccounted[name] = true
	}
	for _, name := range baseSet.names {
		delete(unaccounted, name)
	}
	if len(unaccounted) > 0 {
		names := make([]string, 0, len(unaccounted))
		for name := range unaccounted {
			names = append(names, name)
		}
		return nil, fmt.Errorf("maps unaccounted for between base and head (this should not happen): %v", names)
	}

	var results []FileResult
	for _, name := range baseSet.names {
		if err := baseSet.errs[name]; err != nil {
			results = append(results, FileResult{File: name, Err: fmt.Errorf("loading base map: %w", err)})
			continue
		}
		if err := headSet.errs[name]; err != nil {
			results = append(results, FileResult{File: name, Err: fmt.Errorf("loading head map: %w", err)})
			continue
		}
		results = append(results, d.diffPair(ctx, baseDir, headDir, baseSet.maps[name], headSet.maps[name]))
	}
	return results, nil
}

func (d *Differ) diffPair(ctx context.Context, baseDir, headDir string, base, head *MapFile) FileResult {
	bounds := CompareLevels(base, head)

	var levels []LevelDiff
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderParallelism)

	// Slots keep input order; unchanged levels leave their slot nil.
	slots := make([]*LevelDiff, len(bounds))
	for i, lb := range bounds {
		switch lb.Kind {
		case BoundNone:
			// Unchanged levels produce no entry at all.
		case BoundOnlyBase:
			slots[i] = &LevelDiff{Z: lb.Z, Kind: BoundOnlyBase}
		case BoundOnlyHead:
			slots[i] = &LevelDiff{Z: lb.Z, Kind: BoundOnlyHead}
			g.Go(func() error {
				url, err := d.renderLevel(gctx, headDir, head, lb.Z, head.Levels[lb.Z].FullRect(), "m", fmt.Sprintf("%d-after.png", lb.Z))
				if err != nil {
					return err
				}
				slots[i].AfterURL = url
				return nil
			})
		case BoundBoth:
			slots[i] = &LevelDiff{Z: lb.Z, Kind: BoundBoth, Bounds: lb.Rect}
			g.Go(func() error {
				beforeURL, err := d.renderLevel(gctx, baseDir, base, lb.Z, lb.Rect, "m", fmt.Sprintf("%d-before.png", lb.Z))
				if err != nil {
					return err
				}
				afterURL, err := d.renderLevel(gctx, headDir, head, lb.Z, lb.Rect, "m", fmt.Sprintf("%d-after.png", lb.Z))
				if err != nil {
					return err
				}

				beforePath, _ := d.artifactPaths("m", base.Path, fmt.Sprintf("%d-before.png", lb.Z))
				afterPath, _ := d.artifactPaths("m", base.Path, fmt.Sprintf("%d-after.png", lb.Z))
				diffPath, diffURL := d.artifactPaths("m", base.Path, fmt.Sprintf("%d-diff.png", lb.Z))
				if err := d.ren.ComposeDiff(gctx, beforePath, afterPath, diffPath); err != nil {
					return fmt.Errorf("composing diff for z%d of %s: %w", lb.Z+1, base.Path, err)
				}

				slots[i].BeforeURL = beforeURL
				slots[i].AfterURL = afterURL
				slots[i].DiffURL = diffURL
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return FileResult{File: base.Path, Err: err}
	}

	for _, slot := range slots {
		if slot != nil {
			levels = append(levels, *slot)
		}
	}

	log.Debug().Str("file", base.Path).Int("changed_levels", len(levels)).Msg("Tile map diffed")
	return FileResult{File: base.Path, ChangeType: "MODIFIED", Levels: levels}
}
