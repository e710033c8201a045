// Package sprites diffs sprite-sheet assets between two revisions of a
// repository. The expensive step is rasterization, so modified sheets are
// compared structurally first and rendered only for states whose metadata
// matches but whose pixels might not.
//
// Decoding and rasterization are external concerns; the engine talks to them
// through the Decoder and Renderer interfaces.
package sprites

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/assetdiffbot/internal/report"
)

// DefaultStateName is the display label for the unnamed state every sheet
// may carry.
const DefaultStateName = "{{DEFAULT}}"

// renderParallelism bounds the concurrent rasterizations per file. Safe
// because every state's artifact path is unique by construction.
const renderParallelism = 4

// State is the structural metadata of one sprite state. Two states with
// equal metadata may still differ in pixels; two states with differing
// metadata are always reported as changed without rendering.
type State struct {
	Name      string
	Duplicate int // disambiguates repeated state names within one sheet
	Dirs      int
	Frames    int
	Delays    []float64
	Rewind    bool
	Movement  bool
	Loop      int
}

// Key identifies the state within its sheet.
func (s State) Key() string {
	if s.Duplicate == 0 {
		return s.Name
	}
	return fmt.Sprintf("%s#%d", s.Name, s.Duplicate)
}

// DisplayName is the human-readable label used in report lines.
func (s State) DisplayName() string {
	name := s.Name
	if name == "" {
		name = DefaultStateName
	}
	if s.Duplicate > 0 {
		name = fmt.Sprintf("%s [%d]", name, s.Duplicate)
	}
	return name
}

// MetaEquals compares the structural metadata of two states.
func (s State) MetaEquals(o State) bool {
	if s.Name != o.Name || s.Duplicate != o.Duplicate ||
		s.Dirs != o.Dirs || s.Frames != o.Frames ||
		s.Rewind != o.Rewind || s.Movement != o.Movement || s.Loop != o.Loop {
		return false
	}
	if len(s.Delays) != len(o.Delays) {
		return false
	}
	for i := range s.Delays {
		if s.Delays[i] != o.Delays[i] {
			return false
		}
	}
	return true
}

// Sheet is a decoded sprite sheet bound to the revision it was read at.
type Sheet struct {
	Path        string // repository-relative file path
	Sha         string // revision the file was decoded at
	ContentHash uint64 // hash of the raw file bytes
	States      []State
}

// Decoder decodes a sprite sheet out of a checked-out tree.
type Decoder interface {
	Decode(dir, relPath, sha string) (*Sheet, error)
}

// Renderer rasterizes sprite states. RenderState writes the state's frames
// to target (no extension) and returns the corrected path including the
// extension it chose. FramesEqual compares the rendered pixels of two states
// without writing artifacts.
type Renderer interface {
	RenderState(dir string, sheet *Sheet, st State, target string) (string, error)
	FramesEqual(baseDir string, base *Sheet, baseState State, headDir string, head *Sheet, headState State) (bool, error)
}

// StateDiff is one reported identity.
type StateDiff struct {
	Name      string
	BeforeURL string
	AfterURL  string
	Change    string // Created, Deleted or Modified

	key string
}

// FileResult is the diff outcome for one sprite-sheet file.
type FileResult struct {
	File       string
	ChangeType string // ADDED, DELETED or MODIFIED
	States     []StateDiff
	Err        error // per-asset failure; the job continues without this file
}

const tableHeader = "| State | Old | New | Status |\n|---|---|---|---|"

// ReportEntry renders the result as a report file entry.
func (r FileResult) ReportEntry() report.FileEntry {
	lines := make([]string, 0, len(r.States))
	for _, s := range r.States {
		lines = append(lines, fmt.Sprintf("| %s | %s | %s | %s |",
			s.Name, imageCell(s.BeforeURL), imageCell(s.AfterURL), s.Change))
	}
	return report.FileEntry{
		File:       r.File,
		ChangeType: r.ChangeType,
		Header:     tableHeader,
		Lines:      lines,
	}
}

func imageCell(url string) string {
	if url == "" {
		return ""
	}
	return fmt.Sprintf("![](%s)", url)
}

// Differ runs the sprite specialization of the asset diff engine.
type Differ struct {
	dec     Decoder
	ren     Renderer
	outRoot string // filesystem root artifacts are written under
	urlRoot string // public URL prefix mapping to outRoot
	prefix  string // <scope>/<pull request> subdirectory for this job
}

func NewDiffer(dec Decoder, ren Renderer, outRoot, urlRoot, prefix string) *Differ {
	return &Differ{dec: dec, ren: ren, outRoot: outRoot, urlRoot: urlRoot, prefix: prefix}
}

// artifactName derives a stable, collision-resistant artifact filename from
// everything that identifies a rendered state. Repeated runs overwrite the
// same file; distinct states never share one.
func artifactName(sheet *Sheet, st State) string {
	h := fnv.New64a()
	io.WriteString(h, sheet.Sha)
	io.WriteString(h, sheet.Path)
	binary.Write(h, binary.LittleEndian, sheet.ContentHash)
	binary.Write(h, binary.LittleEndian, int64(st.Duplicate))
	io.WriteString(h, st.Name)
	return strconv.FormatUint(h.Sum64(), 10)
}

// renderState rasterizes one state and returns its public URL.
func (d *Differ) renderState(dir string, sheet *Sheet, st State) (string, error) {
	targetDir := filepath.Join(d.outRoot, d.prefix)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory %s: %w", targetDir, err)
	}
	name := artifactName(sheet, st)

	corrected, err := d.ren.RenderState(dir, sheet, st, filepath.Join(targetDir, name))
	if err != nil {
		return "", fmt.Errorf("rendering state %q of %s: %w", st.DisplayName(), sheet.Path, err)
	}
	ext := filepath.Ext(corrected)
	return fmt.Sprintf("%s/%s/%s%s", d.urlRoot, d.prefix, name, ext), nil
}

// fullRender renders every state of a sheet, used for whole-file additions
// and removals. change is the per-line status label, side selects which URL
// column the artifact lands in.
func (d *Differ) fullRender(ctx context.Context, dir string, sheet *Sheet, change string) ([]StateDiff, error) {
	diffs := make([]StateDiff, len(sheet.States))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(renderParallelism)
	for i, st := range sheet.States {
		g.Go(func() error {
			url, err := d.renderState(dir, sheet, st)
			if err != nil {
				return err
			}
			sd := StateDiff{Name: st.DisplayName(), Change: change}
			if change == "Deleted" {
				sd.BeforeURL = url
			} else {
				sd.AfterURL = url
			}
			diffs[i] = sd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return diffs, nil
}

// DiffFile diffs one sprite-sheet file. baseDir and headDir are the
// checked-out trees for the two revisions; either may be unused depending on
// the change kind. Decode and render failures land in FileResult.Err.
func (d *Differ) DiffFile(ctx context.Context, relPath, baseSha, headSha, baseDir, headDir string) FileResult {
	switch {
	case baseSha == "" && headSha != "":
		return d.wholeFile(ctx, relPath, headSha, headDir, "ADDED", "Created")
	case baseSha != "" && headSha == "":
		return d.wholeFile(ctx, relPath, baseSha, baseDir, "DELETED", "Deleted")
	case baseSha != "" && headSha != "":
		return d.modifiedFile(ctx, relPath, baseSha, headSha, baseDir, headDir)
	default:
		// Renamed/Copied carry no sha pairing and are skipped upstream.
		return FileResult{File: relPath, Err: fmt.Errorf("no revision to diff for %s", relPath)}
	}
}

func (d *Differ) wholeFile(ctx context.Context, relPath, sha, dir, changeType, change string) FileResult {
	sheet, err := d.dec.Decode(dir, relPath, sha)
	if err != nil {
		return FileResult{File: relPath, Err: fmt.Errorf("decoding %s: %w", relPath, err)}
	}
	states, err := d.fullRender(ctx, dir, sheet, change)
	if err != nil {
		return FileResult{File: relPath, Err: err}
	}
	return FileResult{File: relPath, ChangeType: changeType, States: states}
}

func (d *Differ) modifiedFile(ctx context.Context, relPath, baseSha, headSha, baseDir, headDir string) FileResult {
	base, err := d.dec.Decode(baseDir, relPath, baseSha)
	if err != nil {
		return FileResult{File: relPath, Err: fmt.Errorf("decoding base %s: %w", relPath, err)}
	}
	head, err := d.dec.Decode(headDir, relPath, headSha)
	if err != nil {
		return FileResult{File: relPath, Err: fmt.Errorf("decoding head %s: %w", relPath, err)}
	}

	baseStates := make(map[string]State, len(base.States))
	for _, st := range base.States {
		baseStates[st.Key()] = st
	}
	headStates := make(map[string]State, len(head.States))
	for _, st := range head.States {
		headStates[st.Key()] = st
	}

	var (
		mu    sync.Mutex
		diffs []StateDiff
	)
	add := func(sd StateDiff) {
		mu.Lock()
		diffs = append(diffs, sd)
		mu.Unlock()
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(renderParallelism)

	// Base-side iteration covers deletions and modification candidates;
	// head-side iteration covers creations. Decoded state order keeps the
	// output deterministic apart from the bounded fan-out, which is sorted
	// out below.
	order := make(map[string]int)
	for i, st := range base.States {
		order[st.Key()] = i
	}
	for i, st := range head.States {
		if _, ok := order[st.Key()]; !ok {
			order[st.Key()] = len(base.States) + i
		}
	}

	for _, st := range base.States {
		if _, alsoInHead := headStates[st.Key()]; !alsoInHead {
			g.Go(func() error {
				url, err := d.renderState(baseDir, base, st)
				if err != nil {
					return err
				}
				add(StateDiff{Name: st.DisplayName(), BeforeURL: url, Change: "Deleted", key: st.Key()})
				return nil
			})
		}
	}
	for _, st := range head.States {
		if _, alsoInBase := baseStates[st.Key()]; !alsoInBase {
			g.Go(func() error {
				url, err := d.renderState(headDir, head, st)
				if err != nil {
					return err
				}
				add(StateDiff{Name: st.DisplayName(), AfterURL: url, Change: "Created", key: st.Key()})
				return nil
			})
		}
	}

	for _, baseState := range base.States {
		headState, ok := headStates[baseState.Key()]
		if !ok {
			continue
		}
		g.Go(func() error {
			changed := !baseState.MetaEquals(headState)
			if !changed {
				// Metadata is identical, fall back to comparing pixels.
				equal, err := d.ren.FramesEqual(baseDir, base, baseState, headDir, head, headState)
				if err != nil {
					return fmt.Errorf("comparing state %q of %s: %w", baseState.DisplayName(), relPath, err)
				}
				changed = !equal
			}
			if !changed {
				return nil
			}

			beforeURL, err := d.renderState(baseDir, base, baseState)
			if err != nil {
				return err
			}
			afterURL, err := d.renderState(headDir, head, headState)
			if err != nil {
				return err
			}
			add(StateDiff{Name: baseState.DisplayName(), BeforeURL: beforeURL, AfterURL: afterURL, Change: "Modified", key: baseState.Key()})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return FileResult{File: relPath, Err: err}
	}

	// Restore decoded state order after the parallel fan-out so packing
	// stays deterministic.
	sort.Slice(diffs, func(i, j int) bool { return order[diffs[i].key] < order[diffs[j].key] })

	log.Debug().Str("file", relPath).Int("changed_states", len(diffs)).Msg("Sprite sheet diffed")
	return FileResult{File: relPath, ChangeType: "MODIFIED", States: diffs}
}
