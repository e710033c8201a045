package sprites

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	sheets map[string]*Sheet // keyed by dir
	err    error
}

func (f *fakeDecoder) Decode(dir, relPath, sha string) (*Sheet, error) {
	if f.err != nil {
		return nil, f.err
	}
	sheet, ok := f.sheets[dir]
	if !ok {
		return nil, fmt.Errorf("no sheet for %s/%s", dir, relPath)
	}
	return sheet, nil
}

type fakeRenderer struct {
	mu            sync.Mutex
	rendered      []string // "<dir>:<state key>"
	compared      []string // state keys passed to FramesEqual
	pixelsDiffer  map[string]bool
	renderErrFor  string
	compareErrFor string
}

func (f *fakeRenderer) RenderState(dir string, sheet *Sheet, st State, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renderErrFor != "" && st.Key() == f.renderErrFor {
		return "", errors.New("rasterizer exploded")
	}
	f.rendered = append(f.rendered, dir+":"+st.Key())
	return target + ".png", nil
}

func (f *fakeRenderer) FramesEqual(baseDir string, base *Sheet, baseState State, headDir string, head *Sheet, headState State) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.compareErrFor != "" && baseState.Key() == f.compareErrFor {
		return false, errors.New("compare exploded")
	}
	f.compared = append(f.compared, baseState.Key())
	return !f.pixelsDiffer[baseState.Key()], nil
}

func (f *fakeRenderer) comparedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.compared...)
}

func sheet(sha string, states ...State) *Sheet {
	return &Sheet{Path: "icons/pets.dmi", Sha: sha, ContentHash: 1234, States: states}
}

func newTestDiffer(dec Decoder, ren Renderer, t *testing.T) *Differ {
	return NewDiffer(dec, ren, t.TempDir(), "https://assets.example.com", "77/42")
}

func TestAddedFileRendersEveryState(t *testing.T) {
	states := []State{
		{Name: "cat", Frames: 1},
		{Name: "dog", Frames: 2},
		{Name: "", Frames: 1}, // unnamed default state
		{Name: "cat", Duplicate: 1, Frames: 1},
		{Name: "fish", Frames: 3},
	}
	dec := &fakeDecoder{sheets: map[string]*Sheet{"/head": sheet("bbbb", states...)}}
	ren := &fakeRenderer{}
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "", "bbbb", "", "/head")
	require.NoError(t, res.Err)
	assert.Equal(t, "ADDED", res.ChangeType)
	require.Len(t, res.States, 5)

	names := make([]string, 0, 5)
	for _, s := range res.States {
		assert.Equal(t, "Created", s.Change)
		assert.Empty(t, s.BeforeURL)
		assert.NotEmpty(t, s.AfterURL)
		names = append(names, s.Name)
	}
	assert.Contains(t, names, DefaultStateName)
	assert.Contains(t, names, "cat [1]")
}

func TestRemovedFileRendersFromBase(t *testing.T) {
	dec := &fakeDecoder{sheets: map[string]*Sheet{"/base": sheet("aaaa", State{Name: "cat"})}}
	ren := &fakeRenderer{}
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "", "/base", "")
	require.NoError(t, res.Err)
	assert.Equal(t, "DELETED", res.ChangeType)
	require.Len(t, res.States, 1)
	assert.Equal(t, "Deleted", res.States[0].Change)
	assert.NotEmpty(t, res.States[0].BeforeURL)
	assert.Empty(t, res.States[0].AfterURL)
}

func TestModifiedUnchangedStateNotReported(t *testing.T) {
	st := State{Name: "cat", Frames: 2, Delays: []float64{1, 2}}
	dec := &fakeDecoder{sheets: map[string]*Sheet{
		"/base": sheet("aaaa", st),
		"/head": sheet("bbbb", st),
	}}
	ren := &fakeRenderer{} // pixels equal by default
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "bbbb", "/base", "/head")
	require.NoError(t, res.Err)
	assert.Empty(t, res.States, "identical metadata and pixels must not be reported")
	assert.Equal(t, []string{"cat"}, ren.comparedKeys(), "intersection states are pixel-compared")
}

func TestModifiedMetadataShortCircuitsPixelCompare(t *testing.T) {
	dec := &fakeDecoder{sheets: map[string]*Sheet{
		"/base": sheet("aaaa", State{Name: "cat", Frames: 2}),
		"/head": sheet("bbbb", State{Name: "cat", Frames: 3}),
	}}
	ren := &fakeRenderer{}
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "bbbb", "/base", "/head")
	require.NoError(t, res.Err)
	require.Len(t, res.States, 1)
	assert.Equal(t, "Modified", res.States[0].Change)
	assert.Empty(t, ren.comparedKeys(), "metadata mismatch must skip the pixel compare")
}

func TestModifiedPixelOnlyChangeIsReported(t *testing.T) {
	st := State{Name: "cat", Frames: 1}
	dec := &fakeDecoder{sheets: map[string]*Sheet{
		"/base": sheet("aaaa", st),
		"/head": sheet("bbbb", st),
	}}
	ren := &fakeRenderer{pixelsDiffer: map[string]bool{"cat": true}}
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "bbbb", "/base", "/head")
	require.NoError(t, res.Err)
	require.Len(t, res.States, 1)
	assert.Equal(t, "Modified", res.States[0].Change)
	assert.NotEmpty(t, res.States[0].BeforeURL)
	assert.NotEmpty(t, res.States[0].AfterURL)
}

func TestModifiedSymmetricDifference(t *testing.T) {
	dec := &fakeDecoder{sheets: map[string]*Sheet{
		"/base": sheet("aaaa", State{Name: "kept"}, State{Name: "gone"}),
		"/head": sheet("bbbb", State{Name: "kept"}, State{Name: "new"}),
	}}
	ren := &fakeRenderer{pixelsDiffer: map[string]bool{"kept": true}}
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "bbbb", "/base", "/head")
	require.NoError(t, res.Err)
	require.Len(t, res.States, 3)

	changes := map[string]string{}
	for _, s := range res.States {
		changes[s.Name] = s.Change
	}
	assert.Equal(t, "Deleted", changes["gone"])
	assert.Equal(t, "Created", changes["new"])
	assert.Equal(t, "Modified", changes["kept"])
	// Only the intersection is evaluated as a modification candidate.
	assert.Equal(t, []string{"kept"}, ren.comparedKeys())
}

func TestModifiedOutputOrderIsStable(t *testing.T) {
	dec := &fakeDecoder{sheets: map[string]*Sheet{
		"/base": sheet("aaaa", State{Name: "a"}, State{Name: "b"}, State{Name: "c"}),
		"/head": sheet("bbbb", State{Name: "a"}, State{Name: "b"}, State{Name: "c"}, State{Name: "d"}),
	}}
	ren := &fakeRenderer{pixelsDiffer: map[string]bool{"a": true, "b": true, "c": true}}
	d := newTestDiffer(dec, ren, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "bbbb", "/base", "/head")
	require.NoError(t, res.Err)
	var names []string
	for _, s := range res.States {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names)
}

func TestDecodeFailureIsPerAsset(t *testing.T) {
	dec := &fakeDecoder{err: errors.New("bad magic")}
	d := newTestDiffer(dec, &fakeRenderer{}, t)

	res := d.DiffFile(context.Background(), "icons/pets.dmi", "aaaa", "bbbb", "/base", "/head")
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "bad magic")
}

func TestArtifactNamesAreDistinctAndStable(t *testing.T) {
	sh := sheet("aaaa", State{Name: "cat"}, State{Name: "cat", Duplicate: 1})
	a := artifactName(sh, sh.States[0])
	b := artifactName(sh, sh.States[1])
	assert.NotEqual(t, a, b, "duplicate states must not share an artifact name")
	assert.Equal(t, a, artifactName(sh, sh.States[0]), "artifact names are stable across runs")
}

func TestReportEntryFormatsTable(t *testing.T) {
	res := FileResult{
		File:       "icons/pets.dmi",
		ChangeType: "MODIFIED",
		States: []StateDiff{
			{Name: "cat", BeforeURL: "u/old.png", AfterURL: "u/new.png", Change: "Modified"},
		},
	}
	entry := res.ReportEntry()
	assert.Equal(t, "icons/pets.dmi", entry.File)
	require.Len(t, entry.Lines, 1)
	assert.Contains(t, entry.Lines[0], "![](u/old.png)")
	assert.Contains(t, entry.Lines[0], "![](u/new.png)")
	assert.Contains(t, entry.Header, "| State |")
}
