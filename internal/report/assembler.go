// Package report packs rendered diff lines into report chunks that fit the
// review platform's size limits. The platform caps a report body at roughly
// 65k characters; we stop below that to leave markup headroom.
package report

import (
	"fmt"
	"strings"
)

const (
	// DetailCeiling bounds a single collapsible detail block.
	DetailCeiling = 55_000
	// ReportCeiling bounds a whole report chunk body.
	ReportCeiling = 60_000
)

// Output is one report payload. The first output of a build is the primary
// report, later ones are continuations attached to the same check.
type Output struct {
	Title   string
	Summary string
	Text    string
}

// FileEntry carries the rendered lines for one file, in the order the diff
// engine produced them. Header, when set, is repeated at the top of every
// detail block the entry spans (table headers need this to survive a split).
type FileEntry struct {
	File       string
	ChangeType string
	Header     string
	Lines      []string
}

// Assembler accumulates file entries in insertion order and packs them into
// size-bounded outputs. Packing is deterministic: the same entries in the
// same order always produce the same chunk boundaries.
type Assembler struct {
	title   string
	summary string
	entries []FileEntry
}

func NewAssembler(title, summary string) *Assembler {
	return &Assembler{title: title, summary: summary}
}

// Add appends a file's lines to the report.
func (a *Assembler) Add(entry FileEntry) {
	a.entries = append(a.entries, entry)
}

// AddError appends an inline error block for a file whose decode or render
// failed. Sibling files are unaffected.
func (a *Assembler) AddError(file string, err error) {
	a.entries = append(a.entries, FileEntry{
		File:       file,
		ChangeType: "ERROR",
		Lines:      []string{fmt.Sprintf("```\n%v\n```", err)},
	})
}

// Empty reports whether anything has been added.
func (a *Assembler) Empty() bool {
	return len(a.entries) == 0
}

type detailBlock struct {
	title      string
	changeType string
	body       string
}

func (b detailBlock) render() string {
	return fmt.Sprintf("<details><summary>%s (%s)</summary>\n\n%s\n</details>\n\n", b.title, b.changeType, strings.TrimRight(b.body, "\n"))
}

// splitDetails turns the entries into detail blocks, closing a block whenever
// the next line would push its body past DetailCeiling. A file spanning more
// than one block gets a per-file counter in its title.
func (a *Assembler) splitDetails() []detailBlock {
	var blocks []detailBlock
	counters := make(map[string]int)

	for _, entry := range a.entries {
		var body strings.Builder
		flush := func() {
			n := counters[entry.File]
			counters[entry.File] = n + 1
			blocks = append(blocks, detailBlock{
				title:      fmt.Sprintf("%s (%d)", entry.File, n),
				changeType: entry.ChangeType,
				body:       body.String(),
			})
			body.Reset()
		}

		if entry.Header != "" {
			body.WriteString(entry.Header)
			body.WriteByte('\n')
		}
		for _, line := range entry.Lines {
			if body.Len() > 0 && body.Len()+len(line) > DetailCeiling {
				flush()
				if entry.Header != "" {
					body.WriteString(entry.Header)
					body.WriteByte('\n')
				}
			}
			body.WriteString(line)
			body.WriteByte('\n')
		}
		if body.Len() > 0 {
			flush()
		}
	}
	return blocks
}

// Build packs the detail blocks into report chunks. A chunk closes when the
// next block would push its body past ReportCeiling; the trailing chunk is
// always flushed when non-empty, so no content is ever dropped.
func (a *Assembler) Build() []Output {
	blocks := a.splitDetails()
	if len(blocks) == 0 {
		return nil
	}

	var outputs []Output
	var body strings.Builder
	for _, block := range blocks {
		text := block.render()
		if body.Len() > 0 && body.Len()+len(text) > ReportCeiling {
			outputs = append(outputs, Output{Title: a.title, Summary: a.summary, Text: body.String()})
			body.Reset()
		}
		body.WriteString(text)
	}
	if body.Len() > 0 {
		outputs = append(outputs, Output{Title: a.title, Summary: a.summary, Text: body.String()})
	}
	return outputs
}
