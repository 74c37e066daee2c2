// Package diff computes line-oriented diffs between two version bodies.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	OpEqual   = "unchanged"
	OpAdded   = "added"
	OpRemoved = "removed"
)

// Line is one hunk of the line diff. Value keeps the original line
// breaks so the two sides can be reassembled verbatim.
type Line struct {
	Op    string `json:"op"`
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Result is the full comparison between two texts.
type Result struct {
	Lines   []Line `json:"lines"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// Compare diffs two texts at line granularity. Equal inputs produce a
// single equal hunk (or none for two empty strings) and zero counts.
func Compare(from, to string) Result {
	dmp := diffmatchpatch.New()
	fromRunes, toRunes, lineArray := dmp.DiffLinesToRunes(from, to)
	diffs := dmp.DiffMainRunes(fromRunes, toRunes, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	result := Result{Lines: make([]Line, 0, len(diffs))}
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		line := Line{Value: d.Text, Count: countLines(d.Text)}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			line.Op = OpAdded
			result.Added += line.Count
		case diffmatchpatch.DiffDelete:
			line.Op = OpRemoved
			result.Removed += line.Count
		default:
			line.Op = OpEqual
		}
		result.Lines = append(result.Lines, line)
	}
	return result
}

func countLines(text string) int {
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
