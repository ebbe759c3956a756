package session

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/pitabwire/dealdesk/model"
	"github.com/pitabwire/dealdesk/reconcile"
)

// textDiff returns a human-readable diff of two strings, cleaned up to word
// and phrase boundaries.
func textDiff(before, after string) []model.DiffChunk {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	chunks := make([]model.DiffChunk, 0, len(diffs))
	for _, d := range diffs {
		op := "equal"
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = "insert"
		case diffmatchpatch.DiffDelete:
			op = "delete"
		}
		chunks = append(chunks, model.DiffChunk{Op: op, Text: d.Text})
	}
	return chunks
}

// fieldChanges describes every dirty field of baseline/working in spec
// order. String fields carry a text diff.
func fieldChanges(specs []reconcile.FieldSpec, baseline, working reconcile.State) []model.FieldChange {
	dirty := make(map[string]struct{})
	for _, k := range reconcile.Changed(baseline, working) {
		dirty[k] = struct{}{}
	}

	changes := make([]model.FieldChange, 0, len(dirty))
	for _, spec := range specs {
		if _, ok := dirty[spec.Key]; !ok {
			continue
		}
		before, after := baseline[spec.Key], working[spec.Key]
		change := model.FieldChange{
			Field:  spec.Key,
			Kind:   string(spec.Kind),
			Label:  spec.Label,
			Before: before.Display(),
			After:  after.Display(),
		}
		if spec.Kind == reconcile.KindString {
			change.Diff = textDiff(before.Text, after.Text)
		}
		changes = append(changes, change)
	}
	return changes
}
