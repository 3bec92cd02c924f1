// Package assistctx assembles the context blob attached to assistant
// requests from the current file, command history and notebook state.
package assistctx

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/history"
)

// DefaultExcerptLimit bounds code excerpts and error output, in runes.
const DefaultExcerptLimit = 2000

const (
	BeginMarker     = "--- context ---"
	EndMarker       = "--- end context ---"
	truncatedMarker = "... [truncated]"
)

// Input is everything the aggregator reads. All fields are optional.
type Input struct {
	File         *domain.File
	History      []domain.CommandRecord
	Notebook     *domain.NotebookSummary
	ExcerptLimit int
}

// Build derives a context blob. It has no side effects and keeps no state.
// A notebook summary, when present, replaces the file excerpt.
func Build(in Input) domain.ContextBlob {
	limit := in.ExcerptLimit
	if limit <= 0 {
		limit = DefaultExcerptLimit
	}
	blob := domain.ContextBlob{Source: domain.SourceNone}

	switch {
	case !in.Notebook.Empty():
		nb := *in.Notebook
		nb.Cells = boundCells(nb.Cells, limit)
		nb.ErrorCells = boundCells(nb.ErrorCells, limit)
		blob.Source = domain.SourceNotebook
		blob.FileName = nb.Path
		blob.Language = "python"
		blob.Notebook = &nb
	case in.File != nil && !in.File.IsFolder:
		excerpt, truncated := Truncate(in.File.Content, limit)
		blob.Source = domain.SourceFile
		blob.FileName = in.File.Path
		blob.Language = in.File.Language
		blob.CodeExcerpt = excerpt
		blob.Truncated = truncated
		blob.Unsaved = in.File.Modified
	}

	for i := len(in.History) - 1; i >= 0; i-- {
		rec := in.History[i]
		output := ansi.Strip(rec.Output)
		if !HasErrorIndicator(output) {
			continue
		}
		rec.Output, _ = Truncate(output, limit)
		blob.ErrorCommand = &rec
		break
	}
	return blob
}

// HasErrorIndicator reports whether text contains "error", "exception" or
// "traceback", ignoring case.
func HasErrorIndicator(text string) bool {
	return history.ContainsAny(text, history.ErrorVocabulary)
}

// Truncate keeps the first limit runes of s and reports whether anything
// was cut.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 {
		return s, false
	}
	r := []rune(s)
	if len(r) <= limit {
		return s, false
	}
	return string(r[:limit]), true
}

func boundCells(cells []domain.NotebookCell, limit int) []domain.NotebookCell {
	if len(cells) == 0 {
		return nil
	}
	out := make([]domain.NotebookCell, len(cells))
	for i, c := range cells {
		c.Source, _ = Truncate(c.Source, limit)
		c.ErrorMessage = ansi.Strip(c.ErrorMessage)
		out[i] = c
	}
	return out
}

// Format renders the blob as a delimited section appended to user text.
// An empty blob formats to "".
func Format(blob domain.ContextBlob) string {
	if !blob.HasCode() && !blob.HasError() {
		return ""
	}
	var b strings.Builder
	b.WriteString(BeginMarker)
	b.WriteString("\n")

	switch blob.Source {
	case domain.SourceFile:
		fmt.Fprintf(&b, "File: %s (%s", blob.FileName, blob.Language)
		if blob.Unsaved {
			b.WriteString(", unsaved changes")
		}
		b.WriteString(")\n```" + blob.Language + "\n")
		b.WriteString(blob.CodeExcerpt)
		if blob.Truncated {
			b.WriteString("\n" + truncatedMarker)
		}
		b.WriteString("\n```\n")
	case domain.SourceNotebook:
		nb := blob.Notebook
		if nb.Path != "" {
			fmt.Fprintf(&b, "Notebook: %s\n", nb.Path)
		}
		for _, c := range nb.Cells {
			fmt.Fprintf(&b, "Cell [%d]:\n```python\n%s\n```\n", c.Index, c.Source)
		}
		for _, c := range nb.ErrorCells {
			fmt.Fprintf(&b, "Cell [%d] raised: %s\n", c.Index, c.ErrorMessage)
		}
	}

	if rec := blob.ErrorCommand; rec != nil {
		fmt.Fprintf(&b, "Last error (exit %d): $ %s\n%s\n", rec.ExitCode, rec.Input, strings.TrimRight(rec.Output, "\n"))
	}
	b.WriteString(EndMarker)
	return b.String()
}

// Compose returns the outbound message text: the user's literal text, then
// the context section when there is one.
func Compose(text string, blob domain.ContextBlob) string {
	section := Format(blob)
	if section == "" {
		return text
	}
	return text + "\n\n" + section
}

// Descriptor summarizes the blob for the conversation turn it is attached to.
func Descriptor(blob domain.ContextBlob) *domain.ContextDescriptor {
	if !blob.HasCode() && !blob.HasError() {
		return nil
	}
	d := &domain.ContextDescriptor{FileName: blob.FileName, CodeExcerpt: blob.CodeExcerpt}
	if blob.ErrorCommand != nil {
		d.ErrorText = blob.ErrorCommand.Output
	} else if blob.Notebook != nil && len(blob.Notebook.ErrorCells) > 0 {
		d.ErrorText = blob.Notebook.ErrorCells[len(blob.Notebook.ErrorCells)-1].ErrorMessage
	}
	return d
}
