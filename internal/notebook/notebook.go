// Package notebook reads Jupyter notebooks and summarizes their recent and
// erroring code cells for the assistant context.
package notebook

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

// DefaultMaxCells is how many recent code cells a summary keeps.
const DefaultMaxCells = 3

// Notebook is the subset of the ipynb format the summary needs.
type Notebook struct {
	Cells []Cell `json:"cells"`
}

// Cell is one notebook cell.
type Cell struct {
	CellType string    `json:"cell_type"`
	Source   multiline `json:"source"`
	Outputs  []Output  `json:"outputs,omitempty"`
}

// Output is one cell output.
type Output struct {
	OutputType string   `json:"output_type"`
	Ename      string   `json:"ename,omitempty"`
	Evalue     string   `json:"evalue,omitempty"`
	Traceback  []string `json:"traceback,omitempty"`
}

// multiline accepts both forms ipynb uses for text: a string or a list of lines.
type multiline string

func (m *multiline) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("notebook text: %w", err)
	}
	*m = multiline(strings.Join(lines, ""))
	return nil
}

// Parse decodes an ipynb document.
func Parse(r io.Reader) (*Notebook, error) {
	var nb Notebook
	if err := json.NewDecoder(r).Decode(&nb); err != nil {
		return nil, fmt.Errorf("parse notebook: %w", err)
	}
	return &nb, nil
}

// ErrorMessage returns "ename: evalue" for the first error output of the
// cell, or "".
func (c Cell) ErrorMessage() string {
	for _, o := range c.Outputs {
		if o.OutputType != "error" {
			continue
		}
		if o.Evalue == "" {
			return o.Ename
		}
		return o.Ename + ": " + o.Evalue
	}
	return ""
}

// Summarize keeps the last maxCells non-empty code cells and every code cell
// whose outputs include an error. Indexes are positions in the notebook.
func Summarize(nb *Notebook, path string, maxCells int) *domain.NotebookSummary {
	if maxCells <= 0 {
		maxCells = DefaultMaxCells
	}
	sum := &domain.NotebookSummary{Path: path}
	if nb == nil {
		return sum
	}
	var code []domain.NotebookCell
	for i, c := range nb.Cells {
		if c.CellType != "code" || strings.TrimSpace(string(c.Source)) == "" {
			continue
		}
		cell := domain.NotebookCell{Index: i, Source: string(c.Source)}
		if msg := c.ErrorMessage(); msg != "" {
			cell.HasError = true
			cell.ErrorMessage = msg
			sum.ErrorCells = append(sum.ErrorCells, cell)
		}
		code = append(code, cell)
	}
	if len(code) > maxCells {
		code = code[len(code)-maxCells:]
	}
	sum.Cells = code
	return sum
}
