package domain

// ContextSource names which primary code source a context blob carries.
type ContextSource string

const (
	SourceNone     ContextSource = "none"
	SourceFile     ContextSource = "file"
	SourceNotebook ContextSource = "notebook"
)

// NotebookCell is one cell of a notebook summary.
type NotebookCell struct {
	Index        int    `json:"index"`
	Source       string `json:"source"`
	HasError     bool   `json:"has_error,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NotebookSummary is the structured cell summary handed out by a notebook provider.
type NotebookSummary struct {
	Path       string         `json:"path,omitempty"`
	Cells      []NotebookCell `json:"cells"`
	ErrorCells []NotebookCell `json:"error_cells,omitempty"`
}

// Empty reports whether the summary carries no cells at all.
func (n *NotebookSummary) Empty() bool {
	return n == nil || (len(n.Cells) == 0 && len(n.ErrorCells) == 0)
}

// ContextBlob is the derived, on-demand description of the learner's current
// code, file and error state. It is never persisted.
type ContextBlob struct {
	Source       ContextSource    `json:"source"`
	FileName     string           `json:"file_name,omitempty"`
	Language     string           `json:"language,omitempty"`
	CodeExcerpt  string           `json:"code_excerpt,omitempty"`
	Truncated    bool             `json:"truncated,omitempty"`
	Unsaved      bool             `json:"unsaved,omitempty"`
	ErrorCommand *CommandRecord   `json:"error_command,omitempty"`
	Notebook     *NotebookSummary `json:"notebook,omitempty"`
}

// HasCode reports whether the blob carries a primary code source.
func (b ContextBlob) HasCode() bool {
	return b.Source != SourceNone && b.Source != ""
}

// HasError reports whether the blob carries error context, either a failed
// command or an erroring notebook cell.
func (b ContextBlob) HasError() bool {
	if b.ErrorCommand != nil {
		return true
	}
	return b.Notebook != nil && len(b.Notebook.ErrorCells) > 0
}
