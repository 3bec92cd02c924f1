// Package language maps file names to the content-type tags used by editors
// and terminals.
package language

import (
	"path"
	"strings"
)

// Plaintext is the tag for unrecognized or missing extensions.
const Plaintext = "plaintext"

var byExtension = map[string]string{
	".py":    "python",
	".pyw":   "python",
	".ipynb": "python",
	".js":    "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cxx":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".go":    "go",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".html":  "html",
	".htm":   "html",
	".css":   "css",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".md":    "markdown",
	".sh":    "shell",
	".bash":  "shell",
	".zsh":   "shell",
	".sql":   "sql",
	".xml":   "xml",
	".txt":   Plaintext,
}

var byName = map[string]string{
	"dockerfile": "dockerfile",
	"makefile":   "makefile",
}

// Detect returns the content-type tag for name. Lookup is case-insensitive
// and only considers the base name.
func Detect(name string) string {
	base := strings.ToLower(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if tag, ok := byName[base]; ok {
		return tag
	}
	ext := path.Ext(base)
	if ext == "" || ext == base {
		return Plaintext
	}
	if tag, ok := byExtension[ext]; ok {
		return tag
	}
	return Plaintext
}
