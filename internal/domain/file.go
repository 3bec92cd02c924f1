package domain

import "time"

// File is a unit of remote storage owned by a session.
type File struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Language  string    `json:"language"`
	IsFolder  bool      `json:"is_folder,omitempty"`
	Modified  bool      `json:"-"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of the file.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}
