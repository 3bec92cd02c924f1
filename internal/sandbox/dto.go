package sandbox

import "github.com/redmage123/course-creator-sub015/internal/domain"

type StartSessionRequest struct {
	ExerciseID string `json:"exercise_id"`
	CourseID   string `json:"course_id,omitempty"`
	// Fresh ends an existing active session and starts a new one in its place.
	Fresh bool `json:"fresh,omitempty"`
}

type CreateFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type SaveFileRequest struct {
	Content string `json:"content"`
}

type RenameFileRequest struct {
	Path string `json:"path"`
}

type CreateFolderRequest struct {
	Path string `json:"path"`
}

type ExecuteRequest struct {
	Command string `json:"command"`
}

type FilesResponse struct {
	Files []*domain.File `json:"files"`
}

type HistoryResponse struct {
	Commands []domain.CommandRecord `json:"commands"`
}
