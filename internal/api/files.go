package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/language"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

var errInvalidPath = errors.New("invalid path")

// cleanPath normalizes a workspace-relative path and rejects names that
// would leave the work directory.
func cleanPath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" {
		return "", errInvalidPath
	}
	for _, part := range strings.Split(p, "/") {
		if part == "" || part == "." || part == ".." {
			return "", errInvalidPath
		}
	}
	if _, err := container.ResolvePath("/", p); err != nil {
		return "", errInvalidPath
	}
	return p, nil
}

func withLanguage(f *domain.File) *domain.File {
	if !f.IsFolder {
		f.Language = language.Detect(f.Path)
	}
	return f
}

// ListFiles returns the session's files and folders ordered by path.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	files, err := h.repo.ListFiles(r.Context(), session.ID)
	if err != nil {
		h.log.Error("failed to list files", "session_id", session.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	for _, f := range files {
		withLanguage(f)
	}
	JSON(w, http.StatusOK, sandbox.FilesResponse{Files: files})
}

// GetFile returns one file with its content.
func (h *Handler) GetFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	file, ok := h.loadFile(w, r, session.ID)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, file)
}

func (h *Handler) loadFile(w http.ResponseWriter, r *http.Request, sessionID string) (*domain.File, bool) {
	fileID := chi.URLParam(r, "fileID")
	file, err := h.repo.GetFile(r.Context(), sessionID, fileID)
	if err != nil {
		h.log.Error("failed to load file", "session_id", sessionID, "file_id", fileID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load file")
		return nil, false
	}
	if file == nil {
		Error(w, http.StatusNotFound, "file not found")
		return nil, false
	}
	return withLanguage(file), true
}

// CreateFile creates a file in the store and in the sandbox.
func (h *Handler) CreateFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	var req sandbox.CreateFileRequest
	if !decode(w, r, &req) {
		return
	}
	h.createEntry(w, r, session, req.Path, req.Content, false)
}

// CreateFolder creates an empty folder.
func (h *Handler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	session, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	var req sandbox.CreateFolderRequest
	if !decode(w, r, &req) {
		return
	}
	h.createEntry(w, r, session, req.Path, "", true)
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request, session *domain.Session, rawPath, content string, folder bool) {
	p, err := cleanPath(rawPath)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid path")
		return
	}
	ctx := r.Context()
	file := &domain.File{
		ID:        h.newID(),
		Path:      p,
		Content:   content,
		IsFolder:  folder,
		UpdatedAt: h.now().UTC(),
	}
	if err := h.repo.CreateFile(ctx, session.ID, file); err != nil {
		if errors.Is(err, store.ErrDuplicatePath) {
			Error(w, http.StatusConflict, "a file or folder named "+p+" already exists")
			return
		}
		h.log.Error("failed to create file", "session_id", session.ID, "path", p, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create file")
		return
	}

	if err := h.mirrorCreate(ctx, session.ContainerID, file); err != nil {
		h.log.Error("failed to write file to sandbox", "session_id", session.ID, "path", p, "error", err)
		if delErr := h.repo.DeleteFile(ctx, session.ID, file.ID); delErr != nil {
			h.log.Warn("failed to roll back file row", "session_id", session.ID, "file_id", file.ID, "error", delErr)
		}
		Error(w, http.StatusBadGateway, "failed to write file to sandbox")
		return
	}
	JSON(w, http.StatusCreated, withLanguage(file))
}

func (h *Handler) mirrorCreate(ctx context.Context, containerID string, file *domain.File) error {
	if file.IsFolder {
		return h.rt.MakeDir(ctx, containerID, file.Path)
	}
	return h.rt.WriteFile(ctx, containerID, file.Path, file.Content)
}

// SaveFile replaces a file's content.
func (h *Handler) SaveFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	file, ok := h.loadFile(w, r, session.ID)
	if !ok {
		return
	}
	if file.IsFolder {
		Error(w, http.StatusBadRequest, "cannot save a folder")
		return
	}
	var req sandbox.SaveFileRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	if err := h.rt.WriteFile(ctx, session.ContainerID, file.Path, req.Content); err != nil {
		h.log.Error("failed to write file to sandbox", "session_id", session.ID, "path", file.Path, "error", err)
		Error(w, http.StatusBadGateway, "failed to write file to sandbox")
		return
	}
	at := h.now().UTC()
	if err := h.repo.UpdateFileContent(ctx, session.ID, file.ID, req.Content, at); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "file not found")
			return
		}
		h.log.Error("failed to save file", "session_id", session.ID, "file_id", file.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	file.Content = req.Content
	file.UpdatedAt = at
	JSON(w, http.StatusOK, file)
}

// DeleteFile removes a file, or a folder with everything under it.
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	file, ok := h.loadFile(w, r, session.ID)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.rt.RemovePath(ctx, session.ContainerID, file.Path); err != nil {
		h.log.Error("failed to remove path in sandbox", "session_id", session.ID, "path", file.Path, "error", err)
		Error(w, http.StatusBadGateway, "failed to delete file in sandbox")
		return
	}
	if err := h.repo.DeleteFile(ctx, session.ID, file.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Error("failed to delete file", "session_id", session.ID, "file_id", file.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete file")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenameFile moves a file, or a folder with everything under it.
func (h *Handler) RenameFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	file, ok := h.loadFile(w, r, session.ID)
	if !ok {
		return
	}
	var req sandbox.RenameFileRequest
	if !decode(w, r, &req) {
		return
	}
	newPath, err := cleanPath(req.Path)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid path")
		return
	}
	if newPath == file.Path {
		JSON(w, http.StatusOK, file)
		return
	}
	if file.IsFolder && strings.HasPrefix(newPath, file.Path+"/") {
		Error(w, http.StatusBadRequest, "cannot move a folder into itself")
		return
	}

	ctx := r.Context()
	at := h.now().UTC()
	if err := h.repo.RenameFile(ctx, session.ID, file.ID, newPath, at); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicatePath):
			Error(w, http.StatusConflict, "a file or folder named "+newPath+" already exists")
		case errors.Is(err, store.ErrNotFound):
			Error(w, http.StatusNotFound, "file not found")
		default:
			h.log.Error("failed to rename file", "session_id", session.ID, "file_id", file.ID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to rename file")
		}
		return
	}
	if err := h.rt.Move(ctx, session.ContainerID, file.Path, newPath); err != nil {
		h.log.Error("failed to move path in sandbox", "session_id", session.ID, "from", file.Path, "to", newPath, "error", err)
		if rbErr := h.repo.RenameFile(ctx, session.ID, file.ID, file.Path, file.UpdatedAt); rbErr != nil {
			h.log.Warn("failed to roll back rename", "session_id", session.ID, "file_id", file.ID, "error", rbErr)
		}
		Error(w, http.StatusBadGateway, "failed to rename file in sandbox")
		return
	}

	file.Path = newPath
	file.UpdatedAt = at
	JSON(w, http.StatusOK, withLanguage(file))
}
