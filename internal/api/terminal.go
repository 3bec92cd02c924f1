package api

import (
	"net/http"
	"strings"

	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/sandbox"
)

// Execute runs one command in the sandbox and records it in the session's
// history. A non-zero exit code is a successful execution.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	session, ok := h.runningSession(w, r)
	if !ok {
		return
	}
	var req sandbox.ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	command := strings.TrimSpace(req.Command)
	if command == "" {
		Error(w, http.StatusBadRequest, "command is required")
		return
	}

	ctx := r.Context()
	result, err := h.rt.Exec(ctx, session.ContainerID, command)
	if err != nil {
		h.log.Error("command execution failed", "session_id", session.ID, "error", err)
		Error(w, http.StatusBadGateway, "failed to execute command")
		return
	}

	rec := domain.CommandRecord{
		Input:     command,
		Output:    result.Output,
		ExitCode:  result.ExitCode,
		Timestamp: h.now().UTC(),
	}
	if err := h.repo.AppendCommand(ctx, session.ID, rec); err != nil {
		h.log.Warn("failed to record command", "session_id", session.ID, "error", err)
	}
	h.log.Debug("command executed", "session_id", session.ID, "exit_code", rec.ExitCode, "output_length", len(rec.Output))
	JSON(w, http.StatusOK, rec)
}

// History returns the session's commands, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}
	records, err := h.repo.ListCommands(r.Context(), session.ID)
	if err != nil {
		h.log.Error("failed to list commands", "session_id", session.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	JSON(w, http.StatusOK, sandbox.HistoryResponse{Commands: records})
}
