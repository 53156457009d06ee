package http

import (
	"net/http"

	"github.com/devgodzilla/devgodzilla/internal/domain/project"
)

func (h *Handlers) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Projects.CreateProject(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "failed to create project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) handleListProjects(w http.ResponseWriter, r *http.Request) {
	status := project.Status(r.URL.Query().Get("status"))

	var (
		projects []project.Project
		err      error
	)
	if status != "" {
		projects, err = h.Projects.ListProjectsByStatus(r.Context(), status)
	} else {
		projects, err = h.Projects.ListProjects(r.Context())
	}
	if err != nil {
		writeDomainError(w, err, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []project.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (h *Handlers) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Projects.GetProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[project.UpdateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.Projects.UpdateProject(r.Context(), id, &req)
	if err != nil {
		writeDomainError(w, err, "failed to update project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if err := h.Projects.DeleteProject(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to delete project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Projects.ArchiveProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to archive project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) handleUnarchiveProject(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.Projects.UnarchiveProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to unarchive project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
