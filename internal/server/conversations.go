package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/opensesame/sesame/internal/store"
)

type createConversationRequest struct {
	ID           string `json:"id,omitempty"`
	Title        string `json:"title,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	lang := strings.TrimSpace(req.LanguageCode)
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	c, err := s.backend.CreateConversation(r.Context(), store.Conversation{
		ID:           strings.TrimSpace(req.ID),
		Title:        req.Title,
		LanguageCode: lang,
	})
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("archived"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "archived must be a boolean")
			return
		}
		opts.IncludeArchived = b
	}

	convs, err := s.backend.ListConversations(r.Context(), opts)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.backend.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	var u store.ConversationUpdate
	if !s.decodeJSONBody(w, r, &u) {
		return
	}
	c, err := s.backend.UpdateConversation(r.Context(), r.PathValue("id"), u)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.backend.ListMessages(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	msgs, err := s.backend.SearchMessages(r.Context(), q.Get("q"), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
