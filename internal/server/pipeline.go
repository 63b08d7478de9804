package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meridianlabs/insight-api/internal/pipeline"
	"github.com/meridianlabs/insight-api/pkg/models"
)

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	stage := models.PipelineStage(r.URL.Query().Get("stage"))

	cards, err := s.pipeline.ListCards(r.Context(), stage)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeData(w, cards)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cardID(w, r)
	if !ok {
		return
	}

	card, err := s.pipeline.GetCard(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeData(w, card)
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var input pipeline.CardInput
	if !s.decodeBody(w, r, &input) {
		return
	}

	card, err := s.pipeline.CreateCard(r.Context(), input, s.actorID(r))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    card,
	})
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cardID(w, r)
	if !ok {
		return
	}
	var input pipeline.CardInput
	if !s.decodeBody(w, r, &input) {
		return
	}

	card, err := s.pipeline.UpdateCard(r.Context(), id, input)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeData(w, card)
}

func (s *Server) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cardID(w, r)
	if !ok {
		return
	}
	var input pipeline.MoveInput
	if !s.decodeBody(w, r, &input) {
		return
	}

	card, err := s.pipeline.MoveCard(r.Context(), id, input, s.actorID(r))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeData(w, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cardID(w, r)
	if !ok {
		return
	}

	if err := s.pipeline.DeleteCard(r.Context(), id, s.actorID(r)); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeData(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleEnsureFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.cardID(w, r)
	if !ok {
		return
	}
	var input struct {
		FolderID string `json:"folderId"`
	}
	if !s.decodeBody(w, r, &input) {
		return
	}

	folderID, err := s.pipeline.EnsureFolder(r.Context(), id, input.FolderID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	s.writeData(w, map[string]string{"folderId": folderID})
}

func (s *Server) cardID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid card ID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) actorID(r *http.Request) uuid.UUID {
	if user := userFrom(r.Context()); user != nil {
		return user.ID
	}
	return uuid.Nil
}
