package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"winback-settlement/internal/model"
)

func (s *Server) createPosition(w http.ResponseWriter, r *http.Request) {
	var req model.CreatePositionReq
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.positions.CreatePosition(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, pos)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	status := model.PositionStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusUnconfigured, model.StatusActive, model.StatusSettled:
	default:
		jsonErr(w, http.StatusBadRequest, "status must be unconfigured, active or settled")
		return
	}
	list, err := s.store.ListPositions(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []model.Position{}
	}
	json200(w, list)
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.store.GetPosition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, pos)
}

func (s *Server) configurePosition(w http.ResponseWriter, r *http.Request) {
	var req model.ConfigurePositionReq
	if !decode(w, r, &req) {
		return
	}
	pos, err := s.positions.Configure(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, pos)
}

func (s *Server) evaluatePosition(w http.ResponseWriter, r *http.Request) {
	ev, err := s.positions.Evaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, ev)
}

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.positions.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	json200(w, pos)
}
