package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SteamVC/SteamVC_Relay/internal/service"
)

// RoomHandler はルームの参照系RESTを提供します
type RoomHandler struct {
	svc        *service.RelayService
	instanceID string
	log        *slog.Logger
}

func NewRoomHandler(s *service.RelayService, instanceID string, logger *slog.Logger) *RoomHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomHandler{svc: s, instanceID: instanceID, log: logger}
}

func (h *RoomHandler) Users(w http.ResponseWriter, r *http.Request) {
	room := normalizeID(chi.URLParam(r, "room"))
	if err := validateRoom(room); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	users, err := h.svc.OnlineUsersIn(r.Context(), room)
	if err != nil {
		h.log.Error("list users failed", "room", room, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"room": room, "users": users})
}

func (h *RoomHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"instanceId":  h.instanceID,
		"connections": h.svc.Connections(),
	})
}
