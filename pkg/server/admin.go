package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/synclab/collabd/internal/protocol"
	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/storage"
)

// envelope is the uniform admin response shape.
type envelope struct {
	Data  interface{}        `json:"data,omitempty"`
	Error string             `json:"error,omitempty"`
	Code  protocol.ErrorCode `json:"code,omitempty"`
}

func (s *Server) registerAdminRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/rooms", s.withAuth(s.handleCreateRoom)).Methods(http.MethodPost)
	api.HandleFunc("/rooms", s.handleListRooms).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}", s.handleGetRoom).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{id}", s.withAuth(s.handleUpdateRoom)).Methods(http.MethodPut)
	api.HandleFunc("/rooms/{id}", s.withAuth(s.handleDeleteRoom)).Methods(http.MethodDelete)
	api.HandleFunc("/rooms/{id}/join", s.withAuth(s.handleJoinRoomHTTP)).Methods(http.MethodPost)
	api.HandleFunc("/rooms/{id}/leave", s.withAuth(s.handleLeaveRoomHTTP)).Methods(http.MethodPost)
	api.HandleFunc("/documents", s.withAuth(s.handleCreateDocument)).Methods(http.MethodPost)
	api.HandleFunc("/documents", s.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", s.withAuth(s.handleDeleteDocument)).Methods(http.MethodDelete)
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func respondError(w http.ResponseWriter, code protocol.ErrorCode, message string) {
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeUnauthorized:
		status = http.StatusUnauthorized
	case protocol.CodeAccessDenied, protocol.CodeInsufficientPermissions:
		status = http.StatusForbidden
	case protocol.CodeNotFound:
		status = http.StatusNotFound
	case protocol.CodeInvalidOperation, protocol.CodeMissingField:
		status = http.StatusBadRequest
	case protocol.CodeRoomFull:
		status = http.StatusConflict
	case protocol.CodeRateLimited:
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: message, Code: code})
}

// withAuth resolves the bearer token and passes the user to the handler.
// All mutating admin routes require it.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, storage.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, protocol.CodeUnauthorized, "missing bearer token")
			return
		}

		user, err := s.store.GetUserFromToken(r.Context(), token)
		if err != nil {
			respondError(w, errorCode(err), publicMessage(err))
			return
		}
		next(w, r, user)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptimeSeconds":   int(time.Since(s.startTime).Seconds()),
		"activeRooms":     s.hub.Rooms(),
		"connections":     s.hub.Connections(),
		"activeDocuments": s.engines.Len(),
	})
}

type createRoomRequest struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants"`
	AllowAnonymous  bool   `json:"allowAnonymous"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request, user storage.User) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, protocol.CodeMissingField, "name is required")
		return
	}

	room, err := s.store.CreateRoom(r.Context(), storage.Room{
		Name:            req.Name,
		OwnerID:         user.ID,
		MaxParticipants: req.MaxParticipants,
		AllowAnonymous:  req.AllowAnonymous,
	})
	if err != nil {
		logger.Error("create room: %v", err)
		respondError(w, protocol.CodeInternalError, "could not create room")
		return
	}

	// The creator becomes the room's owner participant.
	if _, err := s.store.UpsertParticipant(r.Context(), storage.Participant{
		RoomID:         room.ID,
		UserID:         user.ID,
		Role:           storage.RoleOwner,
		DisplayName:    user.Name,
		Color:          auth.ColorFor(user.ID),
		PresenceStatus: storage.PresenceOffline,
	}); err != nil {
		logger.Error("create owner participant: %v", err)
		respondError(w, protocol.CodeInternalError, "could not create room")
		return
	}

	respond(w, http.StatusCreated, protocol.RoomInfoFrom(room))
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.ListRooms(r.Context())
	if err != nil {
		logger.Error("list rooms: %v", err)
		respondError(w, protocol.CodeInternalError, "could not list rooms")
		return
	}
	out := make([]protocol.RoomInfo, len(rooms))
	for i, room := range rooms {
		out[i] = protocol.RoomInfoFrom(room)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid room id")
		return
	}
	room, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	participants, err := s.store.ListParticipants(r.Context(), id)
	if err != nil {
		logger.Error("list participants: %v", err)
		respondError(w, protocol.CodeInternalError, "could not load room")
		return
	}
	infos := make([]protocol.ParticipantInfo, len(participants))
	for i, p := range participants {
		infos[i] = protocol.ParticipantInfoFrom(p)
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"room":         protocol.RoomInfoFrom(room),
		"participants": infos,
	})
}

type updateRoomRequest struct {
	Name            *string `json:"name"`
	Status          *string `json:"status"`
	MaxParticipants *int    `json:"maxParticipants"`
	AllowAnonymous  *bool   `json:"allowAnonymous"`
}

func (s *Server) handleUpdateRoom(w http.ResponseWriter, r *http.Request, user storage.User) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid room id")
		return
	}

	room, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	if !s.isRoomManager(r, room, user) {
		respondError(w, protocol.CodeInsufficientPermissions, "only the owner can modify the room")
		return
	}

	var req updateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, protocol.CodeInvalidOperation, "malformed body")
		return
	}
	if req.Name != nil {
		room.Name = *req.Name
	}
	if req.Status != nil {
		room.Status = storage.RoomStatus(*req.Status)
	}
	if req.MaxParticipants != nil {
		room.MaxParticipants = *req.MaxParticipants
	}
	if req.AllowAnonymous != nil {
		room.AllowAnonymous = *req.AllowAnonymous
	}

	updated, err := s.store.UpdateRoom(r.Context(), room)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	respond(w, http.StatusOK, protocol.RoomInfoFrom(updated))
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request, user storage.User) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid room id")
		return
	}

	room, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	if !s.isRoomManager(r, room, user) {
		respondError(w, protocol.CodeInsufficientPermissions, "only the owner can delete the room")
		return
	}

	if err := s.store.DeleteRoom(r.Context(), id); err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	s.engines.DropRoom(id)
	respond(w, http.StatusOK, map[string]string{"deleted": id.String()})
}

type joinRoomHTTPRequest struct {
	DisplayName string  `json:"displayName"`
	UserID      *string `json:"userId"` // owner-only: add another user
	Role        *string `json:"role"`   // owner-only: role for the added user
}

func (s *Server) handleJoinRoomHTTP(w http.ResponseWriter, r *http.Request, user storage.User) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid room id")
		return
	}
	room, err := s.store.GetRoom(r.Context(), id)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}

	var req joinRoomHTTPRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	// An owner may register another user with an explicit role.
	if req.UserID != nil {
		if !s.isRoomManager(r, room, user) {
			respondError(w, protocol.CodeInsufficientPermissions, "only the owner can add participants")
			return
		}
		targetID, err := uuid.Parse(*req.UserID)
		if err != nil {
			respondError(w, protocol.CodeInvalidOperation, "invalid userId")
			return
		}
		role := storage.RoleEditor
		if req.Role != nil {
			role = storage.Role(*req.Role)
			if !role.Valid() {
				respondError(w, protocol.CodeInvalidOperation, "invalid role")
				return
			}
		}
		displayName := req.DisplayName
		if displayName == "" {
			displayName = targetID.String()[:8]
		}
		p, err := s.store.UpsertParticipant(r.Context(), storage.Participant{
			RoomID:         id,
			UserID:         targetID,
			Role:           role,
			DisplayName:    displayName,
			Color:          auth.ColorFor(targetID),
			PresenceStatus: storage.PresenceOffline,
		})
		if err != nil {
			logger.Error("add participant: %v", err)
			respondError(w, protocol.CodeInternalError, "could not add participant")
			return
		}
		respond(w, http.StatusOK, protocol.ParticipantInfoFrom(p))
		return
	}

	p, err := s.admitter.Admit(r.Context(), room, user, req.DisplayName)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	respond(w, http.StatusOK, protocol.ParticipantInfoFrom(p))
}

func (s *Server) handleLeaveRoomHTTP(w http.ResponseWriter, r *http.Request, user storage.User) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid room id")
		return
	}

	p, err := s.store.GetParticipant(r.Context(), id, user.ID)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}

	p.PresenceStatus = storage.PresenceOffline
	p.LastSeen = time.Now()
	if _, err := s.store.UpsertParticipant(r.Context(), p); err != nil {
		logger.Error("leave room: %v", err)
		respondError(w, protocol.CodeInternalError, "could not leave room")
		return
	}
	respond(w, http.StatusOK, map[string]string{"left": id.String()})
}

type createDocumentRequest struct {
	RoomID   string `json:"roomId"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request, user storage.User) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" || req.FilePath == "" {
		respondError(w, protocol.CodeMissingField, "roomId and filePath are required")
		return
	}
	roomID, err := uuid.Parse(req.RoomID)
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid roomId")
		return
	}

	p, err := s.store.GetParticipant(r.Context(), roomID, user.ID)
	if err != nil {
		respondError(w, protocol.CodeAccessDenied, "you are not a participant of this room")
		return
	}
	if !auth.CanEdit(p.Role) {
		respondError(w, protocol.CodeInsufficientPermissions, "viewers cannot create documents")
		return
	}

	doc, err := s.store.CreateDocument(r.Context(), roomID, req.FilePath, req.Content)
	if err != nil {
		logger.Error("create document: %v", err)
		respondError(w, protocol.CodeInternalError, "could not create document")
		return
	}
	respond(w, http.StatusCreated, documentInfo(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(r.URL.Query().Get("roomId"))
	if err != nil {
		respondError(w, protocol.CodeMissingField, "roomId query parameter is required")
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), roomID)
	if err != nil {
		logger.Error("list documents: %v", err)
		respondError(w, protocol.CodeInternalError, "could not list documents")
		return
	}
	out := make([]map[string]interface{}, len(docs))
	for i, d := range docs {
		out[i] = documentInfo(d)
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid document id")
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	info := documentInfo(doc)
	info["content"] = doc.Content
	respond(w, http.StatusOK, info)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, user storage.User) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, protocol.CodeInvalidOperation, "invalid document id")
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}

	p, err := s.store.GetParticipant(r.Context(), doc.RoomID, user.ID)
	if err != nil || !auth.CanEdit(p.Role) {
		respondError(w, protocol.CodeInsufficientPermissions, "no permission to delete this document")
		return
	}

	if err := s.store.DeleteDocument(r.Context(), id); err != nil {
		respondError(w, errorCode(err), publicMessage(err))
		return
	}
	s.engines.Drop(id)
	s.hub.Presence().DropDocument(id)
	respond(w, http.StatusOK, map[string]string{"deleted": id.String()})
}

// isRoomManager reports whether the user owns the room.
func (s *Server) isRoomManager(r *http.Request, room storage.Room, user storage.User) bool {
	if room.OwnerID == user.ID {
		return true
	}
	p, err := s.store.GetParticipant(r.Context(), room.ID, user.ID)
	return err == nil && auth.CanManageRoom(p.Role)
}

func documentInfo(d storage.Document) map[string]interface{} {
	info := map[string]interface{}{
		"id":        d.ID,
		"roomId":    d.RoomID,
		"filePath":  d.FilePath,
		"version":   d.Version,
		"sizeBytes": d.SizeBytes,
		"lineCount": d.LineCount,
		"createdAt": d.CreatedAt,
	}
	if d.LastOperationAt != nil {
		info["lastOperationAt"] = d.LastOperationAt
	}
	return info
}
