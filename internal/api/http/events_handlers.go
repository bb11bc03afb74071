package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pesalock/pesalock/internal/domain/event"
)

// eventStream is the SSE endpoint. Each connection is auto-subscribed to
// the caller's personal channel; transaction rooms are joined explicitly
// through the room endpoints, which run the view guard first.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := event.NewClient(clientID, auth.User.UserID)
	s.sseHub.Register(client)
	defer s.sseHub.UnregisterClient(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected client_id=" + clientID + "\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

type roomRequest struct {
	ClientID string `json:"clientId"`
}

// joinRoom subscribes a connection to a transaction room. Membership is
// gated on the same view guard as reading the transaction, so an outsider
// cannot observe its events. The connection must belong to the caller:
// room membership of other users' connections is not theirs to change.
func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if !s.ownsClient(auth, req.ClientID) {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "connection does not belong to caller")
		return
	}
	transactionID := transactionIDParam(r)
	if _, _, err := s.escrowSvc.Get(r.Context(), auth.User, transactionID); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := s.sseHub.Join(req.ClientID, event.TransactionRoom(transactionID)); err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}

func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	auth := authUserFromContext(r.Context())
	var req roomRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if !s.ownsClient(auth, req.ClientID) {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "connection does not belong to caller")
		return
	}
	if err := s.sseHub.Leave(req.ClientID, event.TransactionRoom(transactionIDParam(r))); err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "OK"})
}

func (s *Server) ownsClient(auth *AuthUser, clientID string) bool {
	client := s.sseHub.Client(clientID)
	return client != nil && client.UserID == auth.User.UserID
}
