package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pairchat/internal/database"
	"github.com/npezzotti/pairchat/internal/protocol"
	"github.com/npezzotti/pairchat/internal/server"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/npezzotti/pairchat/internal/types"
)

const (
	serviceName    = "pairchat-realtime"
	serviceVersion = "1.0.0"
)

type HealthResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Println(errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Name:    serviceName,
		Version: serviceVersion,
		Status:  "ok",
	}

	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		resp.Status = "unavailable"
		s.writeJson(w, http.StatusServiceUnavailable, resp)
		return
	}

	s.writeJson(w, http.StatusOK, resp)
}

func toCouple(c database.Couple) types.Couple {
	couple := types.Couple{Id: c.Id, User1Id: c.User1Id}
	if c.User2Id != nil {
		couple.User2Id = *c.User2Id
	}
	return couple
}

// authorize resolves the handshake parameters to a verified user. The
// returned error is nil only when userId may join coupleId.
func (s *ChatApp) authorize(coupleId, userId, token string) *ApiError {
	if coupleId == "" || userId == "" || token == "" {
		return NewBadRequestErrorf("coupleId, userId and token are required")
	}

	sub, err := s.verifyToken(token)
	if err != nil {
		s.log.Printf("failed to verify token: %v", err)
		return NewUnauthorizedError()
	}
	if sub != userId {
		s.log.Printf("token subject %q does not match user %q", sub, userId)
		return NewUnauthorizedError()
	}

	dbCouple, err := s.db.GetCoupleByUserId(userId)
	if errors.Is(err, database.ErrCoupleNotFound) {
		return NewForbiddenError()
	}
	if err != nil {
		return NewInternalServerError(err)
	}

	couple := toCouple(dbCouple)
	if couple.Id != coupleId || !couple.HasMember(userId) {
		s.log.Printf("user %q is not a member of couple %q", userId, coupleId)
		return NewForbiddenError()
	}

	return nil
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	coupleId := r.PathValue("coupleId")
	userId := r.URL.Query().Get("userId")
	token := r.URL.Query().Get("token")

	if errResp := s.authorize(coupleId, userId, token); errResp != nil {
		s.stats.Incr(stats.NumRejectedConnections)
		s.writeError(w, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	conn := server.NewConn(ws, userId, s.log)
	room, connId, err := s.registry.Join(coupleId, conn, userId)
	if err != nil {
		s.log.Printf("join room %q: %v", coupleId, err)
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"))
		ws.Close()
		return
	}

	conn.Serve(room, connId)
}

func (s *ChatApp) internalBroadcast(w http.ResponseWriter, r *http.Request) {
	coupleId := r.PathValue("coupleId")
	if coupleId == "" {
		s.writeError(w, NewBadRequestErrorf("coupleId is required"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBroadcastBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, NewRequestEntityTooLargeError())
			return
		}
		s.writeError(w, NewBadRequestError())
		return
	}

	frame, err := protocol.Parse(body)
	if err != nil {
		s.writeError(w, NewBadRequestErrorf("invalid frame: %v", err))
		return
	}

	if !frame.Type.External() {
		s.writeError(w, NewBadRequestErrorf("message type %q cannot be broadcast externally", frame.Type))
		return
	}

	if frame.Timestamp == 0 {
		frame.Timestamp = protocol.Now()
	}

	s.registry.ExternalBroadcast(coupleId, frame)
	w.WriteHeader(http.StatusAccepted)
}
