package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"marketrush/internal/auth"
	"marketrush/internal/config"
	"marketrush/internal/engine"
	"marketrush/internal/rooms"
	"marketrush/internal/saga"
	"marketrush/internal/store"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID   string
	Email    string
	Username string
	Token    string
}

type Server struct {
	cfg        config.APIConfig
	log        *slog.Logger
	auth       *auth.SupabaseClient
	gw         store.Gateway
	rooms      *rooms.Service
	completion *saga.Completion
	hub        *Hub
	mux        *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, authClient *auth.SupabaseClient, gw store.Gateway, roomSvc *rooms.Service, completion *saga.Completion, hub *Hub) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		log:        logger,
		auth:       authClient,
		gw:         gw,
		rooms:      roomSvc,
		completion: completion,
		hub:        hub,
		mux:        chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/rooms", s.handleRoomsList)
			r.Post("/rooms", s.handleRoomCreate)
			r.Post("/rooms/{id}/join", s.handleRoomJoin)
			r.Post("/rooms/{id}/leave", s.handleRoomLeave)
			r.Post("/rooms/{id}/start", s.handleRoomStart)
			r.Get("/rooms/{id}/players", s.handleRoomPlayers)
			r.Get("/rooms/{id}/results", s.handleRoomResults)

			r.Post("/sessions", s.handleSessionCreate)
			r.Get("/sessions/{id}", s.handleSessionGet)
			r.Post("/sessions/{id}/actions", s.handleActionSave)
			r.Get("/sessions/{id}/actions", s.handleActionsList)
			r.Put("/sessions/{id}/balance", s.handleBalanceSave)
			r.Post("/sessions/{id}/complete", s.handleSessionComplete)

			r.Get("/feed", s.handleFeed)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on websocket dials; the feed
			// accepts the token as a query parameter instead.
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID:   user.ID,
			Email:    user.Email,
			Username: user.Username(),
			Token:    token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleRoomsList(w http.ResponseWriter, r *http.Request) {
	list, err := s.rooms.ListOpen(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, room := range list {
		out = append(out, roomJSON(room))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": out})
}

func (s *Server) handleRoomCreate(w http.ResponseWriter, r *http.Request) {
	if _, err := userFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		MinPlayers int `json:"min_players"`
		MaxPlayers int `json:"max_players"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, err := s.rooms.Create(r.Context(), in.MinPlayers, in.MaxPlayers)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roomJSON(room))
}

func (s *Server) handleRoomJoin(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	player, err := s.rooms.Join(r.Context(), chi.URLParam(r, "id"), user.UserID, user.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playerJSON(player))
}

func (s *Server) handleRoomLeave(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.rooms.Leave(r.Context(), chi.URLParam(r, "id"), user.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRoomStart(w http.ResponseWriter, r *http.Request) {
	if _, err := userFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err := s.rooms.Start(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRoomPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.gw.ListRoomPlayers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(players))
	for _, p := range players {
		out = append(out, playerJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": out})
}

func (s *Server) handleRoomResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.gw.ListResults(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		row := map[string]any{
			"room_id":              res.RoomID,
			"session_id":           res.SessionID,
			"user_id":              res.UserID,
			"final_balance_micros": res.FinalBalanceMicros,
			"completed_at":         res.CompletedAt.UTC().Format(time.RFC3339Nano),
		}
		if res.Rank != nil {
			row["rank"] = *res.Rank
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sess := store.GameSession{
		ID:                    uuid.NewString(),
		UserID:                user.UserID,
		StartingBalanceMicros: engine.StartingBalanceMicros,
		BalanceMicros:         engine.StartingBalanceMicros,
		CreatedAt:             time.Now(),
	}
	if err := s.gw.UpsertSession(r.Context(), sess); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionJSON(sess))
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sess, err := s.gw.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != user.UserID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(sess))
}

func (s *Server) handleActionSave(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sessionID := chi.URLParam(r, "id")
	sess, err := s.gw.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != user.UserID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}

	var in struct {
		ID              string `json:"id"`
		Level           int    `json:"level"`
		Stock           string `json:"stock"`
		Kind            string `json:"kind"`
		UnitPriceMicros int64  `json:"unit_price_micros"`
		Quantity        int64  `json:"quantity"`
		AvgCostMicros   int64  `json:"avg_cost_micros"`
		QuantityAfter   int64  `json:"quantity_after"`
		At              string `json:"at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.ID == "" || in.Stock == "" {
		writeError(w, http.StatusBadRequest, "action id and stock are required")
		return
	}
	if in.Kind != "buy" && in.Kind != "sell" {
		writeError(w, http.StatusBadRequest, "kind must be buy or sell")
		return
	}
	if in.Quantity < 1 {
		writeDomainError(w, engine.ErrInvalidQuantity)
		return
	}
	at, err := time.Parse(time.RFC3339Nano, in.At)
	if err != nil {
		at = time.Now()
	}
	// The action id doubles as the idempotency key; replays land on the
	// same row.
	if err := s.gw.SaveAction(r.Context(), store.GameAction{
		ID:              in.ID,
		SessionID:       sessionID,
		Level:           in.Level,
		Stock:           in.Stock,
		Kind:            in.Kind,
		UnitPriceMicros: in.UnitPriceMicros,
		Quantity:        in.Quantity,
		AvgCostMicros:   in.AvgCostMicros,
		QuantityAfter:   in.QuantityAfter,
		At:              at,
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleActionsList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sessionID := chi.URLParam(r, "id")
	sess, err := s.gw.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != user.UserID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	actions, err := s.gw.ListActions(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(actions))
	for _, a := range actions {
		out = append(out, map[string]any{
			"id":                a.ID,
			"level":             a.Level,
			"stock":             a.Stock,
			"kind":              a.Kind,
			"unit_price_micros": a.UnitPriceMicros,
			"quantity":          a.Quantity,
			"avg_cost_micros":   a.AvgCostMicros,
			"quantity_after":    a.QuantityAfter,
			"at":                a.At.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": out})
}

func (s *Server) handleBalanceSave(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sessionID := chi.URLParam(r, "id")
	sess, err := s.gw.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != user.UserID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	var in struct {
		BalanceMicros int64 `json:"balance_micros"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gw.SaveBalance(r.Context(), sessionID, in.BalanceMicros); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	sessionID := chi.URLParam(r, "id")
	sess, err := s.gw.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.UserID != user.UserID {
		writeError(w, http.StatusForbidden, "not your session")
		return
	}
	var in struct {
		FinalBalanceMicros int64 `json:"final_balance_micros"`
		Force              bool  `json:"force"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.completion.Run(r.Context(), saga.Input{
		SessionID:          sessionID,
		UserID:             user.UserID,
		RoomID:             sess.RoomID,
		FinalBalanceMicros: in.FinalBalanceMicros,
		Force:              in.Force,
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	final, err := s.gw.GetSession(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(final))
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if _, err := userFromContext(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.hub.ServeWS(w, r)
}

func roomJSON(r store.GameRoom) map[string]any {
	row := map[string]any{
		"id":          r.ID,
		"min_players": r.MinPlayers,
		"max_players": r.MaxPlayers,
		"status":      r.Status,
		"created_at":  r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.EndedAt != nil {
		row["ended_at"] = r.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func playerJSON(p store.RoomPlayer) map[string]any {
	row := map[string]any{
		"id":         p.ID,
		"room_id":    p.RoomID,
		"user_id":    p.UserID,
		"username":   p.Username,
		"status":     p.Status,
		"updated_at": p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.SessionID != nil {
		row["session_id"] = *p.SessionID
	}
	if p.CompletedAt != nil {
		row["completed_at"] = p.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func sessionJSON(s store.GameSession) map[string]any {
	row := map[string]any{
		"id":                      s.ID,
		"user_id":                 s.UserID,
		"starting_balance_micros": s.StartingBalanceMicros,
		"balance_micros":          s.BalanceMicros,
		"created_at":              s.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.RoomID != nil {
		row["room_id"] = *s.RoomID
	}
	if s.FinalBalanceMicros != nil {
		row["final_balance_micros"] = *s.FinalBalanceMicros
	}
	if s.Report != nil {
		row["report"] = *s.Report
	}
	if s.CompletedAt != nil {
		row["completed_at"] = s.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rooms.ErrRoomFull), errors.Is(err, rooms.ErrRoomNotJoinable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rooms.ErrNotEnoughPlayers), errors.Is(err, rooms.ErrBadCapacity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrAmountTooLarge):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrStockNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
