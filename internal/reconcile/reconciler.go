package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"marketrush/internal/feed"
	"marketrush/internal/store"
)

// Source is the authoritative read side used for resyncs, the backstop
// poll and username backfill.
type Source interface {
	ListOpenRooms(ctx context.Context) ([]store.GameRoom, error)
	ListRoomPlayers(ctx context.Context, roomID string) ([]store.RoomPlayer, error)
	GetRoomPlayer(ctx context.Context, roomID, userID string) (store.RoomPlayer, error)
}

// View is a point-in-time copy of the reconciled state.
type View struct {
	Rooms   []store.GameRoom
	Players []store.RoomPlayer
}

type Config struct {
	// UserID is the local player; their transition to in_game triggers
	// the hand-off callback.
	UserID string
	// RoomID is the focused room whose player list is tracked.
	RoomID string

	Source Source
	Logger *slog.Logger

	// PollEvery is the backstop poll interval (default 5s).
	PollEvery time.Duration

	OnChange  func(View)
	OnHandOff func(sessionID string)
}

// Reconciler merges live change-feed events and periodic authoritative
// polls into one cached view of the lobby and the focused room. Events
// may arrive duplicated, reordered or not at all; merging is keyed by
// row id with wall-clock recency deciding conflicts.
type Reconciler struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	rooms     map[string]store.GameRoom
	players   map[string]store.RoomPlayer
	handedOff bool
}

func New(cfg Config) *Reconciler {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		cfg:     cfg,
		log:     cfg.Logger,
		rooms:   make(map[string]store.GameRoom),
		players: make(map[string]store.RoomPlayer),
	}
}

// Tables lists the feed tables the reconciler consumes.
func Tables() []string { return []string{"game_rooms", "room_players"} }

// Run drives the backstop poll until the context ends. Feed delivery is
// wired separately (Apply as the event handler, Resync on feed errors);
// the poll keeps the view honest even if the feed silently drops.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Resync(ctx); err != nil {
				r.log.Warn("backstop poll failed", "err", err)
			}
		}
	}
}

// Apply merges one change-feed event into the cached view.
func (r *Reconciler) Apply(ev feed.Event) {
	var changed bool
	switch ev.Table {
	case "game_rooms":
		changed = r.applyRoomEvent(ev)
	case "room_players":
		changed = r.applyPlayerEvent(ev)
	}
	if changed {
		r.notify()
	}
}

func (r *Reconciler) applyRoomEvent(ev feed.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Type {
	case feed.EventDelete:
		id := rowString(ev.Old, "id")
		if id == "" {
			id = rowString(ev.New, "id")
		}
		if _, ok := r.rooms[id]; ok {
			delete(r.rooms, id)
			return true
		}
		return false
	default:
		room := RoomFromRow(ev.New)
		if room.ID == "" {
			return false
		}
		// Room rows carry no timestamp, so recency is judged by the
		// monotonic status order: a delayed stale UPDATE never moves a
		// room backwards. Duplicate INSERTs collapse onto the same key.
		cached, had := r.rooms[room.ID]
		if had && statusRank(room.Status) < statusRank(cached.Status) {
			return false
		}
		r.rooms[room.ID] = room
		if !roomListable(room) {
			// Terminal rooms stay cached so a late stale UPDATE cannot
			// resurrect them in the lobby; the view filters them out.
			return had && roomListable(cached)
		}
		return true
	}
}

func (r *Reconciler) applyPlayerEvent(ev feed.Event) bool {
	switch ev.Type {
	case feed.EventDelete:
		id := rowString(ev.Old, "id")
		if id == "" {
			id = rowString(ev.New, "id")
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.players[id]; ok {
			delete(r.players, id)
			return true
		}
		return false
	default:
		p := PlayerFromRow(ev.New)
		if p.ID == "" {
			return false
		}
		changed := r.mergePlayer(p)
		if changed && p.Username == "" {
			// INSERT payloads may carry a bare row; show a placeholder
			// now and backfill the display name off the hot path.
			go r.backfillUsername(p.RoomID, p.UserID)
		}
		return changed
	}
}

// mergePlayer applies membership and recency rules: rows outside the
// focused room or for players who left are evicted, and an event older
// than the cached row never regresses it.
func (r *Reconciler) mergePlayer(p store.RoomPlayer) bool {
	r.mu.Lock()
	var handOff func()
	defer func() {
		r.mu.Unlock()
		if handOff != nil {
			handOff()
		}
	}()

	cached, exists := r.players[p.ID]
	if exists && p.UpdatedAt.Before(cached.UpdatedAt) {
		return false
	}
	if p.RoomID != r.cfg.RoomID || !p.InRoom() {
		if exists {
			delete(r.players, p.ID)
			return true
		}
		return false
	}
	if p.Username == "" && exists {
		p.Username = cached.Username
	}
	if p.Username == "" {
		p.Username = "player"
	}
	r.players[p.ID] = p

	if !r.handedOff && p.UserID == r.cfg.UserID && p.Status == store.PlayerInGame && p.SessionID != nil {
		r.handedOff = true
		if r.cfg.OnHandOff != nil {
			sid := *p.SessionID
			handOff = func() { r.cfg.OnHandOff(sid) }
		}
	}
	return true
}

func (r *Reconciler) backfillUsername(roomID, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := r.cfg.Source.GetRoomPlayer(ctx, roomID, userID)
	if err != nil {
		r.log.Warn("username backfill failed", "room_id", roomID, "user_id", userID, "err", err)
		return
	}
	if r.mergePlayer(p) {
		r.notify()
	}
}

// Resync reloads the authoritative state. A cached player row observed
// more recently than its polled counterpart is kept, so a slow poll
// never undoes a fresher optimistic update.
func (r *Reconciler) Resync(ctx context.Context) error {
	rooms, err := r.cfg.Source.ListOpenRooms(ctx)
	if err != nil {
		return err
	}
	var players []store.RoomPlayer
	if r.cfg.RoomID != "" {
		players, err = r.cfg.Source.ListRoomPlayers(ctx, r.cfg.RoomID)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	nextRooms := make(map[string]store.GameRoom, len(rooms))
	for _, room := range rooms {
		if roomListable(room) {
			nextRooms[room.ID] = room
		}
	}
	// Terminal rooms the poll no longer returns keep their cached row so
	// delayed feed events cannot resurrect them between polls.
	for id, cached := range r.rooms {
		if _, ok := nextRooms[id]; !ok && !roomListable(cached) {
			nextRooms[id] = cached
		}
	}
	r.rooms = nextRooms
	next := make(map[string]store.RoomPlayer, len(players))
	for _, p := range players {
		if !p.InRoom() {
			continue
		}
		if cached, ok := r.players[p.ID]; ok && cached.UpdatedAt.After(p.UpdatedAt) {
			p = cached
		}
		next[p.ID] = p
	}
	r.players = next
	r.mu.Unlock()

	for _, p := range players {
		r.checkHandOff(p)
	}
	r.notify()
	return nil
}

func (r *Reconciler) checkHandOff(p store.RoomPlayer) {
	r.mu.Lock()
	fire := !r.handedOff && p.UserID == r.cfg.UserID && p.Status == store.PlayerInGame && p.SessionID != nil
	if fire {
		r.handedOff = true
	}
	r.mu.Unlock()
	if fire && r.cfg.OnHandOff != nil {
		r.cfg.OnHandOff(*p.SessionID)
	}
}

// OnFeedError is the subscriber error hook: any feed trouble forces a
// full resynchronizing reload.
func (r *Reconciler) OnFeedError(err error) {
	r.log.Warn("feed error, resyncing", "err", err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if rerr := r.Resync(ctx); rerr != nil {
		r.log.Error("resync after feed error failed", "err", rerr)
	}
}

// Snapshot returns the current view, rooms newest first and players in
// join order.
func (r *Reconciler) Snapshot() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

func (r *Reconciler) viewLocked() View {
	v := View{
		Rooms:   make([]store.GameRoom, 0, len(r.rooms)),
		Players: make([]store.RoomPlayer, 0, len(r.players)),
	}
	for _, room := range r.rooms {
		if !roomListable(room) {
			continue
		}
		v.Rooms = append(v.Rooms, room)
	}
	sort.Slice(v.Rooms, func(i, j int) bool { return v.Rooms[i].CreatedAt.After(v.Rooms[j].CreatedAt) })
	for _, p := range r.players {
		v.Players = append(v.Players, p)
	}
	sort.Slice(v.Players, func(i, j int) bool {
		if !v.Players[i].UpdatedAt.Equal(v.Players[j].UpdatedAt) {
			return v.Players[i].UpdatedAt.Before(v.Players[j].UpdatedAt)
		}
		return v.Players[i].ID < v.Players[j].ID
	})
	return v
}

func (r *Reconciler) notify() {
	if r.cfg.OnChange == nil {
		return
	}
	r.mu.Lock()
	v := r.viewLocked()
	r.mu.Unlock()
	r.cfg.OnChange(v)
}

func roomListable(room store.GameRoom) bool {
	switch room.Status {
	case store.RoomOpen, store.RoomPreparing, store.RoomInProgress:
		return true
	default:
		return false
	}
}

// statusRank orders room statuses along their one-way lifecycle.
func statusRank(status string) int {
	switch status {
	case store.RoomOpen:
		return 0
	case store.RoomPreparing:
		return 1
	case store.RoomInProgress:
		return 2
	default:
		return 3
	}
}
