package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	cl "marketrush/internal/cli"
	"marketrush/internal/engine"
	"marketrush/internal/reconcile"
	"marketrush/internal/store"
)

func newPlayCmd(apiBase *string) *cobra.Command {
	var solo bool
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a trading run (room lobby or solo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			client := newClient(apiBase)
			ctx := cmd.Context()

			if replayed, remaining, err := cl.ReplayJournal(ctx, client, sess.AccessToken); err == nil && replayed+remaining > 0 {
				printInfo(fmt.Sprintf("Journal: replayed=%d remaining=%d", replayed, remaining))
			}

			var sessionID string
			roomID := sess.RoomID
			if solo || roomID == "" {
				out, err := client.CreateSession(ctx, sess.AccessToken)
				if err != nil {
					return err
				}
				sessionID, _ = out["id"].(string)
				roomID = ""
			} else {
				printInfo(fmt.Sprintf("Waiting in room %s lobby...", roomID))
				sessionID, err = waitForHandOff(ctx, client, sess, roomID)
				if err != nil {
					return err
				}
			}
			if sessionID == "" {
				return fmt.Errorf("no game session assigned")
			}

			sess.GameSessionID = sessionID
			if err := cl.SaveSession(sess); err != nil {
				return err
			}
			return runGame(ctx, client, sess.AccessToken, sessionID, roomID)
		},
	}
	cmd.Flags().BoolVar(&solo, "solo", false, "skip the room lobby and play alone")
	return cmd
}

// apiSource adapts the HTTP client to the reconciler's poll interface.
type apiSource struct {
	client *cl.Client
	token  string
}

func (s *apiSource) ListOpenRooms(ctx context.Context) ([]store.GameRoom, error) {
	out, err := s.client.ListRooms(ctx, s.token)
	if err != nil {
		return nil, err
	}
	return decodeRows(out, "rooms", reconcile.RoomFromRow), nil
}

func (s *apiSource) ListRoomPlayers(ctx context.Context, roomID string) ([]store.RoomPlayer, error) {
	out, err := s.client.RoomPlayers(ctx, s.token, roomID)
	if err != nil {
		return nil, err
	}
	return decodeRows(out, "players", reconcile.PlayerFromRow), nil
}

func (s *apiSource) GetRoomPlayer(ctx context.Context, roomID, userID string) (store.RoomPlayer, error) {
	players, err := s.ListRoomPlayers(ctx, roomID)
	if err != nil {
		return store.RoomPlayer{}, err
	}
	for _, p := range players {
		if p.UserID == userID {
			return p, nil
		}
	}
	return store.RoomPlayer{}, store.ErrNotFound
}

func decodeRows[T any](out map[string]any, key string, from func(map[string]any) T) []T {
	raw, _ := out[key].([]any)
	rows := make([]T, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, from(m))
		}
	}
	return rows
}

// waitForHandOff watches the lobby until the server assigns this player
// an in_game session. Live events drive the view; the reconciler's
// backstop poll covers missed ones.
func waitForHandOff(ctx context.Context, client *cl.Client, sess cl.Session, roomID string) (string, error) {
	lobbyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handOff := make(chan string, 1)
	rec := reconcile.New(reconcile.Config{
		UserID:   sess.UserID,
		RoomID:   roomID,
		Source:   &apiSource{client: client, token: sess.AccessToken},
		OnChange: renderLobby,
		OnHandOff: func(sessionID string) {
			select {
			case handOff <- sessionID:
			default:
			}
		},
	})
	if err := rec.Resync(lobbyCtx); err != nil {
		return "", err
	}
	go rec.Run(lobbyCtx)
	go pumpFeed(lobbyCtx, client, sess.AccessToken, rec)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case sessionID := <-handOff:
		printSuccess("Game starting!")
		return sessionID, nil
	}
}

// pumpFeed keeps a feed subscription alive, redialing after drops. Every
// drop triggers a reconciler resync so nothing stays missed.
func pumpFeed(ctx context.Context, client *cl.Client, token string, rec *reconcile.Reconciler) {
	for ctx.Err() == nil {
		conn, err := client.DialFeed(ctx, token, reconcile.Tables())
		if err != nil {
			rec.OnFeedError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			ev, err := conn.Next()
			if err != nil {
				conn.Close()
				if ctx.Err() == nil {
					rec.OnFeedError(err)
				}
				break
			}
			rec.Apply(ev)
		}
	}
}

// remotePersister is the engine's write-behind target. Trades that fail
// to arrive are journaled for `mrx sync`; the server rebuilds balances
// from the action log either way.
type remotePersister struct {
	client      *cl.Client
	token       string
	lastBalance atomic.Int64
}

func newRemotePersister(client *cl.Client, token string) *remotePersister {
	p := &remotePersister{client: client, token: token}
	p.lastBalance.Store(engine.StartingBalanceMicros)
	return p
}

func actionBody(a engine.Action) map[string]any {
	return map[string]any{
		"id":                a.ID,
		"level":             a.Level,
		"stock":             a.Stock,
		"kind":              string(a.Kind),
		"unit_price_micros": a.UnitPriceMicros,
		"quantity":          a.Quantity,
		"avg_cost_micros":   a.AvgCostMicros,
		"quantity_after":    a.QuantityAfter,
		"at":                a.At.UTC().Format(time.RFC3339Nano),
	}
}

func (p *remotePersister) SaveAction(ctx context.Context, sessionID string, a engine.Action) error {
	_, err := p.client.SaveAction(ctx, p.token, sessionID, actionBody(a))
	if err != nil && !cl.IsAPIError(err) {
		if jerr := cl.AppendJournal(cl.Entry{
			Method: "POST",
			Path:   "/v1/sessions/" + sessionID + "/actions",
			Body:   actionBody(a),
		}); jerr == nil {
			return nil
		}
	}
	return err
}

func (p *remotePersister) SaveBalance(ctx context.Context, sessionID string, balanceMicros int64) error {
	p.lastBalance.Store(balanceMicros)
	_, err := p.client.SaveBalance(ctx, p.token, sessionID, balanceMicros)
	if err != nil && !cl.IsAPIError(err) {
		// The action log is authoritative; a lost balance write heals on
		// completion.
		return nil
	}
	return err
}

func runGame(ctx context.Context, client *cl.Client, token, sessionID, roomID string) error {
	gameCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	persist := newRemotePersister(client, token)
	done := make(chan bool, 1)

	var rt *engine.Runtime
	rt = engine.NewRuntime(engine.Config{
		SessionID:    sessionID,
		LevelSeconds: 60,
		Stocks:       defaultStocks(),
		Schedule:     defaultSchedule(),
		Persist:      persist,
		Complete: func(ctx context.Context, force bool) error {
			// Runs off the loop goroutine, so asking the runtime for its
			// balance is safe; the persister's copy covers a closed loop.
			final := persist.lastBalance.Load()
			if st, err := rt.Snapshot(); err == nil {
				final = st.BalanceMicros
			}
			_, err := client.CompleteSession(ctx, token, sessionID, final, force)
			return err
		},
		OnCompleted: func(local bool) {
			select {
			case done <- local:
			default:
			}
		},
	})
	go rt.Run(gameCtx)
	defer rt.Close()

	printGameHelp()
	renderRuntime(rt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-gameCtx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-gameCtx.Done():
			return gameCtx.Err()
		case local := <-done:
			return finishGame(ctx, client, token, sessionID, roomID, local)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleGameLine(rt, line); quit {
				return nil
			}
		}
	}
}

func handleGameLine(rt *engine.Runtime, line string) bool {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		renderRuntime(rt)
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "buy", "sell":
		if len(fields) != 3 {
			printWarn("Usage: buy SYMBOL QTY")
			return false
		}
		stock := strings.ToUpper(fields[1])
		qty, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			printWarn("Quantity must be a whole number.")
			return false
		}
		var act engine.Action
		if strings.ToLower(fields[0]) == "buy" {
			act, err = rt.Buy(stock, qty)
		} else {
			act, err = rt.Sell(stock, qty)
		}
		if err != nil {
			printError(err.Error())
			return false
		}
		printTrade(act)
		renderRuntime(rt)
	case "advance", "next":
		if err := rt.Advance(); err != nil {
			printError(err.Error())
			return false
		}
		renderRuntime(rt)
	case "pause":
		if err := rt.Pause(); err == nil {
			printInfo("Paused. Clock and trading are frozen.")
		}
	case "resume":
		if err := rt.Resume(); err == nil {
			printInfo("Resumed.")
			renderRuntime(rt)
		}
	case "complete", "finish":
		if err := rt.Complete(); err != nil {
			printError(err.Error())
		}
	case "market", "m", "state":
		renderRuntime(rt)
	case "help", "h", "?":
		printGameHelp()
	case "quit", "q", "exit":
		return true
	default:
		printWarn("Unknown command. Type `help`.")
	}
	return false
}

func finishGame(ctx context.Context, client *cl.Client, token, sessionID, roomID string, local bool) error {
	if local {
		printWarn("Run finished. The server has not confirmed yet; standings may lag until the background sweep catches up.")
	} else {
		printSuccess("Run finished and confirmed.")
	}

	finalCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if out, err := client.GetSession(finalCtx, token, sessionID); err == nil {
		renderFinalSession(out)
	}
	if roomID != "" {
		if out, err := client.RoomResults(finalCtx, token, roomID); err == nil {
			return renderResults(out, roomID)
		}
	}
	return nil
}
