package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cl "marketrush/internal/cli"
	"marketrush/internal/config"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "mrx",
		Short:        "Market Rush CLI game client",
		SilenceUsage: true,
	}

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newRoomsCmd(&apiBase),
		newPlayCmd(&apiBase),
		newResultsCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to Market Rush",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptRequired("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			session, err := client.Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newRoomsCmd(apiBase *string) *cobra.Command {
	rooms := &cobra.Command{
		Use:     "rooms",
		Short:   "Multiplayer room commands",
		Aliases: []string{"room"},
	}
	rooms.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).ListRooms(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			return renderRooms(out)
		},
	})
	rooms.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Create a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			min, err := promptInt64("Min players", 1)
			if err != nil {
				return err
			}
			max, err := promptInt64("Max players", min)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).CreateRoom(ctx, sess.AccessToken, int(min), int(max))
			if err != nil {
				return err
			}
			id, _ := out["id"].(string)
			printSuccess(fmt.Sprintf("Room created: %s (join with `mrx rooms join %s`)", id, id))
			return nil
		},
	})
	rooms.AddCommand(&cobra.Command{
		Use:   "join [room_id]",
		Short: "Join a room and remember it for play",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			roomID, err := roomIDFromArgsOrPrompt(args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).JoinRoom(ctx, sess.AccessToken, roomID); err != nil {
				return err
			}
			sess.RoomID = roomID
			if err := cl.SaveSession(sess); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Joined room %s. Run `mrx play` to enter the lobby.", roomID))
			return nil
		},
	})
	rooms.AddCommand(&cobra.Command{
		Use:   "leave [room_id]",
		Short: "Leave a room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			roomID := sess.RoomID
			if len(args) > 0 {
				roomID = strings.TrimSpace(args[0])
			}
			if roomID == "" {
				return fmt.Errorf("no room to leave")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).LeaveRoom(ctx, sess.AccessToken, roomID); err != nil {
				return err
			}
			if sess.RoomID == roomID {
				sess.RoomID = ""
				if err := cl.SaveSession(sess); err != nil {
					return err
				}
			}
			printSuccess("Left room.")
			return nil
		},
	})
	rooms.AddCommand(&cobra.Command{
		Use:   "start [room_id]",
		Short: "Start the game for everyone in the room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			roomID := sess.RoomID
			if len(args) > 0 {
				roomID = strings.TrimSpace(args[0])
			}
			if roomID == "" {
				return fmt.Errorf("join a room first")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).StartRoom(ctx, sess.AccessToken, roomID); err != nil {
				return err
			}
			printSuccess("Game starting. Run `mrx play` in each player's terminal.")
			return nil
		},
	})
	return rooms
}

func newResultsCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "results [room_id]",
		Short: "Show the room leaderboard",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			roomID := sess.RoomID
			if len(args) > 0 {
				roomID = strings.TrimSpace(args[0])
			}
			if roomID == "" {
				return fmt.Errorf("no room selected")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).RoomResults(ctx, sess.AccessToken, roomID)
			if err != nil {
				return err
			}
			return renderResults(out, roomID)
		},
	}
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay journaled offline writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			replayed, remaining, err := cl.ReplayJournal(ctx, newClient(apiBase), sess.AccessToken)
			if err != nil {
				return err
			}
			if replayed == 0 && remaining == 0 {
				printInfo("Journal is empty.")
				return nil
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", replayed, remaining))
			return nil
		},
	}
}

func roomIDFromArgsOrPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	return promptRequired("Room ID")
}
