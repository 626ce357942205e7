package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"marketrush/internal/engine"
	"marketrush/internal/reconcile"
	"marketrush/internal/store"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderRooms(raw map[string]any) error {
	rooms := decodeRows(raw, "rooms", reconcile.RoomFromRow)
	accent.Println("\n== OPEN ROOMS ==")
	if len(rooms) == 0 {
		printInfo("No open rooms. Create one with `mrx rooms create`.")
		return nil
	}
	fmt.Printf("%-38s %-12s %8s %8s %-20s\n", "ID", "STATUS", "MIN", "MAX", "CREATED")
	for _, r := range rooms {
		fmt.Printf("%-38s %-12s %8d %8d %-20s\n",
			r.ID,
			r.Status,
			r.MinPlayers,
			r.MaxPlayers,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
		)
	}
	fmt.Println()
	return nil
}

func renderLobby(v reconcile.View) {
	accent.Println("\n== LOBBY ==")
	if len(v.Players) == 0 {
		printInfo("Waiting for players...")
		return
	}
	fmt.Printf("%-18s %-10s\n", "PLAYER", "STATUS")
	for _, p := range v.Players {
		status := p.Status
		if p.Status == store.PlayerInGame {
			status = success.Sprint(p.Status)
		}
		fmt.Printf("%-18s %-10s\n", truncate(p.Username, 18), status)
	}
}

func renderResults(raw map[string]any, roomID string) error {
	rows, _ := raw["results"].([]any)
	accent.Printf("\n== ROOM %s STANDINGS ==\n", truncate(roomID, 12))
	if len(rows) == 0 {
		printInfo("No results yet.")
		return nil
	}
	fmt.Printf("%-6s %-38s %16s\n", "RANK", "PLAYER", "FINAL")
	for _, item := range rows {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rank := "-"
		if v, has := row["rank"].(float64); has {
			rank = strconv.Itoa(int(v))
		}
		balance := int64(0)
		if v, has := row["final_balance_micros"].(float64); has {
			balance = int64(v)
		}
		userID, _ := row["user_id"].(string)
		fmt.Printf("%-6s %-38s %16s\n", rank, truncate(userID, 38), formatMicros(balance))
	}
	fmt.Println()
	return nil
}

func printGameHelp() {
	accent.Println("\n== MARKET RUSH ==")
	printInfo("Commands: buy SYM QTY | sell SYM QTY | market | advance | pause | resume | complete | help | quit")
	printInfo("Levels run on a 60 second clock; the last one ends your run.")
}

func renderRuntime(rt *engine.Runtime) {
	state, err := rt.Snapshot()
	if err != nil {
		return
	}
	remaining := state.LevelSeconds - state.ElapsedSeconds
	if remaining < 0 {
		remaining = 0
	}
	accent.Printf("\n== LEVEL %d/%d ==  %ds left", state.Level+1, engine.LevelCount, remaining)
	if state.Paused {
		warn.Printf("  [PAUSED]")
	}
	fmt.Println()
	fmt.Printf("Balance: %s credits   Trades: %d\n", formatMicros(state.BalanceMicros), state.ActionCount)

	fmt.Printf("%-8s %12s %12s %9s %10s %12s\n", "SYMBOL", "PRICE", "OPEN", "LEVEL%", "HELD", "AVG COST")
	for _, s := range state.Stocks {
		h := state.Holdings[s.Name]
		levelPct := 0.0
		if s.OpenPriceMicros != 0 {
			levelPct = (float64(s.PriceMicros-s.OpenPriceMicros) / float64(s.OpenPriceMicros)) * 100
		}
		avg := "-"
		if h.Quantity > 0 {
			avg = formatMicros(h.AvgCostMicros)
		}
		fmt.Printf("%-8s %12s %12s %9s %10d %12s\n",
			s.Name,
			formatMicros(s.PriceMicros),
			formatMicros(s.OpenPriceMicros),
			colorizePercent(levelPct),
			h.Quantity,
			avg,
		)
	}
	fmt.Println()
}

func printTrade(act engine.Action) {
	verb := "Bought"
	if act.Kind == engine.ActionSell {
		verb = "Sold"
	}
	printSuccess(fmt.Sprintf("%s %d %s @ %s", verb, act.Quantity, act.Stock, formatMicros(act.UnitPriceMicros)))
}

func renderFinalSession(raw map[string]any) {
	accent.Println("\n== FINAL RESULT ==")
	if v, ok := raw["final_balance_micros"].(float64); ok {
		final := int64(v)
		fmt.Printf("Final balance: %s credits (%s vs start)\n",
			formatMicros(final),
			colorizeMicros(final-engine.StartingBalanceMicros),
		)
	}
	if report, ok := raw["report"].(string); ok && strings.TrimSpace(report) != "" {
		fmt.Println()
		neutral.Println(report)
	}
	fmt.Println()
}

func colorizeMicros(v int64) string {
	text := signedMicros(v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func colorizePercent(v float64) string {
	text := fmt.Sprintf("%+.2f%%", v)
	switch {
	case v > 0:
		return success.Sprint(text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func formatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / engine.MicrosPerCredit
	frac := (v % engine.MicrosPerCredit) / 10_000
	return fmt.Sprintf("%s%s.%02d", sign, comma(whole), frac)
}

func signedMicros(v int64) string {
	if v > 0 {
		return "+" + formatMicros(v)
	}
	return formatMicros(v)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
