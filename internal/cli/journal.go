package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// Entry is one write that could not reach the server. Action ids double
// as idempotency keys server side, so replaying an entry twice is safe.
type Entry struct {
	Method string         `json:"method"`
	Path   string         `json:"path"`
	Body   map[string]any `json:"body,omitempty"`
}

func journalPath() (string, error) {
	dir, err := baseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "journal.json"), nil
}

func LoadJournal() ([]Entry, error) {
	path, err := journalPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Entry{}, nil
	}
	var out []Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func SaveJournal(entries []Entry) error {
	path, err := journalPath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func AppendJournal(e Entry) error {
	entries, err := LoadJournal()
	if err != nil {
		return err
	}
	entries = append(entries, e)
	return SaveJournal(entries)
}

// ReplayJournal pushes pending entries in order. An entry the server
// rejects outright is dropped; one that fails to arrive stays queued.
// Returns how many replayed and how many remain.
func ReplayJournal(ctx context.Context, client *Client, accessToken string) (int, int, error) {
	entries, err := LoadJournal()
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}
	remaining := make([]Entry, 0, len(entries))
	replayed := 0
	for _, e := range entries {
		if _, err := client.Do(ctx, e.Method, e.Path, accessToken, e.Body); err != nil {
			if IsAPIError(err) {
				continue
			}
			remaining = append(remaining, e)
			continue
		}
		replayed++
	}
	if err := SaveJournal(remaining); err != nil {
		return replayed, len(remaining), err
	}
	return replayed, len(remaining), nil
}
