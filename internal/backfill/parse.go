// Package backfill replays stored conversation transcripts through the
// extractor so assessments exist for history recorded before aperture ran.
package backfill

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/MikeSquared-Agency/aperture/internal/extractor"
)

// Format names a transcript file layout.
type Format string

const (
	// FormatTurns is one turn per line:
	// {"user_id": "...", "role": "user", "content": "...", "timestamp": "..."}.
	FormatTurns Format = "turns"
	// FormatSession is a chat session log with {"type": "message", "message": {...}}
	// lines. Content may be a string or an array of typed blocks.
	FormatSession Format = "session"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTurns, FormatSession:
		return f, nil
	}
	return "", fmt.Errorf("unknown transcript format %q", s)
}

// Conversation is the ordered history of one user found in a file.
type Conversation struct {
	UserID string
	Turns  []extractor.Turn
}

type turnLine struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type sessionLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseFile reads a transcript file. Lines without a user id are attributed
// to defaultUser; malformed lines are skipped. Conversations come back in
// order of first appearance.
func ParseFile(path string, format Format, defaultUser string) ([]Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var order []string
	byUser := make(map[string][]extractor.Turn)
	add := func(userID string, t extractor.Turn) {
		if userID == "" {
			userID = defaultUser
		}
		if userID == "" || strings.TrimSpace(t.Content) == "" {
			return
		}
		if _, ok := byUser[userID]; !ok {
			order = append(order, userID)
		}
		byUser[userID] = append(byUser[userID], t)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		switch format {
		case FormatTurns:
			var line turnLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue
			}
			if role, ok := parseRole(line.Role); ok {
				add(line.UserID, extractor.Turn{Role: role, Content: line.Content, Timestamp: line.Timestamp})
			}
		case FormatSession:
			var line sessionLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil || line.Type != "message" {
				continue
			}
			role, ok := parseRole(line.Message.Role)
			if !ok {
				continue
			}
			ts, _ := time.Parse(time.RFC3339Nano, line.Timestamp)
			add("", extractor.Turn{Role: role, Content: blockText(line.Message.Content), Timestamp: ts})
		default:
			return nil, fmt.Errorf("unknown transcript format %q", format)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	out := make([]Conversation, 0, len(order))
	for _, userID := range order {
		turns := byUser[userID]
		sort.SliceStable(turns, func(i, j int) bool {
			return turns[i].Timestamp.Before(turns[j].Timestamp)
		})
		out = append(out, Conversation{UserID: userID, Turns: turns})
	}
	return out, nil
}

func parseRole(s string) (extractor.Role, bool) {
	switch strings.ToLower(s) {
	case "user", "human":
		return extractor.RoleUser, true
	case "assistant":
		return extractor.RoleAssistant, true
	}
	return "", false
}

// blockText returns plain string content as is and joins the text blocks of
// structured content, skipping tool calls and other block types.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
