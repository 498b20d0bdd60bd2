// Package history reconstructs transcripts from the agent's own append-only
// session logs, without contacting the agent. The log root is owned and
// written by the agent service; this package only ever reads it.
package history

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

// headerRecord is the first line of a session log file.
type headerRecord struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// logRecord is every subsequent line. Content entries mirror the upstream
// content-block shapes.
type logRecord struct {
	Type      string       `json:"type"`
	UUID      string       `json:"uuid"`
	Timestamp time.Time    `json:"timestamp"`
	Message   *messageBody `json:"message"`
}

type messageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentEntry struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// decodeContent accepts both content encodings found in the logs: a bare
// string (older user records) and the array-of-entries form.
func decodeContent(raw json.RawMessage) ([]contentEntry, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []contentEntry{{Type: "text", Text: s}}, nil
	}
	var entries []contentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ProjectSummary is one encoded project directory under the log root.
type ProjectSummary struct {
	Name          string `json:"name"`
	Conversations int    `json:"conversations"`
}

// ConversationSummary is the listing row for one session log file.
type ConversationSummary struct {
	SessionID    string    `json:"sessionId"`
	Project      string    `json:"project"`
	StartedAt    time.Time `json:"startedAt"`
	MessageCount int       `json:"messageCount"`
	FirstPrompt  string    `json:"firstPrompt,omitempty"`
}

// Exchange is one prompt/response pair reconstructed from the log: the user
// prompt followed by the assistant's segments in line order.
type Exchange struct {
	Prompt   string               `json:"prompt,omitempty"`
	At       time.Time            `json:"at,omitempty"`
	Segments []transcript.Segment `json:"segments"`
}

// Conversation is a fully reconstructed session.
type Conversation struct {
	SessionID string     `json:"sessionId"`
	Project   string     `json:"project"`
	StartedAt time.Time  `json:"startedAt"`
	Exchanges []Exchange `json:"exchanges"`
}

func (c *Conversation) summary() ConversationSummary {
	s := ConversationSummary{
		SessionID: c.SessionID,
		Project:   c.Project,
		StartedAt: c.StartedAt,
	}
	for _, ex := range c.Exchanges {
		if ex.Prompt != "" {
			s.MessageCount++
			if s.FirstPrompt == "" {
				s.FirstPrompt = promptPreview(ex.Prompt)
			}
		}
		if len(ex.Segments) > 0 {
			s.MessageCount++
		}
	}
	return s
}

const previewLimit = 120

func promptPreview(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= previewLimit {
		return prompt
	}
	return string(runes[:previewLimit])
}
