package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/burattino/pkg/transcript"
)

// exchangeBuilder folds assistant content entries into segments. Consecutive
// text entries accumulate into one text segment; a tool entry flushes the
// accumulation and appends an atomic tool segment.
type exchangeBuilder struct {
	exchange Exchange
	text     strings.Builder
	nextIdx  int
}

func (b *exchangeBuilder) addText(s string) {
	b.text.WriteString(s)
}

func (b *exchangeBuilder) flushText() {
	if b.text.Len() == 0 {
		return
	}
	b.exchange.Segments = append(b.exchange.Segments, transcript.Segment{
		Index: b.nextIdx,
		Kind:  transcript.SegmentKindText,
		Text:  b.text.String(),
	})
	b.nextIdx++
	b.text.Reset()
}

func (b *exchangeBuilder) addTool(e contentEntry) {
	b.flushText()
	b.exchange.Segments = append(b.exchange.Segments, transcript.Segment{
		Index:     b.nextIdx,
		Kind:      transcript.SegmentKindTool,
		ToolID:    e.ID,
		ToolName:  e.Name,
		ToolInput: e.Input,
	})
	b.nextIdx++
}

func (b *exchangeBuilder) finish() (Exchange, bool) {
	b.flushText()
	if b.exchange.Prompt == "" && len(b.exchange.Segments) == 0 {
		return Exchange{}, false
	}
	return b.exchange, true
}

// ReadConversation reconstructs one session log file. Corrupt lines are
// skipped individually; only failure to open or scan the file is an error.
// The reconstruction is deterministic: re-reading an unchanged file yields an
// identical Conversation.
func ReadConversation(path string, project string, logger zerolog.Logger) (*Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open session log %s", path)
	}
	defer func() { _ = f.Close() }()

	conv := &Conversation{
		SessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		Project:   project,
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	headerSeen := false
	builder := &exchangeBuilder{}
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !headerSeen {
			headerSeen = true
			var hdr headerRecord
			if err := json.Unmarshal([]byte(line), &hdr); err != nil || hdr.SessionID == "" {
				// The file name still identifies the session; keep going so a
				// clobbered first line does not hide the whole conversation.
				logger.Debug().Str("path", path).Int("line", lineNo).Msg("skipping corrupt header record")
				continue
			}
			conv.SessionID = hdr.SessionID
			conv.StartedAt = hdr.Timestamp
			continue
		}

		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Debug().Str("path", path).Int("line", lineNo).Err(err).Msg("skipping corrupt log record")
			continue
		}
		switch rec.Type {
		case "user":
			if ex, ok := builder.finish(); ok {
				conv.Exchanges = append(conv.Exchanges, ex)
			}
			builder = &exchangeBuilder{}
			builder.exchange.At = rec.Timestamp
			builder.exchange.Prompt = userPrompt(rec, path, lineNo, logger)
		case "assistant":
			if rec.Message == nil {
				continue
			}
			entries, err := decodeContent(rec.Message.Content)
			if err != nil {
				logger.Debug().Str("path", path).Int("line", lineNo).Err(err).Msg("skipping unreadable assistant content")
				continue
			}
			for _, e := range entries {
				switch e.Type {
				case "text":
					builder.addText(e.Text)
				case "tool_use":
					builder.addTool(e)
				default:
					logger.Debug().Str("path", path).Int("line", lineNo).Str("entry_type", e.Type).Msg("skipping unknown content entry")
				}
			}
		default:
			// Summary and system records are noise for the transcript.
			continue
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan session log %s", path)
	}
	if ex, ok := builder.finish(); ok {
		conv.Exchanges = append(conv.Exchanges, ex)
	}
	if conv.StartedAt.IsZero() {
		if info, err := os.Stat(path); err == nil {
			conv.StartedAt = info.ModTime()
		}
	}
	return conv, nil
}

func userPrompt(rec logRecord, path string, lineNo int, logger zerolog.Logger) string {
	if rec.Message == nil {
		return ""
	}
	entries, err := decodeContent(rec.Message.Content)
	if err != nil {
		logger.Debug().Str("path", path).Int("line", lineNo).Err(err).Msg("skipping unreadable user content")
		return ""
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.Type == "text" {
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}
