package history

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrUnsafePath marks client-supplied path components that would escape the
// log root. Handlers map it to a bad-request response.
var ErrUnsafePath = errors.New("unsafe path")

const (
	logExt      = ".jsonl"
	scanWorkers = 8
)

// DefaultRoot is the agent service's log root.
func DefaultRoot() (string, error) {
	return homedir.Expand("~/.claude/projects")
}

// Store lists and reconstructs session logs under one root directory.
// Listings are cached; Watch invalidates the cache when the agent writes.
type Store struct {
	root   string
	logger zerolog.Logger
	cache  *summaryCache
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("empty history root")
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return nil, errors.Wrap(err, "expand history root")
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, errors.Wrap(err, "resolve history root")
	}
	return &Store{
		root:   abs,
		logger: log.With().Str("component", "history").Str("root", abs).Logger(),
		cache:  newSummaryCache(),
	}, nil
}

func (s *Store) Root() string { return s.root }

// ListProjects returns the encoded project directories under the root with
// their conversation counts, sorted by name. Unreadable subdirectories are
// skipped.
func (s *Store) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []ProjectSummary{}, nil
		}
		return nil, errors.Wrap(err, "read history root")
	}
	projects := make([]ProjectSummary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, e.Name()))
		if err != nil {
			s.logger.Warn().Err(err).Str("project", e.Name()).Msg("skipping unreadable project directory")
			continue
		}
		count := 0
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), logExt) {
				count++
			}
		}
		projects = append(projects, ProjectSummary{Name: e.Name(), Conversations: count})
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Name < projects[j].Name })
	return projects, nil
}

// ListConversations summarizes every session log in a project, newest first.
// Files are scanned in parallel; unreadable files are logged and omitted so
// one bad file never hides the rest.
func (s *Store) ListConversations(ctx context.Context, project string) ([]ConversationSummary, error) {
	if cached, ok := s.cache.get(project); ok {
		return cached, nil
	}

	dir, err := secureJoin(s.root, project)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read project %s", project)
	}

	var mu sync.Mutex
	summaries := make([]ConversationSummary, 0, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logExt) {
			continue
		}
		name := e.Name()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			conv, err := ReadConversation(filepath.Join(dir, name), project, s.logger)
			if err != nil {
				s.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable session log")
				return nil
			}
			mu.Lock()
			summaries = append(summaries, conv.summary())
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].SessionID < summaries[j].SessionID
		}
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	s.cache.set(project, summaries)
	return summaries, nil
}

// GetConversation reconstructs one session log.
func (s *Store) GetConversation(ctx context.Context, project string, sessionID string) (*Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("empty session id")
	}
	path, err := secureJoin(s.root, project, sessionID+logExt)
	if err != nil {
		return nil, err
	}
	return ReadConversation(path, project, s.logger)
}

// Watch invalidates cached listings whenever anything under the root changes.
// Blocks until ctx is done; returns nil when the root does not exist yet.
func (s *Store) Watch(ctx context.Context) error {
	return watchRoot(ctx, s.root, s.cache, s.logger)
}

func secureJoin(root string, parts ...string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(append([]string{absRoot}, parts...)...)
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if absJoined != absRoot && !strings.HasPrefix(absJoined, absRoot+string(os.PathSeparator)) {
		return "", ErrUnsafePath
	}
	return absJoined, nil
}
