// Package rules loads alert rules from their source of record and keeps the
// active set the engine evaluates against.
package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Source returns the full current rule set.
type Source interface {
	Load(ctx context.Context) ([]model.Rule, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]model.Rule, error)

// Load implements Source.
func (f SourceFunc) Load(ctx context.Context) ([]model.Rule, error) { return f(ctx) }

// Watcher is implemented by sources that can push change notifications.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

type ruleFile struct {
	Rules []model.Rule `yaml:"rules"`
}

// FileSource reads rules from a YAML document of the form
//
//	rules:
//	  - id: whale-buy
//	    condition: {field: whale_action, op: "==", value: buy}
type FileSource struct {
	path   string
	logger zerolog.Logger
}

// NewFileSource creates a source for path.
func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{path: path, logger: logger.With().Str("component", "rules_file").Logger()}
}

// Load implements Source. Rules that fail validation are skipped and logged so
// one bad entry does not take the rest of the file down.
func (s *FileSource) Load(_ context.Context) ([]model.Rule, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return s.parse(raw)
}

func (s *FileSource) parse(raw []byte) ([]model.Rule, error) {
	var doc ruleFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", s.path, err)
	}

	seen := make(map[string]struct{}, len(doc.Rules))
	out := make([]model.Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		r = Normalize(r)
		if err := r.Validate(); err != nil {
			s.logger.Warn().Err(err).Msg("skipping invalid rule")
			continue
		}
		if _, dup := seen[r.ID]; dup {
			s.logger.Warn().Str("rule_id", r.ID).Msg("skipping duplicate rule id")
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// Watch calls onChange whenever the rules file is written, created or
// replaced. The parent directory is watched so atomic saves that swap the
// inode are still seen. It runs until ctx is cancelled.
func (s *FileSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	s.logger.Info().Str("path", s.path).Msg("watching rules file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Debug().Str("op", event.Op.String()).Msg("rules file changed")
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("rules watcher error")
		}
	}
}

// Normalize fills defaults: priority normal, trimmed channel ids.
func Normalize(r model.Rule) model.Rule {
	r.ID = strings.TrimSpace(r.ID)
	if p, err := model.ParsePriority(string(r.Priority)); err == nil {
		r.Priority = p
	}
	channels := make([]string, 0, len(r.Channels))
	for _, ch := range r.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}
	r.Channels = channels
	return r
}

var (
	_ Source  = (*FileSource)(nil)
	_ Watcher = (*FileSource)(nil)
)
