package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	defaultProfileLimit       = 10
	defaultProfileThreadLimit = 25
	profileDebounce           = 300 * time.Millisecond
	profileTick               = 100 * time.Millisecond
)

// SortField is one entry of an ordered sort specification.
type SortField struct {
	Field     string `yaml:"field"`
	Direction int    `yaml:"direction"`
}

// ThreadProfile controls the thread inbox query.
type ThreadProfile struct {
	Limit            int `yaml:"limit"`
	ReplyLimit       int `yaml:"reply_limit"`
	ParticipantLimit int `yaml:"participant_limit"`
}

// QueryProfile describes which channels the client tracks and how the list
// reacts to push events. It is stored as YAML so operators can adjust it
// without restarting.
type QueryProfile struct {
	Filters            map[string]any `yaml:"filters"`
	Sort               []SortField    `yaml:"sort"`
	Limit              int            `yaml:"limit"`
	MessageLimit       int            `yaml:"message_limit"`
	PromoteNotLoadedOn []string       `yaml:"promote_not_loaded_on"`
	LockChannelOrder   bool           `yaml:"lock_channel_order"`
	Threads            ThreadProfile  `yaml:"threads"`
}

// DefaultProfile returns the profile used when no file is configured:
// channels the user is a member of, most recent activity first.
func DefaultProfile(userID string) *QueryProfile {
	p := &QueryProfile{
		Filters: map[string]any{
			"members": map[string]any{"$in": []any{userID}},
		},
		Sort: []SortField{{Field: "last_message_at", Direction: -1}},
	}
	p.applyDefaults()

	return p
}

func (p *QueryProfile) applyDefaults() {
	if p.Limit <= 0 {
		p.Limit = defaultProfileLimit
	}

	if p.Threads.Limit <= 0 {
		p.Threads.Limit = defaultProfileThreadLimit
	}

	if p.Filters == nil {
		p.Filters = map[string]any{}
	}
}

func (p *QueryProfile) validate() error {
	for i, s := range p.Sort {
		if s.Field == "" {
			return fmt.Errorf("sort entry %d has no field", i+1)
		}

		if s.Direction != 1 && s.Direction != -1 {
			return fmt.Errorf("sort entry %d (%s) direction must be 1 or -1", i+1, s.Field)
		}
	}

	return nil
}

// ParseProfile decodes a YAML query profile.
func ParseProfile(data []byte) (*QueryProfile, error) {
	var p QueryProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding query profile: %w", err)
	}

	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("validating query profile: %w", err)
	}

	p.applyDefaults()

	return &p, nil
}

// LoadProfile reads and parses the profile at path.
func LoadProfile(path string) (*QueryProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading query profile: %w", err)
	}

	return ParseProfile(data)
}

// WatchProfile reloads the profile at path whenever it changes and hands
// each successfully parsed version to onChange. It watches the parent
// directory so editors that save via rename are picked up. Invalid edits
// are logged and skipped. Blocks until ctx is cancelled.
func WatchProfile(ctx context.Context, path string, logger *slog.Logger, onChange func(*QueryProfile)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching profile dir: %w", err)
	}

	logger.Info("query profile watcher started", slog.String("path", path))

	var pendingSince time.Time

	ticker := time.NewTicker(profileTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				pendingSince = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			logger.Warn("profile watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < profileDebounce {
				continue
			}

			pendingSince = time.Time{}

			p, err := LoadProfile(path)
			if err != nil {
				logger.Warn("ignoring query profile change", slog.String("error", err.Error()))
				continue
			}

			logger.Info("query profile reloaded", slog.String("path", path))
			onChange(p)
		}
	}
}
