package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/format"
	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/emuhost/emuhost/pkg/engine"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// EnvSettingsDir overrides the settings folder when set.
const EnvSettingsDir = "EMUHOST_SETTINGS_DIR"

// Settings file names, in lookup order. The first one found is used; when
// none exists the settings are saved as YAML.
var settingsFiles = []string{"emuhost.yaml", "emuhost.yml", "emuhost.toml", "emuhost.cue"}

// Options configures a Store.
type Options struct {
	// Folder is the settings folder. When empty, EMUHOST_SETTINGS_DIR is
	// used, then the user config directory.
	Folder string

	// Watch arms a file watcher on the settings folder.
	Watch bool

	// Debounce is the delay before a change on disk marks the settings
	// dirty. Defaults to 500ms.
	Debounce time.Duration

	// Logger receives store logs. Defaults to a no-op logger.
	Logger *telemetry.Logger
}

// Store is the settings store. It keeps the live settings, a queue of staged
// changes that ApplySettings commits, and the file they persist to.
type Store struct {
	opts     Options
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   *telemetry.Logger

	mu      sync.Mutex
	folder  string
	path    string
	live    Settings
	pending []func(*Settings)

	dirty atomic.Bool

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

var _ engine.SettingsStore = (*Store)(nil)

// NewStore creates a store holding the default settings. Call
// OnChangedSettingsFolder to load the folder.
func NewStore(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	return &Store{
		opts:     opts,
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
		logger:   opts.Logger.NewComponentLogger("config"),
		live:     Defaults(),
	}
}

// Folder returns the resolved settings folder.
func (s *Store) Folder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folder
}

// Path returns the settings file path.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Settings returns a copy of the live settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Clone()
}

// Stage queues a change. It takes effect on the next ApplySettings.
func (s *Store) Stage(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

// Pending returns the number of staged changes.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dirty reports whether the settings file changed on disk since it was last
// read.
func (s *Store) Dirty() bool {
	return s.dirty.Load()
}

// ApplySettings commits staged changes to the live settings and persists
// them. A settings file changed on disk is re-read first. An invalid result
// is rejected, its staged changes are dropped and the live settings are left
// untouched.
func (s *Store) ApplySettings(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return engine.NewAbortError("apply settings cancelled", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.live.Clone()
	reloaded := false
	if s.dirty.Swap(false) && s.path != "" {
		loaded, err := s.readLocked()
		if err != nil {
			s.dirty.Store(true)
			return err
		}
		base = loaded
		reloaded = true
		s.logger.WithField("path", s.path).Info("settings reloaded from disk")
	}

	if len(s.pending) == 0 {
		s.live = base
		return nil
	}

	next := base.Clone()
	for _, fn := range s.pending {
		fn(&next)
	}
	next.normalize()

	if err := s.check(ctx, next); err != nil {
		// The file contents read above were not adopted; read them again
		// on the next apply.
		if reloaded {
			s.dirty.Store(true)
		}
		s.pending = nil
		return err
	}

	if err := s.writeLocked(next); err != nil {
		if reloaded {
			s.dirty.Store(true)
		}
		return err
	}

	s.logger.WithField("changes", len(s.pending)).Debug("settings applied")
	s.live = next
	s.pending = nil
	return nil
}

// OnChangedSettingsFolder re-resolves the settings folder, reloads the
// settings from it and re-arms the watcher. A missing folder or file leaves
// the defaults in place.
func (s *Store) OnChangedSettingsFolder(ctx context.Context) error {
	folder, err := s.resolveFolder()
	if err != nil {
		return engine.NewConfigError("failed to resolve settings folder", err)
	}

	s.mu.Lock()
	s.folder = folder
	s.path = findSettingsFile(folder)
	loaded := Defaults()
	if _, statErr := os.Stat(s.path); statErr == nil {
		loaded, err = s.readLocked()
		if err != nil {
			s.mu.Unlock()
			return err
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		s.mu.Unlock()
		return engine.NewConfigError("failed to stat settings file", statErr)
	}
	s.live = loaded
	s.dirty.Store(false)
	path := s.path
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"folder": folder,
		"path":   path,
	}).Info("settings folder loaded")

	if s.opts.Watch {
		return s.watch(ctx, folder)
	}
	return nil
}

// ExecutionConfig returns a copy of the live execution config.
func (s *Store) ExecutionConfig() engine.ExecutionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.ExecutionConfig()
}

// SetExecutionConfig replaces the live execution config and persists it
// immediately, leaving other staged changes queued.
func (s *Store) SetExecutionConfig(ctx context.Context, cfg engine.ExecutionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.live.Clone()
	next.SetExecutionConfig(cfg)
	if err := s.check(ctx, next); err != nil {
		return err
	}
	if s.path != "" {
		if err := s.writeLocked(next); err != nil {
			return err
		}
	}
	s.live = next
	return nil
}

// Validate checks settings against struct tags and the CUE schema.
func (s *Store) Validate(ctx context.Context, settings Settings) error {
	return s.check(ctx, settings)
}

// Close stops the watcher.
func (s *Store) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return s.stopWatchLocked()
}

func (s *Store) check(ctx context.Context, settings Settings) error {
	if err := s.validate.Struct(settings); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			out := make(ValidationErrors, 0, len(verrs))
			for _, fe := range verrs {
				out = append(out, ValidationError{
					File:    s.path,
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed %q validation", fe.Tag()),
				})
			}
			return engine.NewConfigError("invalid settings", out)
		}
		return engine.NewConfigError("invalid settings", err)
	}
	if err := s.schemas.ValidateAgainstSchema(ctx, SchemaSettings, settings); err != nil {
		return engine.NewConfigError("settings do not match schema", err)
	}
	return nil
}

func (s *Store) resolveFolder() (string, error) {
	if dir := os.Getenv(EnvSettingsDir); dir != "" {
		return filepath.Abs(dir)
	}
	if s.opts.Folder != "" {
		return filepath.Abs(s.opts.Folder)
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "emuhost"), nil
}

func findSettingsFile(folder string) string {
	for _, name := range settingsFiles {
		path := filepath.Join(folder, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(folder, settingsFiles[0])
}

// readLocked decodes the settings file over the defaults and validates it.
func (s *Store) readLocked() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, engine.NewConfigError("failed to read settings file", err)
	}

	settings := Defaults()
	settings.Execution = nil
	if err := s.decode(s.path, data, &settings); err != nil {
		return Settings{}, engine.NewConfigError(fmt.Sprintf("failed to parse %s", filepath.Base(s.path)), err)
	}
	settings.normalize()

	if err := s.check(context.Background(), settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s *Store) decode(path string, data []byte, out *Settings) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), out)
		return err
	case ".cue":
		val := s.schemas.Context().CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return convertCUEErrors(err)
		}
		raw, err := val.MarshalJSON()
		if err != nil {
			return convertCUEErrors(err)
		}
		return json.Unmarshal(raw, out)
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		return yaml.Unmarshal(data, out)
	}
}

func (s *Store) encode(path string, settings Settings) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(settings); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case ".cue":
		val := s.schemas.Context().Encode(settings)
		if err := val.Err(); err != nil {
			return nil, err
		}
		return format.Node(val.Syntax(cue.Concrete(true)))
	default:
		return yaml.Marshal(settings)
	}
}

// writeLocked persists settings atomically through a temporary file.
func (s *Store) writeLocked(settings Settings) error {
	data, err := s.encode(s.path, settings)
	if err != nil {
		return engine.NewConfigError("failed to encode settings", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return engine.NewConfigError("failed to create settings folder", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".emuhost-*.tmp")
	if err != nil {
		return engine.NewConfigError("failed to write settings", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return engine.NewConfigError("failed to write settings", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return engine.NewConfigError("failed to write settings", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return engine.NewConfigError("failed to write settings", err)
	}
	return nil
}
