package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"screenguard/internal/logging"
)

// DefaultDebounce coalesces bursts of writes from editors.
const DefaultDebounce = 100 * time.Millisecond

// Loader owns one config file: it loads it, watches it and tells
// subscribers about each valid revision.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	debounce time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	logger   *slog.Logger
}

// NewLoader returns a Loader for path. Nothing is read until Load.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		debounce: DefaultDebounce,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.Component("config"),
	}
}

// SetDebounce changes the reload debounce. Call before Watch.
func (l *Loader) SetDebounce(d time.Duration) {
	l.debounce = d
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, validates and stores the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadAndValidate(l.path)
	if err != nil {
		return nil, err
	}
	for _, w := range Check(cfg).Warnings() {
		l.logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}

	l.config = cfg
	return cfg, nil
}

func loadAndValidate(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Config returns the last configuration that passed validation.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch reloads the file whenever it changes on disk. A revision that
// fails to parse or validate is reported on Errors and the previous
// configuration stays in effect.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	l.watcher = watcher

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// Reload re-reads the file now and notifies listeners on success.
func (l *Loader) Reload() error {
	newCfg, err := loadAndValidate(l.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	l.mu.Lock()
	l.config = newCfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	l.logger.Info("configuration reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(newCfg.Clone())
	}
	return nil
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	if err := l.Reload(); err != nil {
		l.logger.Warn("keeping previous configuration", "error", err)
		l.report(err)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange adds a subscriber. Each call receives its own copy.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors carries watcher and reload failures. Only the latest unread one is kept.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops watching.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile decodes path by extension over the defaults.
// A missing file yields the defaults.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	ext := filepath.Ext(path)
	if err := ValidateDocument(data, ext); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse handles files without a known extension.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return errors.New("config is not valid TOML, JSON or YAML")
}

// LoadOrCreate loads the configuration from path, writing the defaults
// there first if the file does not exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
