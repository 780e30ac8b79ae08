package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeEvent describes a reloaded (or removed) file in the config directory.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"` // initial_load, create, modify, delete, manual_reload
	Raw       []byte                 `json:"-"`
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler is called when a watched file changes.
type ChangeHandler func(event ChangeEvent) error

// Manager watches the config directory and hot-reloads guardrail keyword
// files and admission policies.
type Manager struct {
	dir            string
	configs        map[string]map[string]interface{}
	handlers       map[string][]ChangeHandler
	validators     map[string]func(map[string]interface{}) error
	policyHandlers []func() error
	watcher        *fsnotify.Watcher
	started        bool
	stopCh         chan struct{}
	logger         *zap.Logger

	mu       sync.RWMutex
	eventMu  sync.Mutex
	debounce time.Duration
}

func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Manager{
		dir:        dir,
		configs:    make(map[string]map[string]interface{}),
		handlers:   make(map[string][]ChangeHandler),
		validators: make(map[string]func(map[string]interface{}) error),
		watcher:    w,
		stopCh:     make(chan struct{}),
		logger:     logger,
		debounce:   50 * time.Millisecond,
	}, nil
}

// Start loads every config file once and then watches for changes until
// Stop is called or ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	if err := m.loadAll(); err != nil {
		return fmt.Errorf("failed to load initial configs: %w", err)
	}

	m.mu.Lock()
	m.started = true
	loaded := len(m.configs)
	m.mu.Unlock()

	go m.watchLoop(ctx)

	m.logger.Info("Configuration manager started",
		zap.String("config_dir", m.dir),
		zap.Int("loaded_configs", loaded),
	)
	return nil
}

func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	m.logger.Info("Configuration manager stopped")
	return nil
}

// RegisterHandler registers h for changes to filename (base name).
func (m *Manager) RegisterHandler(filename string, h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], h)
}

// RegisterValidator rejects reloads of filename that fail v; the previous
// configuration stays in effect.
func (m *Manager) RegisterValidator(filename string, v func(map[string]interface{}) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = v
}

// RegisterPolicyHandler is called whenever a .rego file changes.
func (m *Manager) RegisterPolicyHandler(h func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policyHandlers = append(m.policyHandlers, h)
}

// Get returns a copy of the last loaded content of filename.
func (m *Manager) Get(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[filename]
	if !ok {
		return nil, false
	}
	return copyMap(cfg), true
}

// Reload re-reads filename from the config directory.
func (m *Manager) Reload(filename string) error {
	return m.loadFile(filepath.Join(m.dir, filename), "manual_reload")
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = m.Stop()
			return
		case <-m.stopCh:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(ev fsnotify.Event) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	name := filepath.Base(ev.Name)
	isConfig := isConfigFile(name)
	isPolicy := filepath.Ext(name) == ".rego"
	if !isConfig && !isPolicy {
		return
	}

	var action string
	switch {
	case ev.Op&fsnotify.Create != 0:
		action = "create"
	case ev.Op&fsnotify.Write != 0:
		action = "modify"
	case ev.Op&fsnotify.Remove != 0:
		action = "delete"
	case ev.Op&fsnotify.Rename != 0:
		action = "rename"
	default:
		return
	}

	if action == "delete" || action == "rename" {
		if isConfig {
			m.handleRemoval(name)
		}
	} else if isConfig {
		// editors often write in several chunks
		time.Sleep(m.debounce)
		if err := m.loadFile(ev.Name, action); err != nil {
			m.logger.Error("Failed to load config file",
				zap.String("file", name),
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}
	if isPolicy {
		m.reloadPolicies(name, action)
	}
}

func (m *Manager) loadAll() error {
	return filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !isConfigFile(path) {
			return nil
		}
		if err := m.loadFile(path, "initial_load"); err != nil {
			m.logger.Warn("Skipping invalid config file", zap.String("file", path), zap.Error(err))
		}
		return nil
	})
}

func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	name := filepath.Base(path)
	cfg := make(map[string]interface{})
	switch filepath.Ext(name) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return fmt.Errorf("unsupported config format for %s", name)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}

	m.mu.RLock()
	validate := m.validators[name]
	m.mu.RUnlock()
	if validate != nil {
		if err := validate(cfg); err != nil {
			return fmt.Errorf("configuration validation failed for %s: %w", name, err)
		}
	}

	m.mu.Lock()
	m.configs[name] = cfg
	handlers := append([]ChangeHandler(nil), m.handlers[name]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      name,
		Action:    action,
		Raw:       data,
		Config:    copyMap(cfg),
		Timestamp: time.Now(),
	})
	m.logger.Info("Configuration loaded",
		zap.String("filename", name),
		zap.String("action", action),
		zap.Int("keys", len(cfg)),
	)
	return nil
}

func (m *Manager) handleRemoval(name string) {
	m.mu.Lock()
	last := m.configs[name]
	delete(m.configs, name)
	handlers := append([]ChangeHandler(nil), m.handlers[name]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      name,
		Action:    "delete",
		Config:    copyMap(last),
		Timestamp: time.Now(),
	})
	m.logger.Info("Configuration file removed", zap.String("filename", name))
}

// notify runs handlers without holding locks so a handler may call back
// into the manager.
func (m *Manager) notify(handlers []ChangeHandler, ev ChangeEvent) {
	for _, h := range handlers {
		h := h
		go func() {
			if err := h(ev); err != nil {
				m.logger.Error("Configuration handler error",
					zap.String("filename", ev.File),
					zap.String("action", ev.Action),
					zap.Error(err),
				)
			}
		}()
	}
}

func (m *Manager) reloadPolicies(name, action string) {
	m.mu.RLock()
	handlers := append([]func() error(nil), m.policyHandlers...)
	m.mu.RUnlock()

	m.logger.Info("Policy file changed, triggering reload",
		zap.String("file", name),
		zap.String("action", action),
		zap.Int("handlers", len(handlers)),
	)
	for _, h := range handlers {
		if err := h(); err != nil {
			m.logger.Error("Policy reload handler failed", zap.String("file", name), zap.Error(err))
		}
	}
}

func isConfigFile(name string) bool {
	switch filepath.Ext(name) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
