package budget

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dshills/graphplan-go/emit"
)

// Budget is a per-role resource envelope.
type Budget struct {
	MaxTotalTokens   int     `json:"max_total_tokens" yaml:"max_total_tokens"`
	MaxTotalCostUSD  float64 `json:"max_total_cost_usd" yaml:"max_total_cost_usd"`
	MaxTimeS         float64 `json:"max_time_s" yaml:"max_time_s"`
	MaxParallelTasks int     `json:"max_parallel_tasks" yaml:"max_parallel_tasks"`
}

// Default role tiers. Unknown roles fall back to guest.
func defaultRoles() map[string]Budget {
	return map[string]Budget{
		"admin": {MaxTotalTokens: 200000, MaxTotalCostUSD: 10.0, MaxTimeS: 1200, MaxParallelTasks: 8},
		"player": {MaxTotalTokens: 50000, MaxTotalCostUSD: 1.0, MaxTimeS: 300, MaxParallelTasks: 4},
		"guest": {MaxTotalTokens: 10000, MaxTotalCostUSD: 0.10, MaxTimeS: 120, MaxParallelTasks: 2},
	}
}

// policyFile is the YAML shape of the budget policy config. Both sections
// are optional: absent roles keep their defaults, absent models keep the
// static catalog entry.
type policyFile struct {
	Roles  map[string]Budget `yaml:"roles"`
	Models []Model           `yaml:"models"`
}

// Manager owns the model catalog and the live role envelopes.
//
// Envelopes are hot-reloadable: when constructed with a config path and
// Watch is running, edits to the file take effect on the next read.
// Callers must read envelopes at enforcement time, never cache them per
// plan.
type Manager struct {
	mu      sync.RWMutex
	catalog map[string]Model
	roles   map[string]Budget

	configPath string
	emitter    emit.Emitter
	watcher    *fsnotify.Watcher
	done       chan struct{}
}

// NewManager creates a manager with the default catalog and role tiers,
// overlaid with the YAML policy file at configPath when non-empty.
func NewManager(configPath string, emitter emit.Emitter) (*Manager, error) {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	m := &Manager{
		catalog:    defaultCatalog(),
		roles:      defaultRoles(),
		configPath: configPath,
		emitter:    emitter,
	}
	if configPath != "" {
		if err := m.Reload(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Reload re-reads the policy file and swaps the live envelopes.
func (m *Manager) Reload() error {
	if m.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("read budget policy: %w", err)
	}
	var policy policyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return fmt.Errorf("parse budget policy: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for role, envelope := range policy.Roles {
		m.roles[role] = envelope
	}
	for _, model := range policy.Models {
		if model.Name != "" {
			m.catalog[model.Name] = model
		}
	}
	return nil
}

// Watch starts an fsnotify loop that reloads the policy file on writes.
// Call Close to stop it. A manager without a config path is a no-op.
func (m *Manager) Watch() error {
	if m.configPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(m.configPath); err != nil {
		watcher.Close()
		return fmt.Errorf("watch budget policy: %w", err)
	}
	m.watcher = watcher
	m.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := m.Reload(); err != nil {
						m.emitter.Emit(emit.Event{
							Msg:  "budget_reload_failed",
							Meta: map[string]interface{}{"error": err.Error()},
						})
						continue
					}
					m.emitter.Emit(emit.Event{Msg: "budget_reloaded"})
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the config watcher, if running.
func (m *Manager) Close() error {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	if m.watcher != nil {
		err := m.watcher.Close()
		m.watcher = nil
		return err
	}
	return nil
}

// EnvelopeFor returns the live envelope for a role; unknown roles get the
// guest tier.
func (m *Manager) EnvelopeFor(role string) Budget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if envelope, ok := m.roles[role]; ok {
		return envelope
	}
	return m.roles["guest"]
}

// Roles returns a copy of all role envelopes.
func (m *Manager) Roles() map[string]Budget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Budget, len(m.roles))
	for role, envelope := range m.roles {
		out[role] = envelope
	}
	return out
}

// Models returns the catalog sorted by name.
func (m *Manager) Models() []Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedModels(m.catalog)
}

// ModelByName looks up one catalog entry.
func (m *Manager) ModelByName(name string) (Model, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	model, ok := m.catalog[name]
	return model, ok
}
