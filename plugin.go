package sensorhub

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/logger"

	pluginloader "github.com/sagernet/sensorhub/internal/plugin"
)

// PluginRegistration is the per-loaded-plugin bookkeeping the manager
// keeps: the instance and the PluginService bound to it (§3).
type PluginRegistration struct {
	Path     string
	Instance Plugin
	Service  *PluginService
}

// PluginManager discovers, loads, initializes, updates and unloads
// plugin modules, and dispatches host events to them (§4.5). Grounded
// on original_source/SenseKitContextImpl.cpp's plugin load/update/
// teardown loop. The manager starts no goroutine of its own: the periodic
// tick is Context.RunUpdateLoop, which calls Update on its caller's
// goroutine.
type PluginManager struct {
	catalog *SetCatalog
	log     logger.Logger
	dir     string

	mu          sync.Mutex
	registered  []*PluginRegistration // load order, reverse-unloaded
}

func newPluginManager(catalog *SetCatalog, pluginDir string, log logger.Logger) *PluginManager {
	return &PluginManager{catalog: catalog, log: log, dir: pluginDir}
}

// LoadAll scans the configured plugin directory and loads every module
// found, in sorted-path order. A plugin that fails to load is logged
// and skipped; subsequent plugins still load (§4.5 failure semantics).
func (m *PluginManager) LoadAll() error {
	if m.dir == "" {
		return nil
	}
	paths, err := pluginloader.Discover(m.dir)
	if err != nil {
		return wrapStatus(StatusInternalError, err, "discover plugins")
	}
	for _, path := range paths {
		if err := m.loadOne(path); err != nil {
			m.log.Warn("plugin load failed, skipping: ", path, ": ", err)
			continue
		}
	}
	return nil
}

func (m *PluginManager) loadOne(path string) error {
	raw, err := pluginloader.Load(path)
	if err != nil {
		return err
	}
	instance, ok := raw.(Plugin)
	if !ok {
		return errors.Errorf("plugin %s does not implement the sensorhub Plugin interface", path)
	}

	reg := &PluginRegistration{Path: path, Instance: instance}
	reg.Service = newPluginService(m, m.log)
	if err := instance.Init(reg.Service); err != nil {
		return errors.Wrapf(err, "init plugin %s", path)
	}

	m.mu.Lock()
	m.registered = append(m.registered, reg)
	m.mu.Unlock()
	return nil
}

// LoadExplicit loads a fixed list of already-instantiated plugins,
// bypassing directory discovery — the constrained-platform path §4.5
// allows for targets where dynamic loading (internal/plugin) isn't
// available.
func (m *PluginManager) LoadExplicit(instances []Plugin) error {
	for _, instance := range instances {
		reg := &PluginRegistration{Instance: instance, Service: newPluginService(m, m.log)}
		if err := instance.Init(reg.Service); err != nil {
			m.log.Warn("plugin init failed, skipping: ", err)
			continue
		}
		m.mu.Lock()
		m.registered = append(m.registered, reg)
		m.mu.Unlock()
	}
	return nil
}

// Update calls every loaded plugin's Update hook, in load order. A
// single plugin's error is logged, not propagated, and does not unload
// the plugin (§4.5 "tolerate transient errors").
func (m *PluginManager) Update() {
	m.mu.Lock()
	snapshot := append([]*PluginRegistration(nil), m.registered...)
	m.mu.Unlock()

	for _, reg := range snapshot {
		if err := reg.Instance.Update(); err != nil {
			m.log.Warn("plugin update error (", reg.Path, "): ", err)
		}
	}
}

// notifyHostEvent fans event out to every loaded plugin. Per §9,
// delivery order across concurrent callers is not guaranteed. The
// plugin list is snapshotted under the manager's mutex and delivery runs
// outside it, so concurrent calls are not serialized.
func (m *PluginManager) notifyHostEvent(event HostEvent) {
	m.mu.Lock()
	snapshot := append([]*PluginRegistration(nil), m.registered...)
	m.mu.Unlock()

	for _, reg := range snapshot {
		reg.Instance.OnHostEvent(event)
	}
}

// Unload tears every plugin down in reverse load order (§4.5). Each
// plugin is responsible for tearing down its own streams before
// Destroy returns.
func (m *PluginManager) Unload() {
	m.mu.Lock()
	snapshot := append([]*PluginRegistration(nil), m.registered...)
	m.registered = nil
	m.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		snapshot[i].Instance.Destroy()
	}
}
