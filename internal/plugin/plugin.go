// Package plugin wraps the standard library's plugin package for
// loading sensorhub modules. This is the OS-level dynamic loading
// mechanism Go provides (dlopen/LoadLibrary under the hood) and has no
// third-party substitute — it is the domain operation itself (§4.5 of
// the spec this implements), not an ambient concern standing in for a
// library choice.
package plugin

import (
	goplugin "plugin"

	"github.com/pkg/errors"
)

// EntrySymbol is the well-known exported symbol every sensorhub plugin
// module must provide (§6 "Plugin ABI": compatibility is by symbol name
// and function signature).
const EntrySymbol = "SensorHubPlugin"

// Entry is the function signature a plugin's EntrySymbol must have. It
// returns an any rather than a concrete interface type so this package
// stays independent of the root package's Plugin interface, avoiding an
// import cycle between internal/plugin and the root module.
type Entry func() (any, error)

// Load opens the .so at path and resolves EntrySymbol, invoking it to
// obtain the plugin instance.
func Load(path string) (any, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open plugin %s", path)
	}
	sym, err := p.Lookup(EntrySymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "plugin %s missing entry symbol %s", path, EntrySymbol)
	}
	entry, ok := sym.(func() (any, error))
	if !ok {
		return nil, errors.Errorf("plugin %s entry symbol has the wrong signature", path)
	}
	instance, err := entry()
	if err != nil {
		return nil, errors.Wrapf(err, "instantiate plugin %s", path)
	}
	return instance, nil
}

// Discover lists candidate plugin module paths (*.so) under dir.
func Discover(dir string) ([]string, error) {
	entries, err := readDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scan plugin directory %s", dir)
	}
	return entries, nil
}
