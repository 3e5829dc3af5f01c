package plugin

import (
	"os"
	"path/filepath"
	"sort"
)

// readDir returns the *.so files directly under dir, sorted
// lexicographically so PluginManager's "load order" (§4.5) is
// deterministic across runs on the same machine.
func readDir(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if filepath.Ext(f.Name()) != ".so" {
			continue
		}
		out = append(out, filepath.Join(dir, f.Name()))
	}
	sort.Strings(out)
	return out, nil
}
