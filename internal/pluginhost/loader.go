// Package pluginhost discovers and binds the relay's plugin modules (spec
// §4.1). It is the Go-native analogue of the original's dlopen/dlsym scan:
// Go's own plugin package supplies lazy, per-symbol lookup that maps almost
// one-to-one onto "attempt lazy symbol loading... resolve all six required
// symbols... partial registration is forbidden."
package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"github.com/luckypoem/tcp-chain/internal/observability"
	"github.com/luckypoem/tcp-chain/pkg/relayplugin"
)

// sharedModuleSuffix is the platform's shared-module suffix; only files
// whose name both ends in it and is longer than it are candidates.
const sharedModuleSuffix = ".so"

// requiredSymbols names the six hooks a plugin module must export, in the
// order they are resolved. All six must resolve or the module is rejected.
var requiredSymbols = [...]string{
	"OnInit",
	"OnConnect",
	"OnRecv",
	"OnSend",
	"OnClose",
	"PauseRemoteRecv",
}

// Loaded is one successfully bound plugin, retaining discovery order.
type Loaded struct {
	Name  string
	Path  string
	Hooks relayplugin.Hooks
}

// symbolLookup is the surface Load needs from an opened module; satisfied by
// *plugin.Plugin, and overridable in tests via openFunc.
type symbolLookup interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// openFunc opens a module at path. Replaced in tests to avoid depending on
// real compiled .so files.
var openFunc = func(path string) (symbolLookup, error) {
	return plugin.Open(path)
}

// Load scans dir for *.so modules and binds the six-hook ABI from each, in
// directory-listing order; that order becomes the permanent fan-out order
// for every event, for the lifetime of the process (spec §4.1).
//
// A module that fails to open, or is missing any one of the six symbols, is
// logged and skipped (non-fatal, per spec §7 "Plugin load soft-fail"). The
// directory itself being unreadable is fatal, matching "If the plugin
// directory itself cannot be opened, abort the process."
func Load(dir string, log observability.Logger) ([]Loaded, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("pluginhost: plugin directory %q: %w", dir, err)
	}

	var loaded []Loaded
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) <= len(sharedModuleSuffix) || !strings.HasSuffix(name, sharedModuleSuffix) {
			continue
		}

		full := filepath.Join(dir, name)
		mod, err := openFunc(full)
		if err != nil {
			log.Warn("failed to load plugin module", "path", full, "err", err)
			continue
		}

		hooks, ok := resolveHooks(mod)
		if !ok {
			log.Warn("plugin missing a required symbol, skipping", "path", full)
			continue
		}

		log.Info("loaded plugin", "path", full, "index", len(loaded))
		loaded = append(loaded, Loaded{Name: name, Path: full, Hooks: hooks})
	}
	return loaded, nil
}

// resolveHooks looks up all six required symbols individually; any missing
// symbol or type mismatch rejects the whole module (no partial binding).
func resolveHooks(mod symbolLookup) (relayplugin.Hooks, bool) {
	var h relayplugin.Hooks

	onInit, ok := lookupFunc[func(relayplugin.InitContext)](mod, requiredSymbols[0])
	if !ok {
		return h, false
	}
	onConnect, ok := lookupFunc[func(*relayplugin.Session)](mod, requiredSymbols[1])
	if !ok {
		return h, false
	}
	onRecv, ok := lookupFunc[func(*relayplugin.Session, *relayplugin.Buffer)](mod, requiredSymbols[2])
	if !ok {
		return h, false
	}
	onSend, ok := lookupFunc[func(*relayplugin.Session, *relayplugin.Buffer)](mod, requiredSymbols[3])
	if !ok {
		return h, false
	}
	onClose, ok := lookupFunc[func(*relayplugin.Session)](mod, requiredSymbols[4])
	if !ok {
		return h, false
	}
	pauseRemoteRecv, ok := lookupFunc[func(*relayplugin.Session, bool)](mod, requiredSymbols[5])
	if !ok {
		return h, false
	}

	h.OnInit = onInit
	h.OnConnect = onConnect
	h.OnRecv = onRecv
	h.OnSend = onSend
	h.OnClose = onClose
	h.PauseRemoteRecv = pauseRemoteRecv
	return h, true
}

// lookupFunc looks up name and type-asserts it to T, reporting failure
// either way rather than panicking on a malformed plugin.
func lookupFunc[T any](mod symbolLookup, name string) (T, bool) {
	var zero T
	sym, err := mod.Lookup(name)
	if err != nil {
		return zero, false
	}
	fn, ok := sym.(T)
	if !ok {
		return zero, false
	}
	return fn, true
}
