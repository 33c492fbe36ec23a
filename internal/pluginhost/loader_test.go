package pluginhost

import (
	"errors"
	"os"
	"path/filepath"
	"plugin"
	"testing"

	"github.com/luckypoem/tcp-chain/pkg/relayplugin"
)

type discardLogger struct{}

func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

type fakeModule struct {
	symbols map[string]plugin.Symbol
	openErr error
}

func (m *fakeModule) Lookup(name string) (plugin.Symbol, error) {
	sym, ok := m.symbols[name]
	if !ok {
		return nil, errors.New("symbol not found: " + name)
	}
	return sym, nil
}

func completeModule() *fakeModule {
	return &fakeModule{symbols: map[string]plugin.Symbol{
		"OnInit":          func(relayplugin.InitContext) {},
		"OnConnect":       func(*relayplugin.Session) {},
		"OnRecv":          func(*relayplugin.Session, *relayplugin.Buffer) {},
		"OnSend":          func(*relayplugin.Session, *relayplugin.Buffer) {},
		"OnClose":         func(*relayplugin.Session) {},
		"PauseRemoteRecv": func(*relayplugin.Session, bool) {},
	}}
}

func withStubOpen(t *testing.T, modules map[string]*fakeModule) {
	t.Helper()
	orig := openFunc
	openFunc = func(path string) (symbolLookup, error) {
		m, ok := modules[path]
		if !ok {
			return nil, errors.New("no such module registered in test: " + path)
		}
		if m.openErr != nil {
			return nil, m.openErr
		}
		return m, nil
	}
	t.Cleanup(func() { openFunc = orig })
}

func writeCandidate(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("stub"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_BindsCompleteModule(t *testing.T) {
	dir := t.TempDir()
	path := writeCandidate(t, dir, "good.so")
	withStubOpen(t, map[string]*fakeModule{path: completeModule()})

	loaded, err := Load(dir, discardLogger{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 loaded plugin, got %d", len(loaded))
	}
	h := loaded[0].Hooks
	if h.OnInit == nil || h.OnConnect == nil || h.OnRecv == nil || h.OnSend == nil || h.OnClose == nil || h.PauseRemoteRecv == nil {
		t.Fatalf("expected all six hooks bound, got %+v", h)
	}
}

func TestLoad_RejectsMissingSymbol(t *testing.T) {
	dir := t.TempDir()
	path := writeCandidate(t, dir, "partial.so")

	m := completeModule()
	delete(m.symbols, "OnClose")
	withStubOpen(t, map[string]*fakeModule{path: m})

	loaded, err := Load(dir, discardLogger{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected the module with a missing symbol to be skipped, got %d loaded", len(loaded))
	}
}

func TestLoad_RejectsOnOpenFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeCandidate(t, dir, "broken.so")
	withStubOpen(t, map[string]*fakeModule{path: {openErr: errors.New("corrupt module")}})

	loaded, err := Load(dir, discardLogger{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected a load failure to be skipped, got %d loaded", len(loaded))
	}
}

func TestLoad_IgnoresNonSharedModuleEntries(t *testing.T) {
	dir := t.TempDir()
	writeCandidate(t, dir, "README.md")
	writeCandidate(t, dir, ".so") // name length does not exceed suffix length
	withStubOpen(t, map[string]*fakeModule{})

	loaded, err := Load(dir, discardLogger{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no candidates, got %d", len(loaded))
	}
}

func TestLoad_FatalOnMissingDirectory(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist"), discardLogger{}); err == nil {
		t.Fatal("expected an error for a missing plugin directory")
	}
}

func TestLoad_PreservesDiscoveryOrder(t *testing.T) {
	dir := t.TempDir()
	pathA := writeCandidate(t, dir, "a.so")
	pathB := writeCandidate(t, dir, "b.so")
	withStubOpen(t, map[string]*fakeModule{
		pathA: completeModule(),
		pathB: completeModule(),
	})

	loaded, err := Load(dir, discardLogger{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Name != "a.so" || loaded[1].Name != "b.so" {
		t.Fatalf("expected discovery order [a.so, b.so], got %+v", loaded)
	}
}
