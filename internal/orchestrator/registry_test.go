package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCancelToken_FirstCallWins(t *testing.T) {
	tok := NewCancelToken()
	if tok.Cancelled() {
		t.Fatal("new token should not be cancelled")
	}
	if !tok.Cancel("first") {
		t.Error("first Cancel should report true")
	}
	if tok.Cancel("second") {
		t.Error("second Cancel should report false")
	}
	if !tok.Cancelled() || tok.Reason() != "first" {
		t.Errorf("Expected cancelled with reason first, got %v %q", tok.Cancelled(), tok.Reason())
	}
	select {
	case <-tok.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	reg := NewRegistry()
	g := exampleGraph(t)

	live, err := reg.Register("b", g)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := reg.Register("b", g); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	reg.Register("a", g)

	if got := strings.Join(reg.IDs(), ","); got != "a,b" {
		t.Errorf("Expected sorted IDs a,b, got %s", got)
	}
	if found, ok := reg.Lookup("b"); !ok || found != live {
		t.Error("Lookup should return the registered loop")
	}

	reg.Unregister("b")
	select {
	case <-live.Done():
	default:
		t.Error("Unregister should close Done")
	}
	if _, ok := reg.Lookup("b"); ok {
		t.Error("Unregistered run should not be found")
	}
	reg.Unregister("b") // no-op
}

func TestGatherRepoContext(t *testing.T) {
	repo := t.TempDir()
	os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Widget\n\nMakes widgets.\n"), 0644)
	os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0644)
	os.WriteFile(filepath.Join(repo, ".env"), []byte("SECRET=1\n"), 0644)
	os.Mkdir(filepath.Join(repo, "cmd"), 0755)

	got, err := GatherRepoContext(repo)
	if err != nil {
		t.Fatalf("GatherRepoContext failed: %v", err)
	}
	for _, want := range []string{"README.md\ncmd/\nmain.go", "Makes widgets."} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, ".env") {
		t.Error("hidden entries should be skipped")
	}
}

func TestGatherRepoContext_Errors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	os.WriteFile(file, []byte("x"), 0644)

	for _, path := range []string{filepath.Join(dir, "missing"), file} {
		if _, err := GatherRepoContext(path); err == nil {
			t.Errorf("Expected error for %s", path)
		}
	}
}
