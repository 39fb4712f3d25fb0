package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestNewLoadsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt-templates.json")
	writeFile(t, path, `["You are a baker.", {"name": "guard", "prompt": "Watch the gate."}]`)

	set := New(path, nil)
	got := set.Templates()
	if len(got) != 2 || got[0] != "You are a baker." {
		t.Fatalf("unexpected templates %#v", got)
	}
	got[0] = "changed"
	if set.Templates()[0] != "You are a baker." {
		t.Fatalf("Templates returned shared storage")
	}
}

func TestBadFilesYieldEmptySet(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"object.json": `{"templates": []}`,
		"broken.json": `[`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		writeFile(t, path, body)
		if got := New(path, nil).Templates(); len(got) != 0 {
			t.Fatalf("%s: expected empty set, got %#v", name, got)
		}
	}
	if got := New(filepath.Join(dir, "missing.json"), nil).Templates(); len(got) != 0 {
		t.Fatalf("missing file: expected empty set, got %#v", got)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompt-templates.json")
	writeFile(t, path, `["one"]`)

	set := New(path, nil)
	if err := set.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer set.Close()

	writeFile(t, path, `["one", "two"]`)
	deadline := time.After(5 * time.Second)
	for len(set.Templates()) != 2 {
		select {
		case <-set.reloaded:
		case <-deadline:
			t.Fatalf("templates not reloaded, have %#v", set.Templates())
		}
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	deadline = time.After(5 * time.Second)
	for len(set.Templates()) != 0 {
		select {
		case <-set.reloaded:
		case <-deadline:
			t.Fatalf("templates kept after removal: %#v", set.Templates())
		}
	}
}

func TestCloseWithoutWatch(t *testing.T) {
	set := New(filepath.Join(t.TempDir(), "none.json"), nil)
	if err := set.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
