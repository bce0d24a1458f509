package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, raw string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "products.json")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadAndLookup(t *testing.T) {
	path := writeCatalog(t, `[
		{"id": "hat-red-01", "name": "Red Hat", "image_url": "https://cdn.example.com/hat-red.jpg"},
		{"id": "mug_3", "name": "Mug", "image_url": "https://cdn.example.com/mug.jpg"}
	]`)

	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != 2 {
		t.Fatalf("loaded %d products, want 2", cat.Len())
	}

	url, ok := cat.ImageURL("hat-red-01")
	if !ok || url != "https://cdn.example.com/hat-red.jpg" {
		t.Fatalf("ImageURL = %q, %v", url, ok)
	}
	if _, ok := cat.ImageURL("no-such-product"); ok {
		t.Fatal("unknown product id should not resolve")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cat, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() != 0 {
		t.Fatalf("empty catalog has %d products", cat.Len())
	}
}

func TestLoadRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing id", `[{"name": "Hat", "image_url": "https://cdn.example.com/hat.jpg"}]`},
		{"bad url scheme", `[{"id": "x", "name": "Hat", "image_url": "ftp://cdn.example.com/hat.jpg"}]`},
		{"no host", `[{"id": "x", "name": "Hat", "image_url": "https://"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeCatalog(t, tt.raw)); err == nil {
				t.Fatal("Load should reject the catalog")
			}
		})
	}
}

func TestReloadReplaces(t *testing.T) {
	path := writeCatalog(t, `[{"id": "a", "name": "A", "image_url": "https://cdn.example.com/a.jpg"}]`)
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte(`[{"id": "b", "name": "B", "image_url": "https://cdn.example.com/b.jpg"}]`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := cat.Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := cat.Lookup("a"); ok {
		t.Fatal("old product should be gone after reload")
	}
	if _, ok := cat.Lookup("b"); !ok {
		t.Fatal("new product should be present after reload")
	}
}
