package extension

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	extDir := filepath.Join(dir, name)
	if err := os.MkdirAll(extDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(extDir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifestDefaults(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "docker", `
id: docker-attach
name: Docker Attach
version: 1.2.0
entry: ["/usr/local/bin/docker-relay-ext"]
capabilities:
  can_attach: true
  can_list_targets: true
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.ID != "docker-attach" || m.Version != "1.2.0" {
		t.Errorf("manifest = %+v", m)
	}
	if m.Adapter.Type != ProtocolRPCV1 {
		t.Errorf("adapter type = %q, want default rpc-v1", m.Adapter.Type)
	}
	if !m.Capabilities.CanAttach || !m.Capabilities.CanListTargets {
		t.Errorf("capabilities = %+v", m.Capabilities)
	}
}

func TestLoadManifestRelativeEntry(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "serial", `
id: serial
entry: ["run.sh", "--port", "/dev/ttyUSB0"]
`)
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	want := filepath.Join(dir, "serial", "run.sh")
	if m.Entry[0] != want {
		t.Errorf("entry[0] = %q, want %q", m.Entry[0], want)
	}
	if m.Entry[2] != "/dev/ttyUSB0" {
		t.Errorf("entry[2] = %q, arguments must not be rewritten", m.Entry[2])
	}
}

func TestLoadManifestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"MissingID", "entry: [\"/bin/true\"]\n"},
		{"MissingEntry", "id: x\n"},
		{"BadProtocolVersion", "id: x\nentry: [\"/bin/true\"]\nprotocol_version: v9\n"},
		{"BadAdapterType", "id: x\nentry: [\"/bin/true\"]\nadapter:\n  type: grpc\n"},
		{"SimpleIOCannotAttach", `
id: x
entry: ["/bin/true"]
adapter:
  type: simple-io-v1
capabilities:
  can_attach: true
`},
		{"SimpleIOCannotSnapshot", `
id: x
entry: ["/bin/true"]
adapter:
  type: simple-io-v1
capabilities:
  has_history_snapshot: true
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, t.TempDir(), "bad", tt.content)
			if _, err := LoadManifest(path); err == nil {
				t.Fatal("LoadManifest succeeded, want validation error")
			}
		})
	}
}

func TestDiscoverManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "one", "id: one\nentry: [\"/bin/true\"]\n")
	writeManifest(t, dir, "two", "id: two\nentry: [\"/bin/true\"]\nadapter:\n  type: simple-io-v1\n")
	// A directory without a manifest is skipped, not an error.
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	manifests, err := DiscoverManifests(dir)
	if err != nil {
		t.Fatalf("DiscoverManifests: %v", err)
	}
	if len(manifests) != 2 {
		t.Fatalf("found %d manifests, want 2", len(manifests))
	}
	ids := map[string]bool{}
	for _, m := range manifests {
		ids[m.ID] = true
	}
	if !ids["one"] || !ids["two"] {
		t.Errorf("manifest ids = %v", ids)
	}
}
