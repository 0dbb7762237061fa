// Package extension supervises adapters that run as separate processes,
// speaking one of two framed sub-protocols over stdio: rpc-v1
// (JSON-RPC 2.0 request/response plus push events) or simple-io-v1
// (line-delimited typed messages). The host owns process lifecycle,
// health, and bounded restart; extensions only translate local terminal
// actions and never hold control or routing logic.
package extension

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/term-relay/backend/internal/adapter"
)

const (
	ProtocolRPCV1      = "rpc-v1"
	ProtocolSimpleIOV1 = "simple-io-v1"

	// protocolVersion is the extension protocol revision the host
	// speaks. Checked against the manifest and, for rpc-v1, against the
	// ext.hello reply.
	protocolVersion = "v1"
)

// Manifest describes one installed extension.
type Manifest struct {
	ID              string               `yaml:"id"`
	Name            string               `yaml:"name"`
	Version         string               `yaml:"version"`
	ProtocolVersion string               `yaml:"protocol_version"`
	Adapter         AdapterSpec          `yaml:"adapter"`
	Entry           []string             `yaml:"entry"`
	Capabilities    adapter.Capabilities `yaml:"capabilities"`
}

type AdapterSpec struct {
	// Type selects the sub-protocol: rpc-v1 (default) or simple-io-v1.
	Type string `yaml:"type"`
}

// LoadManifest reads and validates a manifest.yaml.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}

	// Relative entry points resolve against the manifest's directory.
	if len(m.Entry) > 0 && !filepath.IsAbs(m.Entry[0]) {
		m.Entry[0] = filepath.Join(filepath.Dir(path), m.Entry[0])
	}
	return m, nil
}

// DiscoverManifests loads every <dir>/<name>/manifest.yaml.
func DiscoverManifests(dir string) ([]Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var manifests []Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func (m *Manifest) validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest missing id")
	}
	if len(m.Entry) == 0 {
		return fmt.Errorf("manifest %s missing entry", m.ID)
	}
	if m.ProtocolVersion != "" && m.ProtocolVersion != protocolVersion {
		return fmt.Errorf("manifest %s: unsupported protocol_version %q", m.ID, m.ProtocolVersion)
	}
	switch m.Adapter.Type {
	case "":
		m.Adapter.Type = ProtocolRPCV1
	case ProtocolRPCV1:
	case ProtocolSimpleIOV1:
		// simple-io-v1 has no list_targets or capture ops; adapters
		// needing attach/takeover or snapshots must use rpc-v1.
		if m.Capabilities.CanAttach || m.Capabilities.CanTakeover {
			return fmt.Errorf("manifest %s: attach/takeover adapters require rpc-v1", m.ID)
		}
		if m.Capabilities.CanListTargets || m.Capabilities.HasHistorySnapshot {
			return fmt.Errorf("manifest %s: list_targets/snapshot capabilities require rpc-v1", m.ID)
		}
	default:
		return fmt.Errorf("manifest %s: unknown adapter type %q", m.ID, m.Adapter.Type)
	}
	return nil
}
