// Package loader reads BuildEngine resources from YAML files, the input of
// `anvil engine apply -f`.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/engine"
	"github.com/jbweber/anvil/internal/vm"
)

// LoadFromFile loads every BuildEngine document in a YAML file. The file
// may hold a stream of documents separated by ---, as written by
// `anvil engine get -o yaml`.
func LoadFromFile(path string) ([]*v1alpha1.BuildEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	engines, err := LoadAll(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return engines, nil
}

// LoadAll loads every BuildEngine document in a YAML stream. Empty
// documents are skipped; a stream with none is an error.
func LoadAll(data []byte) ([]*v1alpha1.BuildEngine, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var engines []*v1alpha1.BuildEngine
	for i := 0; ; i++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML document %d: %w", i, err)
		}
		if isEmptyDocument(&node) {
			continue
		}

		be, err := decode(&node)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		engines = append(engines, be)
	}

	if len(engines) == 0 {
		return nil, fmt.Errorf("no %s documents found", v1alpha1.BuildEngineKind)
	}
	return engines, nil
}

// LoadFromYAML loads a single BuildEngine resource from YAML bytes.
func LoadFromYAML(data []byte) (*v1alpha1.BuildEngine, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	if isEmptyDocument(&node) {
		return nil, fmt.Errorf("empty document")
	}
	return decode(&node)
}

// isEmptyDocument reports documents with no content, such as the one after
// a trailing ---.
func isEmptyDocument(node *yaml.Node) bool {
	return len(node.Content) == 0 || node.Content[0].ShortTag() == "!!null"
}

func decode(node *yaml.Node) (*v1alpha1.BuildEngine, error) {
	var be v1alpha1.BuildEngine
	if err := node.Decode(&be); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if be.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if be.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}
	if be.APIVersion != v1alpha1.APIVersion() {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", be.APIVersion, v1alpha1.APIVersion())
	}
	if be.Kind != v1alpha1.BuildEngineKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", be.Kind, v1alpha1.BuildEngineKind)
	}

	be.Normalize()

	// Status is observed, never applied.
	be.Status = v1alpha1.BuildEngineStatus{}

	if err := validateSpec(&be); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &be, nil
}

// SaveToFile writes engines to path as a YAML stream.
func SaveToFile(engines []*v1alpha1.BuildEngine, path string) error {
	var buf bytes.Buffer
	for i, be := range engines {
		v1alpha1.SetDefaultAPIVersion(be)
		data, err := yaml.Marshal(be)
		if err != nil {
			return fmt.Errorf("failed to marshal build engine %s to YAML: %w", be.Name, err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}
	return nil
}

// validateSpec checks the fields an apply would push to the engine. Zero
// values mean "unchanged" and are accepted.
func validateSpec(be *v1alpha1.BuildEngine) error {
	if be.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	spec := be.Spec
	if spec.MemoryMB < 0 {
		return fmt.Errorf("spec.memoryMB must be greater than 0")
	}
	if spec.CPUs < 0 {
		return fmt.Errorf("spec.cpus must be greater than 0")
	}
	if spec.StorageSizeMB < 0 {
		return fmt.Errorf("spec.storageSizeMB must be greater than 0")
	}
	if spec.VideoMode != "" {
		if _, err := vm.ParseVideoMode(spec.VideoMode); err != nil {
			return fmt.Errorf("spec.videoMode: %w", err)
		}
	}

	for _, p := range spec.SharedPaths.SharedPathList() {
		if !filepath.IsAbs(p[1]) {
			return fmt.Errorf("spec.sharedPaths.%s must be an absolute path, got %q", p[0], p[1])
		}
	}

	if spec.SSH.Port != 0 {
		if _, err := vm.ValidatePort(spec.SSH.Port); err != nil {
			return fmt.Errorf("spec.ssh.port: %w", err)
		}
	}
	if spec.SSH.TimeoutSeconds < 0 {
		return fmt.Errorf("spec.ssh.timeoutSeconds must not be negative")
	}
	if spec.WWWPort != 0 {
		if _, err := vm.ValidatePort(spec.WWWPort); err != nil {
			return fmt.Errorf("spec.wwwPort: %w", err)
		}
	}

	if spec.WWWProxy != nil {
		switch spec.WWWProxy.Type {
		case engine.ProxyDirect, engine.ProxyAuto:
		case engine.ProxyManual:
			if spec.WWWProxy.Servers == "" {
				return fmt.Errorf("spec.wwwProxy.servers is required for a manual proxy")
			}
		default:
			return fmt.Errorf("spec.wwwProxy.type must be %s, %s or %s, got %q",
				engine.ProxyDirect, engine.ProxyAuto, engine.ProxyManual, spec.WWWProxy.Type)
		}
	}

	if len(spec.QmlLivePorts) > vm.MaxQmlLivePorts {
		return fmt.Errorf("spec.qmlLivePorts has %d entries, at most %d are allowed", len(spec.QmlLivePorts), vm.MaxQmlLivePorts)
	}
	if _, err := vm.ValidatePorts(spec.QmlLivePorts); err != nil {
		return fmt.Errorf("spec.qmlLivePorts: %w", err)
	}

	return nil
}
