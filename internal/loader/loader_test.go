package loader

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jbweber/anvil/api/v1alpha1"
)

const validEngine = `
apiVersion: anvil.jbweber.github.io/v1alpha1
kind: BuildEngine
metadata:
  name: sailfish-build-engine
spec:
  virtualMachine: Sailfish OS Build Engine
  memoryMB: 4096
  cpus: 4
  videoMode: 1280x800
  sharedPaths:
    home: /home/dev
    ssh: /home/dev/.config/anvil/ssh
  ssh:
    host: localhost
    user: mersdk
    port: 2222
  wwwPort: 8080
  wwwProxy:
    type: Manual
    servers: proxy.example.com:3128
  qmlLivePorts: [10234, 10235]
status:
  phase: Running
`

func TestLoadFromYAML_Valid(t *testing.T) {
	be, err := LoadFromYAML([]byte(validEngine))
	if err != nil {
		t.Fatalf("LoadFromYAML() error = %v", err)
	}

	if be.Name != "sailfish-build-engine" {
		t.Errorf("Expected name 'sailfish-build-engine', got %s", be.Name)
	}
	if be.VirtualMachineName() != "Sailfish OS Build Engine" {
		t.Errorf("VirtualMachineName() = %s", be.VirtualMachineName())
	}
	if be.Spec.MemoryMB != 4096 || be.Spec.CPUs != 4 {
		t.Errorf("Expected 4096 MB / 4 CPUs, got %d / %d", be.Spec.MemoryMB, be.Spec.CPUs)
	}
	if be.Spec.SSH.Port != 2222 || be.Spec.WWWPort != 8080 {
		t.Errorf("unexpected ports: ssh=%d www=%d", be.Spec.SSH.Port, be.Spec.WWWPort)
	}
	if be.Spec.WWWProxy == nil || be.Spec.WWWProxy.Type != "manual" {
		t.Errorf("proxy type should be normalized, got %+v", be.Spec.WWWProxy)
	}
	if len(be.Spec.QmlLivePorts) != 2 {
		t.Errorf("Expected 2 QmlLive ports, got %v", be.Spec.QmlLivePorts)
	}
	if !be.IsHeadless() {
		t.Error("headless should default to true")
	}
	if be.Status.Phase != "" {
		t.Errorf("status must be dropped on load, got phase %q", be.Status.Phase)
	}
}

func TestLoadFromYAML_Errors(t *testing.T) {
	header := "apiVersion: anvil.jbweber.github.io/v1alpha1\nkind: BuildEngine\n"

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing apiVersion",
			yaml:    "kind: BuildEngine\nmetadata:\n  name: engine\n",
			wantErr: "missing required field: apiVersion",
		},
		{
			name:    "missing kind",
			yaml:    "apiVersion: anvil.jbweber.github.io/v1alpha1\nmetadata:\n  name: engine\n",
			wantErr: "missing required field: kind",
		},
		{
			name:    "wrong apiVersion",
			yaml:    "apiVersion: anvil.example.com/v1alpha1\nkind: BuildEngine\nmetadata:\n  name: engine\n",
			wantErr: "unsupported apiVersion",
		},
		{
			name:    "wrong kind",
			yaml:    "apiVersion: anvil.jbweber.github.io/v1alpha1\nkind: VirtualMachine\nmetadata:\n  name: engine\n",
			wantErr: "unsupported kind",
		},
		{
			name:    "missing name",
			yaml:    header + "spec:\n  cpus: 2\n",
			wantErr: "metadata.name is required",
		},
		{
			name:    "negative memory",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  memoryMB: -1\n",
			wantErr: "spec.memoryMB",
		},
		{
			name:    "bad video mode",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  videoMode: wide\n",
			wantErr: "spec.videoMode",
		},
		{
			name:    "relative shared path",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  sharedPaths:\n    src: src\n",
			wantErr: "spec.sharedPaths.src",
		},
		{
			name:    "port out of range",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  ssh:\n    port: 70000\n",
			wantErr: "spec.ssh.port",
		},
		{
			name:    "manual proxy without servers",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  wwwProxy:\n    type: manual\n",
			wantErr: "spec.wwwProxy.servers",
		},
		{
			name:    "unknown proxy type",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  wwwProxy:\n    type: socks\n",
			wantErr: "spec.wwwProxy.type",
		},
		{
			name:    "too many qmllive ports",
			yaml:    header + "metadata:\n  name: engine\nspec:\n  qmlLivePorts: [1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11]\n",
			wantErr: "at most 10",
		},
		{
			name:    "invalid yaml",
			yaml:    "kind: [BuildEngine\n",
			wantErr: "failed to unmarshal YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromYAML([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestLoadAll_Stream(t *testing.T) {
	stream := validEngine + "---\n" + `
apiVersion: anvil.jbweber.github.io/v1alpha1
kind: BuildEngine
metadata:
  name: second-engine
spec:
  headless: false
---
`

	engines, err := LoadAll([]byte(stream))
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(engines) != 2 {
		t.Fatalf("Expected 2 engines, got %d", len(engines))
	}
	if engines[1].Name != "second-engine" || engines[1].IsHeadless() {
		t.Errorf("unexpected second engine: %+v", engines[1])
	}

	if _, err := LoadAll([]byte("---\n")); err == nil {
		t.Error("Expected error for a stream without documents")
	}

	bad := validEngine + "---\nkind: BuildEngine\n"
	if _, err := LoadAll([]byte(bad)); err == nil || !strings.Contains(err.Error(), "document 1") {
		t.Errorf("Expected error naming document 1, got %v", err)
	}
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engines.yaml")

	first := v1alpha1.NewBuildEngine("engine-a")
	first.Spec.CPUs = 2
	second := &v1alpha1.BuildEngine{ObjectMeta: v1alpha1.ObjectMeta{Name: "engine-b"}}
	second.Spec.WWWPort = 8080

	if err := SaveToFile([]*v1alpha1.BuildEngine{first, second}, path); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	engines, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if len(engines) != 2 {
		t.Fatalf("Expected 2 engines, got %d", len(engines))
	}
	if engines[0].Spec.CPUs != 2 || engines[1].Spec.WWWPort != 8080 {
		t.Errorf("values lost in round trip: %+v %+v", engines[0].Spec, engines[1].Spec)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}
