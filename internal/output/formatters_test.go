package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// createTestEngine creates a BuildEngine for testing.
func createTestEngine(name string, phase v1alpha1.EnginePhase, sshPort int) *v1alpha1.BuildEngine {
	be := v1alpha1.NewBuildEngine(name)
	be.Spec.MemoryMB = 4096
	be.Spec.CPUs = 2
	be.Spec.SSH = v1alpha1.SSHSpec{Host: "localhost", User: "mersdk", Port: sshPort}
	be.Status.Phase = phase
	be.Status.BuildTargets = []string{"SailfishOS-4.5.0.18-aarch64", "SailfishOS-4.5.0.18-i486"}
	return be
}

func TestTableFormatter_FormatEngine(t *testing.T) {
	tests := []struct {
		name      string
		engine    *v1alpha1.BuildEngine
		wantName  string
		wantPhase string
		wantPort  string
	}{
		{
			name:      "running engine",
			engine:    createTestEngine("sailfish-build-engine", v1alpha1.EnginePhaseRunning, 2222),
			wantName:  "sailfish-build-engine",
			wantPhase: "Running",
			wantPort:  "2222",
		},
		{
			name:      "stopped engine without ports",
			engine:    createTestEngine("stopped-engine", v1alpha1.EnginePhaseStopped, 0),
			wantName:  "stopped-engine",
			wantPhase: "Stopped",
			wantPort:  "-",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &TableFormatter{}
			output, err := formatter.FormatEngine(tt.engine)
			if err != nil {
				t.Fatalf("FormatEngine() error = %v", err)
			}

			for _, want := range []string{tt.wantName, tt.wantPhase, tt.wantPort, "4096 MiB"} {
				if !strings.Contains(output, want) {
					t.Errorf("output missing %q: %s", want, output)
				}
			}
		})
	}
}

func TestTableFormatter_FormatEngineList(t *testing.T) {
	tests := []struct {
		name       string
		engines    []*v1alpha1.BuildEngine
		noHeaders  bool
		wantCount  int
		wantHeader bool
	}{
		{
			name:      "empty list",
			engines:   []*v1alpha1.BuildEngine{},
			wantCount: 0,
		},
		{
			name: "multiple engines",
			engines: []*v1alpha1.BuildEngine{
				createTestEngine("engine1", v1alpha1.EnginePhaseRunning, 2222),
				createTestEngine("engine2", v1alpha1.EnginePhaseSaved, 2223),
				createTestEngine("engine3", v1alpha1.EnginePhaseUnknown, 0),
			},
			wantCount:  3,
			wantHeader: true,
		},
		{
			name: "no headers",
			engines: []*v1alpha1.BuildEngine{
				createTestEngine("engine1", v1alpha1.EnginePhaseRunning, 2222),
			},
			noHeaders:  true,
			wantCount:  1,
			wantHeader: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter := &TableFormatter{NoHeaders: tt.noHeaders}
			output, err := formatter.FormatEngineList(tt.engines)
			if err != nil {
				t.Fatalf("FormatEngineList() error = %v", err)
			}

			if tt.wantCount == 0 {
				if !strings.Contains(output, "No build engines found") {
					t.Errorf("expected 'No build engines found' message, got: %s", output)
				}
				return
			}

			hasHeader := strings.Contains(output, "NAME") && strings.Contains(output, "PHASE")
			if tt.wantHeader != hasHeader {
				t.Errorf("header present = %v, want %v: %s", hasHeader, tt.wantHeader, output)
			}

			lines := strings.Split(strings.TrimSpace(output), "\n")
			expectedLines := tt.wantCount
			if tt.wantHeader {
				expectedLines++
			}
			if len(lines) != expectedLines {
				t.Errorf("expected %d lines, got %d: %s", expectedLines, len(lines), output)
			}
		})
	}
}

func TestYAMLFormatter_FormatEngine(t *testing.T) {
	be := createTestEngine("sailfish-build-engine", v1alpha1.EnginePhaseRunning, 2222)

	formatter := &YAMLFormatter{}
	output, err := formatter.FormatEngine(be)
	if err != nil {
		t.Fatalf("FormatEngine() error = %v", err)
	}

	requiredFields := []string{
		"apiVersion: anvil.jbweber.github.io/v1alpha1",
		"kind: BuildEngine",
		"name: sailfish-build-engine",
		"memoryMB: 4096",
		"cpus: 2",
		"port: 2222",
		"phase: Running",
		"- SailfishOS-4.5.0.18-aarch64",
	}

	for _, field := range requiredFields {
		if !strings.Contains(output, field) {
			t.Errorf("output missing required field %q: %s", field, output)
		}
	}
}

func TestYAMLFormatter_FormatEngineList(t *testing.T) {
	formatter := &YAMLFormatter{}

	output, err := formatter.FormatEngineList(nil)
	if err != nil {
		t.Fatalf("FormatEngineList() error = %v", err)
	}
	if output != "" {
		t.Errorf("expected empty output, got: %s", output)
	}

	engines := []*v1alpha1.BuildEngine{
		createTestEngine("engine1", v1alpha1.EnginePhaseRunning, 2222),
		createTestEngine("engine2", v1alpha1.EnginePhaseStopped, 2223),
	}
	output, err = formatter.FormatEngineList(engines)
	if err != nil {
		t.Fatalf("FormatEngineList() error = %v", err)
	}
	if strings.Count(output, "---\n") != 1 {
		t.Errorf("expected one document separator: %s", output)
	}
	for _, be := range engines {
		if !strings.Contains(output, be.Name) {
			t.Errorf("output missing engine name %q", be.Name)
		}
	}
}

func TestJSONFormatter(t *testing.T) {
	formatter := &JSONFormatter{}

	single, err := formatter.FormatEngine(createTestEngine("engine1", v1alpha1.EnginePhaseRunning, 2222))
	if err != nil {
		t.Fatalf("FormatEngine() error = %v", err)
	}
	var decoded v1alpha1.BuildEngine
	if err := json.Unmarshal([]byte(single), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Spec.SSH.Port != 2222 || decoded.Status.Phase != v1alpha1.EnginePhaseRunning {
		t.Errorf("unexpected decoded engine: %+v", decoded)
	}

	list, err := formatter.FormatEngineList(nil)
	if err != nil {
		t.Fatalf("FormatEngineList() error = %v", err)
	}
	var wrapper struct {
		Kind  string                  `json:"kind"`
		Items []*v1alpha1.BuildEngine `json:"items"`
	}
	if err := json.Unmarshal([]byte(list), &wrapper); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if wrapper.Kind != "BuildEngineList" {
		t.Errorf("Kind = %q, want BuildEngineList", wrapper.Kind)
	}
	if wrapper.Items == nil || len(wrapper.Items) != 0 {
		t.Errorf("expected an empty items array, got %v", wrapper.Items)
	}
}

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "table format", opts: Options{Format: FormatTable}},
		{name: "yaml format", opts: Options{Format: FormatYAML}},
		{name: "json format", opts: Options{Format: FormatJSON}},
		{name: "invalid format", opts: Options{Format: "invalid"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			formatter, err := NewFormatter(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFormatter() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && formatter == nil {
				t.Error("NewFormatter() returned nil formatter")
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	for _, format := range []string{"table", "yaml", "json"} {
		if err := ValidateFormat(format); err != nil {
			t.Errorf("ValidateFormat(%q) error = %v", format, err)
		}
	}
	for _, format := range []string{"xml", ""} {
		if err := ValidateFormat(format); err == nil {
			t.Errorf("ValidateFormat(%q) expected error", format)
		}
	}
}
