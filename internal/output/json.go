package output

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatEngine formats a single BuildEngine as JSON.
func (f *JSONFormatter) FormatEngine(be *v1alpha1.BuildEngine) (string, error) {
	v1alpha1.SetDefaultAPIVersion(be)

	data, err := json.MarshalIndent(be, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal build engine to JSON: %w", err)
	}

	return string(data) + "\n", nil
}

// FormatEngineList formats build engines as a JSON object with an items
// array, like a Kubernetes List:
//
//	{
//	  "apiVersion": "anvil.jbweber.github.io/v1alpha1",
//	  "kind": "BuildEngineList",
//	  "items": [...]
//	}
func (f *JSONFormatter) FormatEngineList(engines []*v1alpha1.BuildEngine) (string, error) {
	for _, be := range engines {
		v1alpha1.SetDefaultAPIVersion(be)
	}
	if engines == nil {
		engines = []*v1alpha1.BuildEngine{}
	}

	wrapper := map[string]interface{}{
		"apiVersion": v1alpha1.APIVersion(),
		"kind":       v1alpha1.BuildEngineKind + "List",
		"items":      engines,
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(wrapper); err != nil {
		return "", fmt.Errorf("failed to marshal build engine list to JSON: %w", err)
	}

	return buf.String(), nil
}
