package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatEngine formats a single BuildEngine as YAML.
func (f *YAMLFormatter) FormatEngine(be *v1alpha1.BuildEngine) (string, error) {
	v1alpha1.SetDefaultAPIVersion(be)

	data, err := yaml.Marshal(be)
	if err != nil {
		return "", fmt.Errorf("failed to marshal build engine to YAML: %w", err)
	}

	return string(data), nil
}

// FormatEngineList formats build engines as a YAML stream (multiple
// documents separated by ---), which `engine apply -f` reads back.
func (f *YAMLFormatter) FormatEngineList(engines []*v1alpha1.BuildEngine) (string, error) {
	var buf bytes.Buffer

	for i, be := range engines {
		v1alpha1.SetDefaultAPIVersion(be)

		data, err := yaml.Marshal(be)
		if err != nil {
			return "", fmt.Errorf("failed to marshal build engine %s to YAML: %w", be.Name, err)
		}

		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(data)
	}

	return buf.String(), nil
}
