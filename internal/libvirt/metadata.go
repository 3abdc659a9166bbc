package libvirt

import (
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	// MetadataNamespace is the XML namespace for anvil domain metadata.
	MetadataNamespace = "https://github.com/jbweber/anvil/v1"

	// MetadataKey is the element prefix used when storing metadata.
	MetadataKey = "anvil"
)

// engineMetadata is the custom element anvil keeps in each domain. It holds
// state that cannot be read back from the domain definition itself.
type engineMetadata struct {
	XMLName xml.Name `xml:"engine"`
	Xmlns   string   `xml:"xmlns,attr"`

	// SharedSSH is the host directory the SSH seed ISO was built from.
	SharedSSH string `xml:"sharedSSH,omitempty"`
}

func (m engineMetadata) isZero() bool {
	return m.SharedSSH == ""
}

// encodeMetadata marshals m. A zero value encodes as empty, which removes
// the element.
func encodeMetadata(m engineMetadata) (string, error) {
	if m.isZero() {
		return "", nil
	}
	m.Xmlns = MetadataNamespace
	out, err := xml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}
	return string(out), nil
}

// decodeMetadata parses the element returned by libvirt. Empty input yields
// the zero value.
func decodeMetadata(s string) (engineMetadata, error) {
	var m engineMetadata
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	if err := xml.Unmarshal([]byte(s), &m); err != nil {
		return engineMetadata{}, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}
	return m, nil
}
