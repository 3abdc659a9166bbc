package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/internal/errdefs"
)

// engineFields is Engine without its custom target encoding.
type engineFields Engine

// Marshal encodes doc at CurrentVersion. Keys are emitted in a fixed order.
func Marshal(doc *Document) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	appendScalar(root, keyVersion, strconv.Itoa(CurrentVersion), "!!int")
	appendScalar(root, keyInstallDir, doc.InstallDir, "!!str")
	appendScalar(root, keyCount, strconv.Itoa(len(doc.Engines)), "!!int")

	for i, engine := range doc.Engines {
		node, err := encodeEngine(engine)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s%d: %w", keyEnginePrefix, i, err)
		}
		root.Content = append(root.Content, keyNode(keyEnginePrefix+strconv.Itoa(i)), node)
	}

	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings document: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a settings document and migrates it to CurrentVersion.
//
// A missing version is treated as version 1. Versions above CurrentVersion
// or below 1 fail with ErrSchemaVersionUnsupported. Structural problems,
// such as a count that disagrees with the indexed blocks, fail with ErrIO.
func Unmarshal(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: failed to parse settings document: %v", errdefs.ErrIO, err)
	}

	doc := NewDocument()
	if root.Kind == 0 {
		// Empty file.
		return doc, nil
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: settings document must be a mapping", errdefs.ErrIO)
	}
	mapping := root.Content[0]

	version := 1
	count, hasCount := 0, false
	blocks := make(map[int]*yaml.Node)

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key, value := mapping.Content[i].Value, mapping.Content[i+1]
		switch {
		case key == keyVersion:
			if err := value.Decode(&version); err != nil {
				return nil, fmt.Errorf("%w: invalid %s: %v", errdefs.ErrIO, keyVersion, err)
			}
		case key == keyInstallDir:
			if err := value.Decode(&doc.InstallDir); err != nil {
				return nil, fmt.Errorf("%w: invalid %s: %v", errdefs.ErrIO, keyInstallDir, err)
			}
		case key == keyCount:
			hasCount = true
			if err := value.Decode(&count); err != nil {
				return nil, fmt.Errorf("%w: invalid %s: %v", errdefs.ErrIO, keyCount, err)
			}
		case strings.HasPrefix(key, keyEnginePrefix):
			idx, err := strconv.Atoi(strings.TrimPrefix(key, keyEnginePrefix))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: invalid engine key %q", errdefs.ErrIO, key)
			}
			blocks[idx] = value
		}
	}

	if version < 1 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: settings document version %d (supported: 1 to %d)",
			errdefs.ErrSchemaVersionUnsupported, version, CurrentVersion)
	}

	if !hasCount {
		count = len(blocks)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: %s is negative: %d", errdefs.ErrIO, keyCount, count)
	}
	if count != len(blocks) {
		return nil, fmt.Errorf("%w: %s is %d but %d engine blocks are present",
			errdefs.ErrIO, keyCount, count, len(blocks))
	}

	doc.Engines = make([]Engine, 0, count)
	for i := 0; i < count; i++ {
		block, ok := blocks[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s%d", errdefs.ErrIO, keyEnginePrefix, i)
		}
		engine, err := decodeEngine(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %s%d: %v", errdefs.ErrIO, keyEnginePrefix, i, err)
		}
		doc.Engines = append(doc.Engines, engine)
	}

	migrate(doc, version)
	return doc, nil
}

// migrate upgrades doc in place from version to CurrentVersion.
//
// Version 1 documents did not store SSH connection defaults, the proxy type
// or the SSH key share; those are filled in from the historical defaults.
func migrate(doc *Document, version int) {
	if version < 2 {
		for i := range doc.Engines {
			e := &doc.Engines[i]
			if e.Host == "" {
				e.Host = DefaultHost
			}
			if e.UserName == "" {
				e.UserName = DefaultUser
			}
			if e.SSHTimeout == 0 {
				e.SSHTimeout = DefaultSSHTimeout
			}
			if e.WWWProxyType == "" {
				e.WWWProxyType = ProxyDirect
			}
			if e.SharedSSH == "" && e.SharedConfig != "" {
				e.SharedSSH = strings.TrimSuffix(e.SharedConfig, "/") + "/ssh"
			}
		}
	}
	doc.Version = CurrentVersion
}

func encodeEngine(engine Engine) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(engineFields(engine)); err != nil {
		return nil, err
	}

	appendScalar(&node, keyTargetsCount, strconv.Itoa(len(engine.BuildTargets)), "!!int")
	for j, target := range engine.BuildTargets {
		var targetNode yaml.Node
		if err := targetNode.Encode(target); err != nil {
			return nil, fmt.Errorf("failed to encode %s%d: %w", keyTargetPrefix, j, err)
		}
		node.Content = append(node.Content, keyNode(keyTargetPrefix+strconv.Itoa(j)), &targetNode)
	}
	return &node, nil
}

func decodeEngine(node *yaml.Node) (Engine, error) {
	if node.Kind != yaml.MappingNode {
		return Engine{}, fmt.Errorf("engine block must be a mapping")
	}

	var fields engineFields
	if err := node.Decode(&fields); err != nil {
		return Engine{}, err
	}
	engine := Engine(fields)

	count, hasCount := 0, false
	targets := make(map[int]*yaml.Node)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch {
		case key == keyTargetsCount:
			hasCount = true
			if err := value.Decode(&count); err != nil {
				return Engine{}, fmt.Errorf("invalid %s: %v", keyTargetsCount, err)
			}
		case strings.HasPrefix(key, keyTargetPrefix):
			idx, err := strconv.Atoi(strings.TrimPrefix(key, keyTargetPrefix))
			if err != nil || idx < 0 {
				return Engine{}, fmt.Errorf("invalid target key %q", key)
			}
			targets[idx] = value
		}
	}

	if !hasCount {
		count = len(targets)
	}
	if count < 0 {
		return Engine{}, fmt.Errorf("%s is negative: %d", keyTargetsCount, count)
	}
	if count != len(targets) {
		return Engine{}, fmt.Errorf("%s is %d but %d target blocks are present", keyTargetsCount, count, len(targets))
	}

	indexes := make([]int, 0, len(targets))
	for idx := range targets {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for want, idx := range indexes {
		if idx != want {
			return Engine{}, fmt.Errorf("missing %s%d", keyTargetPrefix, want)
		}
		var target BuildTarget
		if err := targets[idx].Decode(&target); err != nil {
			return Engine{}, fmt.Errorf("%s%d: %v", keyTargetPrefix, idx, err)
		}
		engine.BuildTargets = append(engine.BuildTargets, target)
	}
	return engine, nil
}

func keyNode(key string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
}

func appendScalar(mapping *yaml.Node, key, value, tag string) {
	mapping.Content = append(mapping.Content,
		keyNode(key),
		&yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value})
}
