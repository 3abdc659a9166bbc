// Package settings reads and writes the persisted build engine document.
//
// The document is a flat, versioned key-value tree. Engines are stored as
// indexed blocks next to an explicit count:
//
//	BuildEngines.Version: 2
//	BuildEngines.InstallDir: /opt/SailfishOS
//	BuildEngines.Count: 1
//	BuildEngine.0:
//	  VirtualMachineName: Sailfish OS Build Engine
//	  Autodetected: true
//	  SharedHome: /home/dev
//	  ...
//	  BuildTargets.Count: 1
//	  BuildTarget.0:
//	    Name: SailfishOS-4.5.0.18-aarch64
//	    GccDumpMachine: aarch64-meego-linux-gnu
//
// Documents live in two locations. The system location is read-only and the
// user location takes precedence; see Store.
package settings

const (
	// CurrentVersion is the document version written by Save.
	CurrentVersion = 2

	// FileName is the conventional document file name.
	FileName = "buildengines.yaml"
)

// Document keys.
const (
	keyVersion      = "BuildEngines.Version"
	keyInstallDir   = "BuildEngines.InstallDir"
	keyCount        = "BuildEngines.Count"
	keyEnginePrefix = "BuildEngine."
	keyTargetsCount = "BuildTargets.Count"
	keyTargetPrefix = "BuildTarget."
)

// Defaults applied to legacy documents.
const (
	DefaultHost       = "localhost"
	DefaultUser       = "mersdk"
	DefaultSSHTimeout = 30
)

// Proxy types.
const (
	ProxyDirect = "direct"
	ProxyAuto   = "auto"
	ProxyManual = "manual"
)

// Document is the decoded settings tree.
type Document struct {
	Version    int
	InstallDir string
	Engines    []Engine
}

// Engine is one BuildEngine.<i> block.
type Engine struct {
	VirtualMachineName string `yaml:"VirtualMachineName"`
	Autodetected       bool   `yaml:"Autodetected"`

	SharedHome   string `yaml:"SharedHome,omitempty"`
	SharedTarget string `yaml:"SharedTarget,omitempty"`
	SharedConfig string `yaml:"SharedConfig,omitempty"`
	SharedSrc    string `yaml:"SharedSrc,omitempty"`
	SharedSSH    string `yaml:"SharedSsh,omitempty"`

	Host           string `yaml:"Host"`
	UserName       string `yaml:"UserName"`
	PrivateKeyFile string `yaml:"PrivateKeyFile,omitempty"`
	SSHPort        int    `yaml:"SshPort"`
	SSHTimeout     int    `yaml:"SshTimeout"`

	WWWPort          int    `yaml:"WwwPort"`
	WWWProxyType     string `yaml:"WwwProxyType"`
	WWWProxyServers  string `yaml:"WwwProxyServers,omitempty"`
	WWWProxyExcludes string `yaml:"WwwProxyExcludes,omitempty"`

	Headless bool `yaml:"Headless"`

	BuildTargets []BuildTarget `yaml:"-"`
}

// BuildTarget is one BuildTarget.<j> block with the cached toolchain dumps.
type BuildTarget struct {
	Name                string `yaml:"Name"`
	GccDumpMachine      string `yaml:"GccDumpMachine,omitempty"`
	GccDumpMacros       string `yaml:"GccDumpMacros,omitempty"`
	GccDumpIncludes     string `yaml:"GccDumpIncludes,omitempty"`
	QmakeQuery          string `yaml:"QmakeQuery,omitempty"`
	RpmValidationSuites string `yaml:"RpmValidationSuites,omitempty"`
}

// NewDocument returns an empty document at the current version.
func NewDocument() *Document {
	return &Document{Version: CurrentVersion}
}
