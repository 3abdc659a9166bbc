package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/loader"
	"github.com/jbweber/anvil/internal/sdk"
)

var applyFile string

func init() {
	engineApplyCmd.Flags().StringVarP(&applyFile, "filename", "f", "", "YAML file with one or more BuildEngine resources")
	_ = engineApplyCmd.MarkFlagRequired("filename")

	addSetFlags(engineSetCmd.Flags())
}

var engineApplyCmd = &cobra.Command{
	Use:   "apply -f <file.yaml>",
	Short: "Create or update build engines from YAML",
	Long: `Create or update build engines from BuildEngine resources.

Engines that do not exist yet are created for their virtual machine. Fields
left out of a resource keep their current value; status is ignored.

Example:
  anvil engine get "Sailfish OS Build Engine" -o yaml > engine.yaml
  anvil engine apply -f engine.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resources, err := loader.LoadFromFile(applyFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		var failed int
		for _, be := range resources {
			e, created, err := s.Apply(ctx, be)
			switch {
			case err != nil:
				failed++
				fmt.Printf("✗ %s: %v\n", be.Name, err)
			case created:
				fmt.Printf("✓ Build engine %s created\n", e.Name())
			default:
				fmt.Printf("✓ Build engine %s configured\n", e.Name())
			}
		}

		// Partially applied engines are saved too; the VM already changed.
		if err := s.SaveSettings(); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d build engines failed to apply", failed, len(resources))
		}
		return nil
	},
}

var engineSetCmd = &cobra.Command{
	Use:   "set <engine>",
	Short: "Change build engine settings",
	Long: `Change one or more settings of an existing build engine.

Only the flags given are changed. Most VM changes need the engine to be
stopped.

Example:
  anvil engine set "Sailfish OS Build Engine" --memory 4096 --cpus 4
  anvil engine set "Sailfish OS Build Engine" --shared src=/home/dev/src --ssh-port 2222`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := resourceFromFlags(args[0], cmd.Flags())
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openSdk(ctx, sdk.Options{})
		if err != nil {
			return err
		}
		defer closeSdk(s)

		// set never creates.
		if _, err := s.Engine(args[0]); err != nil {
			return err
		}
		_, _, applyErr := s.Apply(ctx, be)
		if err := s.SaveSettings(); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		if applyErr != nil {
			return fmt.Errorf("failed to update build engine: %w", applyErr)
		}

		fmt.Printf("✓ Build engine %s updated\n", args[0])
		return nil
	},
}

func addSetFlags(f *pflag.FlagSet) {
	f.Int("memory", 0, "Memory in MB")
	f.Int("cpus", 0, "Number of virtual CPUs")
	f.Int("storage", 0, "Disk size in MB; disks only grow")
	f.String("video-mode", "", "Display mode as WIDTHxHEIGHT[xDEPTH]")
	f.StringArray("shared", nil, "Shared path as ROLE=PATH, ROLE one of home, target, config, src, ssh (repeatable)")
	f.Int("ssh-port", 0, "Host port forwarded to the engine's SSH server")
	f.String("ssh-host", "", "SSH host")
	f.String("ssh-user", "", "SSH user")
	f.String("ssh-key", "", "SSH private key file")
	f.Int("ssh-timeout", 0, "SSH connect timeout in seconds")
	f.Int("www-port", 0, "Host port forwarded to the engine's web server")
	f.String("proxy", "", "Proxy type: direct, auto or manual")
	f.String("proxy-servers", "", "Proxy servers for a manual proxy")
	f.String("proxy-excludes", "", "Hosts that bypass the proxy")
	f.String("qmllive-ports", "", "Comma-separated QmlLive host ports")
	f.Bool("headless", true, "Start without a display")
}

// resourceFromFlags turns the changed set flags into a partial BuildEngine
// resource for Sdk.Apply.
func resourceFromFlags(name string, flags *pflag.FlagSet) (*v1alpha1.BuildEngine, error) {
	be := v1alpha1.NewBuildEngine(name)
	spec := &be.Spec
	changed := 0

	ints := map[string]*int{
		"memory":      &spec.MemoryMB,
		"cpus":        &spec.CPUs,
		"storage":     &spec.StorageSizeMB,
		"ssh-port":    &spec.SSH.Port,
		"ssh-timeout": &spec.SSH.TimeoutSeconds,
		"www-port":    &spec.WWWPort,
	}
	for flag, dst := range ints {
		if !flags.Changed(flag) {
			continue
		}
		v, err := flags.GetInt(flag)
		if err != nil {
			return nil, err
		}
		if v <= 0 {
			return nil, fmt.Errorf("--%s must be greater than 0", flag)
		}
		*dst = v
		changed++
	}

	strs := map[string]*string{
		"video-mode": &spec.VideoMode,
		"ssh-host":   &spec.SSH.Host,
		"ssh-user":   &spec.SSH.User,
		"ssh-key":    &spec.SSH.PrivateKeyFile,
	}
	for flag, dst := range strs {
		if flags.Changed(flag) {
			*dst, _ = flags.GetString(flag)
			changed++
		}
	}

	if flags.Changed("shared") {
		shared, _ := flags.GetStringArray("shared")
		for _, s := range shared {
			role, path, ok := strings.Cut(s, "=")
			if !ok || path == "" {
				return nil, fmt.Errorf("--shared %q: expected ROLE=PATH", s)
			}
			if err := setSharedPath(&spec.SharedPaths, role, path); err != nil {
				return nil, err
			}
			changed++
		}
	}

	if flags.Changed("proxy") || flags.Changed("proxy-servers") || flags.Changed("proxy-excludes") {
		proxyType, _ := flags.GetString("proxy")
		servers, _ := flags.GetString("proxy-servers")
		excludes, _ := flags.GetString("proxy-excludes")
		if proxyType == "" {
			return nil, fmt.Errorf("--proxy is required with --proxy-servers and --proxy-excludes")
		}
		spec.WWWProxy = &v1alpha1.ProxySpec{Type: proxyType, Servers: servers, Excludes: excludes}
		changed++
	}

	if flags.Changed("qmllive-ports") {
		raw, _ := flags.GetString("qmllive-ports")
		ports, err := parsePortList(raw)
		if err != nil {
			return nil, fmt.Errorf("--qmllive-ports: %w", err)
		}
		spec.QmlLivePorts = ports
		changed++
	}

	if flags.Changed("headless") {
		headless, _ := flags.GetBool("headless")
		spec.Headless = &headless
		changed++
	}

	if changed == 0 {
		return nil, fmt.Errorf("nothing to change; see --help for the available settings")
	}
	be.Normalize()
	return be, nil
}

func setSharedPath(s *v1alpha1.SharedPathsSpec, role, path string) error {
	switch strings.ToLower(role) {
	case "home":
		s.Home = path
	case "target":
		s.Target = path
	case "config":
		s.Config = path
	case "src":
		s.Src = path
	case "ssh":
		s.SSH = path
	default:
		return fmt.Errorf("unknown shared path %q (valid: home, target, config, src, ssh)", role)
	}
	return nil
}

func parsePortList(raw string) ([]int, error) {
	var ports []int
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		port, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", field)
		}
		ports = append(ports, port)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("at least one port is required")
	}
	return ports, nil
}
