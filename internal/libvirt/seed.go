package libvirt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/kdomanski/iso9660"
)

// SeedLabel is the volume identifier the guest mounts the SSH seed by.
const SeedLabel = "ANVILSSH"

// maxSeedFileSize bounds each file copied into the seed image. SSH
// directories hold keys and config, never anything large.
const maxSeedFileSize = 1 << 20

// GenerateSeedISO packs the regular files at the top level of dir into an
// ISO9660 image labelled SeedLabel.
//
// The build engine's SSH directory is delivered this way rather than as a 9p
// mount because sshd rejects authorized_keys on mounts whose ownership and
// mode it cannot verify.
func GenerateSeedISO(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH directory %s: %w", dir, err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	for _, name := range names {
		data, err := readSeedFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if err := writer.AddFile(bytes.NewReader(data), name); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", name, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, SeedLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}

func readSeedFile(path string) ([]byte, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Size() > maxSeedFileSize {
		return nil, fmt.Errorf("%s is too large for the SSH seed (%d bytes, max %d)", path, st.Size(), maxSeedFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
