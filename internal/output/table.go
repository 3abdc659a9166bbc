package output

import (
	"bytes"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatEngine formats a single BuildEngine as a table row.
func (f *TableFormatter) FormatEngine(be *v1alpha1.BuildEngine) (string, error) {
	return f.FormatEngineList([]*v1alpha1.BuildEngine{be})
}

// FormatEngineList formats a list of BuildEngines as a table.
func (f *TableFormatter) FormatEngineList(engines []*v1alpha1.BuildEngine) (string, error) {
	if len(engines) == 0 {
		return "No build engines found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tVM\tPHASE\tCPUS\tMEMORY\tSSH\tWWW\tTARGETS")
	}

	for _, be := range engines {
		phase := string(be.Status.Phase)
		if phase == "" {
			phase = "-"
		}

		memory := "-"
		if be.Spec.MemoryMB > 0 {
			memory = fmt.Sprintf("%d MiB", be.Spec.MemoryMB)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			be.Name, be.VirtualMachineName(), phase, orDash(be.Spec.CPUs), memory,
			orDash(be.Spec.SSH.Port), orDash(be.Spec.WWWPort),
			len(be.Status.BuildTargets))
	}

	_ = w.Flush()
	return buf.String(), nil
}

func orDash(n int) string {
	if n <= 0 {
		return "-"
	}
	return strconv.Itoa(n)
}
