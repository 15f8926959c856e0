// cmd_inspect.go - Tensoren eines Modell- oder Adapter-Verzeichnisses anzeigen
// Hauptfunktionen: InspectHandler, inspectAdapter, inspectModel
package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mini-helper/lorakit/convert"
	"github.com/mini-helper/lorakit/safetensors"
)

// InspectHandler - Erkennt Adapter an adapter_config.json, sonst Modell
func InspectHandler(cmd *cobra.Command, args []string) error {
	dir := args[0]
	w := cmd.OutOrStdout()

	_, err := os.Stat(filepath.Join(dir, convert.AdapterConfigFile))
	switch {
	case err == nil:
		return inspectAdapter(w, dir)
	case errors.Is(err, fs.ErrNotExist):
		return inspectModel(w, dir)
	default:
		return err
	}
}

func inspectAdapter(w io.Writer, dir string) error {
	a, err := convert.LoadAdapter(dir)
	if err != nil {
		return err
	}
	defer a.Close()

	p := a.Params
	fmt.Fprintf(w, "adapter:        %s\n", filepath.Base(a.File))
	fmt.Fprintf(w, "base model:     %s\n", p.BaseModel)
	fmt.Fprintf(w, "rank:           %d\n", p.Rank)
	fmt.Fprintf(w, "alpha:          %g\n", p.Alpha)
	fmt.Fprintf(w, "target modules: %s\n", p.TargetModules)
	fmt.Fprintf(w, "lora pairs:     %d\n", len(a.Pairs))
	if len(a.Saved) > 0 {
		fmt.Fprintf(w, "saved modules:  %d\n", len(a.Saved))
	}
	fmt.Fprintln(w)

	var data [][]string
	for _, pair := range a.Pairs {
		scale, err := p.Scale(pair.Module)
		if err != nil {
			return err
		}
		ai, _ := a.Info(pair.A)
		bi, _ := a.Info(pair.B)
		data = append(data, []string{pair.Module, ai.DType, shape(ai.Shape), shape(bi.Shape), strconv.FormatFloat(scale, 'g', 4, 64)})
	}
	for _, base := range slices.Sorted(maps.Keys(a.Saved)) {
		ti, _ := a.Info(a.Saved[base])
		data = append(data, []string{base, ti.DType, shape(ti.Shape), "", "replace"})
	}

	renderTable(w, []string{"MODULE", "DTYPE", "A", "B", "SCALE"}, data)
	return nil
}

func inspectModel(w io.Writer, dir string) error {
	m, err := safetensors.OpenModel(dir)
	if err != nil {
		return err
	}
	defer m.Close()

	var (
		data  [][]string
		total int64
	)
	for _, name := range m.Names() {
		ti, _ := m.Info(name)
		total += ti.Elements()
		data = append(data, []string{name, ti.DType, shape(ti.Shape), humanBytes(ti.Size())})
	}

	renderTable(w, []string{"TENSOR", "DTYPE", "SHAPE", "SIZE"}, data)
	fmt.Fprintf(w, "\n%d tensors in %d files, %d parameters\n", len(data), len(m.Files()), total)
	return nil
}

func shape(s []int64) string {
	dims := make([]string, len(s))
	for i, d := range s {
		dims[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(dims, " ") + "]"
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// newInspectCmd - Erstellt den inspect Command
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect DIR",
		Short: "List the tensors of a model or LoRA adapter directory",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}
}
