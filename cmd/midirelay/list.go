package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chase3718/midirelay/pkg/classify"
	"github.com/chase3718/midirelay/pkg/transport"
)

var (
	listJSON bool

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List MIDI endpoints",
		Long: `List the MIDI input and output endpoints of the selected transport.

Examples:
  midirelay list
  midirelay list --transport legacy --json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}
)

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output endpoints as JSON")
}

type endpointList struct {
	Transport transport.Kind       `json:"transport"`
	Inputs    []transport.Endpoint `json:"inputs"`
	Outputs   []transport.Endpoint `json:"outputs"`
}

func runList(cmd *cobra.Command, _ []string) error {
	store, cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	adapter, err := openAdapter(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	list := endpointList{Transport: adapter.Kind()}
	if list.Inputs, err = adapter.ListInputs(); err != nil {
		return err
	}
	if list.Outputs, err = adapter.ListOutputs(); err != nil {
		return err
	}
	exclusions := store.Exclusions()
	for _, eps := range [][]transport.Endpoint{list.Inputs, list.Outputs} {
		for i := range eps {
			eps[i].Wireless = classify.Wireless(eps[i].Name, exclusions)
		}
	}

	if listJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(list); err != nil {
			return fmt.Errorf("failed to encode endpoints: %w", err)
		}
		return nil
	}
	printEndpoints(cmd.OutOrStdout(), list)
	return nil
}

func printEndpoints(out io.Writer, list endpointList) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "Transport:\t%s\n\n", list.Transport)
	_, _ = fmt.Fprintf(w, "DIRECTION\tID\tNAME\tWIRELESS\n")
	for _, ep := range list.Inputs {
		_, _ = fmt.Fprintf(w, "in\t%s\t%s\t%s\n", ep.ID, ep.Name, yesNo(ep.Wireless))
	}
	for _, ep := range list.Outputs {
		_, _ = fmt.Fprintf(w, "out\t%s\t%s\t%s\n", ep.ID, ep.Name, yesNo(ep.Wireless))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
