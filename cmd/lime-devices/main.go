// lime-devices - lists the radios every compiled backend can open
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"lime-streamer/internal/backend"
	"lime-streamer/internal/version"

	"github.com/spf13/cobra"
)

var (
	backendName  string
	outputFormat string
	showVersion  bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lime-devices",
	Short: "List SDR devices visible to lime-streamer",
	Long: `lime-devices lists the devices each radio backend can see, with the
index and serial number to pass to lime-streamer --device-index or --serial.

Backends built without their driver (see the limesdr and rtlsdr build tags)
report that they are unavailable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version.GetVersionInfo("lime-devices"))
			return nil
		}
		names := backend.Names
		if backendName != "" {
			names = []string{backendName}
		}
		return listDevices(os.Stdout, names, outputFormat)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "show version information")
	rootCmd.Flags().StringVarP(&backendName, "backend", "b", "", "only list this backend (lime, rtlsdr, sim)")
	rootCmd.Flags().StringVarP(&outputFormat, "format", "f", "table", "output format (table, json, csv)")
}

type row struct {
	backend.Listing
	Error string `json:",omitempty"`
}

func collect(names []string) []row {
	var rows []row
	for _, name := range names {
		devices, err := backend.List(name)
		if err != nil {
			rows = append(rows, row{Listing: backend.Listing{Backend: name}, Error: err.Error()})
			continue
		}
		for _, d := range devices {
			rows = append(rows, row{Listing: d})
		}
	}
	return rows
}

// listDevices writes the devices of every named backend to w
func listDevices(w io.Writer, names []string, format string) error {
	rows := collect(names)

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "csv":
		cw := csv.NewWriter(w)
		cw.Write([]string{"backend", "index", "name", "serial", "detail", "error"})
		for _, r := range rows {
			cw.Write([]string{r.Backend, strconv.Itoa(r.Index), r.Name, r.SerialNumber, r.Detail, r.Error})
		}
		cw.Flush()
		return cw.Error()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "BACKEND\tINDEX\tNAME\tSERIAL\tDETAIL")
		for _, r := range rows {
			if r.Error != "" {
				fmt.Fprintf(tw, "%s\t-\t(unavailable)\t-\t%s\n", r.Backend, r.Error)
				continue
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.Backend, r.Index, r.Name, r.SerialNumber, r.Detail)
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown output format %q (must be table, json or csv)", format)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
