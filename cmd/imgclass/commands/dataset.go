package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/spf13/cobra"
)

// NewDatasetCommand creates the dataset command group
func NewDatasetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Add images to a project's dataset",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ingest NAME ARCHIVE",
		Short: "Extract a zip or tar.gz with one top-level folder per class",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withDataset(cmd, func(a *app) (*dataset.Result, error) {
				return a.datasets.IngestArchive(cmd.Context(), args[0], data)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add NAME CLASS IMAGE",
		Short: "Store one image under a class",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			return withDataset(cmd, func(a *app) (*dataset.Result, error) {
				return a.datasets.IngestImage(cmd.Context(), args[0], args[1], filepath.Base(args[2]), data)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh NAME",
		Short: "Recount classes after editing the dataset folders by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDataset(cmd, func(a *app) (*dataset.Result, error) {
				return a.datasets.Refresh(cmd.Context(), args[0])
			})
		},
	})
	return cmd
}

func withDataset(cmd *cobra.Command, fn func(*app) (*dataset.Result, error)) error {
	a, err := openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(a)
	if err != nil {
		return err
	}
	printDatasetResult(cmd.OutOrStdout(), res)
	return nil
}

func printDatasetResult(w io.Writer, res *dataset.Result) {
	if len(res.Written) > 0 {
		fmt.Fprintf(w, "%s %d file(s)\n", okStyle.Render("Wrote"), len(res.Written))
	}
	if len(res.Classes) > 0 {
		rows := make([][]string, 0, len(res.Classes))
		for _, c := range res.Classes {
			rows = append(rows, []string{c, strconv.Itoa(res.ClassCounts[c])})
		}
		fmt.Fprint(w, renderTable([]string{"CLASS", "IMAGES"}, rows))
	}
	if len(res.Issues) > 0 {
		fmt.Fprintf(w, "\n%s\n", warnStyle.Render(fmt.Sprintf("Skipped %d entries:", len(res.Issues))))
		for _, is := range res.Issues {
			fmt.Fprintf(w, "  %s %s %s\n", is.Entry, labelStyle.Render(is.Code), is.Message)
		}
	}
}
