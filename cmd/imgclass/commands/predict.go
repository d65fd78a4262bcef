package commands

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

// NewPredictCommand creates the predict command
func NewPredictCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "predict NAME IMAGE",
		Short: "Classify an image with a project's trained model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			pred, err := a.gateway.Predict(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s (%.1f%%)\n", titleStyle.Render("Prediction:"), pred.Label, pred.Confidence*100)
			labels := make([]string, 0, len(pred.Confidences))
			for l := range pred.Confidences {
				labels = append(labels, l)
			}
			sort.Slice(labels, func(i, j int) bool {
				ci, cj := pred.Confidences[labels[i]], pred.Confidences[labels[j]]
				if ci != cj {
					return ci > cj
				}
				return labels[i] < labels[j]
			})
			rows := make([][]string, 0, len(labels))
			for _, l := range labels {
				c := pred.Confidences[l]
				rows = append(rows, []string{l, fmt.Sprintf("%5.1f%%", c*100), bar(c, 20)})
			}
			fmt.Fprint(out, renderTable([]string{"CLASS", "CONFIDENCE", ""}, rows))
			return nil
		},
	}
}
