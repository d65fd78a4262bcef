package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/spf13/cobra"
)

// NewProjectCommand creates the project command group
func NewProjectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, list, inspect and delete projects",
	}
	cmd.AddCommand(newProjectListCommand())
	cmd.AddCommand(newProjectInfoCommand())
	cmd.AddCommand(newProjectCreateCommand())
	cmd.AddCommand(newProjectDeleteCommand())
	return cmd
}

func newProjectListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List projects, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			projects, err := a.projects.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(projects) == 0 {
				fmt.Fprintln(out, "No projects found")
				return nil
			}
			rows := make([][]string, 0, len(projects))
			for i := range projects {
				s := projects[i].Summarize()
				rows = append(rows, []string{
					s.Name,
					strconv.Itoa(s.NumClasses),
					yesNo(s.Trained),
					s.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprint(out, renderTable([]string{"NAME", "CLASSES", "TRAINED", "CREATED"}, rows))
			return nil
		},
	}
}

func newProjectInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show a project's classes, counts and last training run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.projects.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProject(cmd.OutOrStdout(), p)
			return nil
		},
	}
}

func printProject(w io.Writer, p *project.Project) {
	fmt.Fprintln(w, titleStyle.Render(p.Name))
	if p.Description != "" {
		field(w, "Description", p.Description)
	}
	field(w, "Created", p.CreatedAt.Local().Format("2006-01-02 15:04"))
	field(w, "Trained", yesNo(p.Trained))
	if p.TrainingParams != nil {
		field(w, "Parameters", fmt.Sprintf("epochs=%d batch_size=%d learning_rate=%g",
			p.TrainingParams.Epochs, p.TrainingParams.BatchSize, p.TrainingParams.LearningRate))
	}
	if n := len(p.TrainingHistory); n > 0 {
		last := p.TrainingHistory[n-1]
		field(w, "Final loss", fmt.Sprintf("%.4f", last.Loss))
		field(w, "Final accuracy", fmt.Sprintf("%.1f%%", last.Accuracy))
	}
	if len(p.Classes) == 0 {
		fmt.Fprintln(w, warnStyle.Render("No classes yet; add images with \"imgclass dataset\""))
		return
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(p.Classes))
	for _, c := range p.Classes {
		rows = append(rows, []string{c, strconv.Itoa(p.ClassCounts[c])})
	}
	fmt.Fprint(w, renderTable([]string{"CLASS", "IMAGES"}, rows))
}

func newProjectCreateCommand() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an empty project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.projects.Create(cmd.Context(), project.CreateRequest{Name: args[0], Description: description})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s project %s\n", okStyle.Render("Created"), p.Name)
			fmt.Fprintf(out, "Add images under %s/<class>/ or run \"imgclass dataset ingest %s ARCHIVE\"\n",
				a.store.Layout().DatasetDir(p.Name), p.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "project description")
	return cmd
}

func newProjectDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Delete a project with its dataset and model",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.projects.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s project %s\n", okStyle.Render("Deleted"), args[0])
			return nil
		},
	}
}
