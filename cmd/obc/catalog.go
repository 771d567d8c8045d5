package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obcatalog/internal/app"
	"obcatalog/internal/config"
	"obcatalog/internal/db"
	"obcatalog/internal/domain"
	"obcatalog/internal/migrate"
	"obcatalog/internal/recorder"
	"obcatalog/internal/repo"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create catalog.yml and the catalog database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			} else if err != nil {
				return err
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				version, err := migrate.Latest()
				if err != nil {
					return err
				}
				fmt.Printf("Catalog %s at schema version %d\n", db.Path(workspace), version)
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <ob-file>...",
		Short: "Ingest observing block description files",
		Long: `Each file is ingested in its own unit of work: either every block, frame and
fact of the file lands in the catalog or none does. Re-ingesting an unchanged
file is a no-op.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				in := c.Ingester()
				if in.Registry == nil {
					fmt.Fprintln(os.Stderr, "warning: no instruments configured; frames and facts will be skipped")
				}
				tw := newTable(table.Row{"File", "Roots", "Blocks", "Frames"})
				var reports []any
				for _, path := range args {
					rep, err := in.IngestFile(ctx, path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					reports = append(reports, map[string]any{"file": path, "report": rep})
					tw.AppendRow(table.Row{path, strings.Join(rep.Roots, ","), rep.Blocks, rep.Frames})
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw.Render()
				return nil
			})
		},
	}
}

func obCmd() *cobra.Command {
	ob := &cobra.Command{Use: "ob", Short: "Inspect observing blocks"}
	ob.AddCommand(obListCmd())
	ob.AddCommand(obShowCmd())
	ob.AddCommand(obDeleteCmd())
	return ob
}

func obListCmd() *cobra.Command {
	var f repo.OBFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List observing blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				items, err := c.Repo.ListObservingBlocks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Instrument", "Mode", "Object", "Parent", "Completed"})
				for _, ob := range items {
					parent, completed := "", ""
					if ob.ParentID != nil {
						parent = *ob.ParentID
					}
					if ob.CompletionTime != nil {
						completed = ob.CompletionTime.Format("2006-01-02 15:04:05")
					}
					tw.AppendRow(table.Row{ob.ID, ob.Instrument, ob.Mode, ob.Object, parent, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Instrument, "instrument", "", "instrument filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent block id")
	cmd.Flags().BoolVar(&f.Roots, "roots", false, "only blocks without a parent")
	return cmd
}

func obShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a block with its frames and facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				ob, err := c.Repo.GetObservingBlock(ctx, args[0])
				if err != nil {
					return err
				}
				frames, err := c.Repo.ListFrames(ctx, ob.ID)
				if err != nil {
					return err
				}
				items, err := c.Repo.ObservingBlockFacts(ob.ID).Items(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"block": ob, "frames": frames, "facts": items})
				}
				fmt.Printf("%s  %s/%s  %s\n", ob.ID, ob.Instrument, ob.Mode, ob.Object)
				tw := newTable(table.Row{"Frame", "Exposure", "Start", "UUID"})
				for _, fr := range frames {
					start := ""
					if fr.StartTime != nil {
						start = fr.StartTime.Format("2006-01-02T15:04:05")
					}
					tw.AppendRow(table.Row{fr.Name, fr.ExposureTime, start, fr.UUID})
				}
				tw.Render()
				printFacts(items)
				return nil
			})
		},
	}
}

func obDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a block with its children, frames, tasks and facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				if err := c.Repo.DeleteObservingBlock(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage recipe tasks"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskFinishCmd())
	t.AddCommand(taskListCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var obID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a task against an observing block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				task, err := c.StartTask(ctx, obID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(task)
				}
				fmt.Println(task.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&obID, "ob", "", "observing block id")
	_ = cmd.MarkFlagRequired("ob")
	return cmd
}

func taskFinishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finish <id>",
		Short: "Finish a task without recording a result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				task, err := c.FinishTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
}

func taskListCmd() *cobra.Command {
	var obID, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				tasks, err := c.Repo.ListTasks(ctx, obID, domain.TaskState(strings.ToUpper(state)))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "OB", "State", "Started", "Completed"})
				for _, t := range tasks {
					completed := ""
					if t.CompletionTime != nil {
						completed = t.CompletionTime.Format("2006-01-02 15:04:05")
					}
					tw.AppendRow(table.Row{t.ID, t.OBID, t.State, t.StartTime.Format("2006-01-02 15:04:05"), completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&obID, "ob", "", "observing block filter")
	cmd.Flags().StringVar(&state, "state", "", "RUNNING or FINISHED")
	return cmd
}

func recordCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "record <manifest>",
		Short: "Record the outputs of a finished recipe run",
		Long: `The manifest (YAML or JSON) lists the run outputs:

  task_id: 3f2a...
  qc: GOOD
  outputs:
    - {name: master_bias, type: MasterBias, product: true, file: master_bias.fits}
    - {name: stats, type: Statistics, value: {mean: 1.5}}

Product files are stored under the task results directory and their FITS
primary header provides the provenance tags (UUID, DATE-OBS, NUMRQC, ...).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := recorder.LoadManifest(args[0])
			if err != nil {
				return err
			}
			if taskID != "" {
				m.TaskID = taskID
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				res, err := c.RecordManifest(ctx, m)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id (overrides the manifest)")
	return cmd
}

func printResult(res domain.ReductionResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("Result %s  task %s  %s/%s/%s  QC %s\n", res.ID, res.TaskID, res.Pipeline, res.Mode, res.Recipe, res.QC)
	tw := newTable(table.Row{"Value", "Type", "Path"})
	for _, v := range res.Values {
		tw.AppendRow(table.Row{v.Name, v.Datatype, v.Path})
	}
	tw.Render()
	return nil
}
