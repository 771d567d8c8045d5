package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obcatalog/internal/app"
	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
	"obcatalog/internal/repo"
)

func productCmd() *cobra.Command {
	p := &cobra.Command{Use: "product", Short: "Query data products"}
	p.AddCommand(productFindCmd())
	p.AddCommand(productShowCmd())
	p.AddCommand(productListCmd())
	return p
}

func printProducts(items []domain.DataProduct) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"UUID", "Instrument", "Type", "QC", "Priority", "Path"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.UUID, p.Instrument, p.Datatype, p.QC, p.Priority, p.Path})
	}
	tw.Render()
	return nil
}

func productFindCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "find <key>=<value>",
		Short: "Find products by fact",
		Long: `Matches products carrying the fact with exactly that value and type.
Without --type the value is read as int, float or bool when it parses as one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := args[0]
			if typ != "" {
				key, raw, _ := strings.Cut(arg, "=")
				arg = key + ":" + typ + "=" + raw
			}
			key, value, err := parseFactArg(arg)
			if err != nil {
				return err
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				items, err := c.Repo.FindProductsByFact(ctx, key, value)
				if err != nil {
					return err
				}
				return printProducts(items)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "fact type: int, float, bool, string or unicode")
	return cmd
}

func productShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <uuid>",
		Short: "Show a product and its facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				p, err := c.Repo.GetProductByUUID(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := c.Repo.ProductFacts(p.ID).Items(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"product": p, "facts": items})
				}
				fmt.Printf("%s  %s %s  QC %s  task %s\n%s\n", p.UUID, p.Instrument, p.Datatype, p.QC, p.TaskID, p.Path)
				printFacts(items)
				return nil
			})
		},
	}
}

func productListCmd() *cobra.Command {
	var f repo.ProductFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				items, err := c.Repo.ListProducts(ctx, f)
				if err != nil {
					return err
				}
				return printProducts(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Instrument, "instrument", "", "instrument filter")
	cmd.Flags().StringVar(&f.Datatype, "type", "", "product type filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of products")
	return cmd
}

func resultCmd() *cobra.Command {
	r := &cobra.Command{Use: "result", Short: "Query reduction results"}
	r.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show the result recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				res, err := c.Repo.GetResultByTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	})
	return r
}

func paramCmd() *cobra.Command {
	p := &cobra.Command{Use: "param", Short: "Manage recipe parameters"}
	p.AddCommand(paramSetCmd())
	p.AddCommand(paramHistoryCmd())
	return p
}

func paramKeyFlags(cmd *cobra.Command, key *domain.RecipeParameter) {
	cmd.Flags().StringVar(&key.Instrument, "instrument", "", "instrument")
	cmd.Flags().StringVar(&key.Pipeline, "pipeline", repo.DefaultPipeline, "pipeline")
	cmd.Flags().StringVar(&key.Mode, "mode", "", "observing mode")
	cmd.Flags().StringVar(&key.Name, "name", "", "parameter name")
	_ = cmd.MarkFlagRequired("instrument")
	_ = cmd.MarkFlagRequired("mode")
	_ = cmd.MarkFlagRequired("name")
}

func paramSetCmd() *cobra.Command {
	var key domain.RecipeParameter
	var factArgs []string
	cmd := &cobra.Command{
		Use:   "set <json-value>",
		Short: "Append a value to a recipe parameter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valueFacts, err := parseFactArgs(factArgs)
			if err != nil {
				return err
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				v, err := c.SetRecipeParameter(ctx, key, args[0], valueFacts)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	paramKeyFlags(cmd, &key)
	cmd.Flags().StringArrayVar(&factArgs, "fact", nil, "fact on the value as key=value (repeatable)")
	return cmd
}

func paramHistoryCmd() *cobra.Command {
	var key domain.RecipeParameter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the values of a recipe parameter, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				param, err := c.Repo.GetRecipeParameter(ctx, key.Instrument, key.Pipeline, key.Mode, key.Name)
				if err != nil {
					return err
				}
				values, err := c.Repo.ListRecipeParameterValues(ctx, param.ID)
				if err != nil {
					return err
				}
				type entry struct {
					domain.RecipeParameterValue
					Facts map[string]facts.Value `json:"facts"`
				}
				out := make([]entry, 0, len(values))
				tw := newTable(table.Row{"ID", "Created", "Value", "Facts"})
				for _, v := range values {
					items, err := c.Repo.ParameterValueFacts(v.ID).Items(ctx)
					if err != nil {
						return err
					}
					out = append(out, entry{RecipeParameterValue: v, Facts: items})
					tw.AppendRow(table.Row{v.ID, v.CreatedAt.Format("2006-01-02 15:04:05"), v.Content, len(items)})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw.Render()
				return nil
			})
		},
	}
	paramKeyFlags(cmd, &key)
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Catalog event log"}
	var n int
	var after int64
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "List events after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, c *app.Catalog) error {
				events, err := c.Repo.EventsAfter(ctx, n, after, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + " " + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().Int64Var(&after, "after", 0, "only events with a larger id")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	l.AddCommand(tail)
	return l
}
