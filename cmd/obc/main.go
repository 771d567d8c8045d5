package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obcatalog/internal/app"
	"obcatalog/internal/config"
	"obcatalog/internal/db"
	"obcatalog/internal/facts"
	"obcatalog/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "obc",
	Short: "Observation catalog CLI",
	Long: `obc keeps the catalog of observing blocks, raw frames, recipe runs and the
data products they promote.
- Workspace: a directory holding catalog.db and catalog.yml.
- Ingest: load an observing block description (YAML, several documents allowed);
  frame headers become facts on the block when the instrument is configured.
- Task: one recipe run against a block; record its outputs with 'obc record'.
- Products: promoted outputs carrying typed facts; query them with 'obc product find'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OBCATALOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "catalog.yml path (defaults to the workspace copy)")
	rootCmd.PersistentFlags().String("log-mode", "quiet", "log mode: dev, prod or quiet")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-mode", rootCmd.PersistentFlags().Lookup("log-mode"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(obCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(productCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(paramCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func withCatalog(ctx context.Context, fn func(context.Context, *app.Catalog) error) error {
	log, err := logging.New(viper.GetString("log-mode"))
	if err != nil {
		return err
	}
	defer log.Sync()
	c, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer c.Close()
	if path := viper.GetString("config"); path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			return err
		}
		c.Config = cfg
	}
	return fn(ctx, c)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printFacts(items map[string]facts.Value) {
	tw := newTable(table.Row{"Key", "Type", "Value"})
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := items[k]
		tw.AppendRow(table.Row{k, v.Type(), v.String()})
	}
	tw.Render()
}

// parseFactArg reads key=value, or key:type=value to force the type. Untyped
// values become int, float or bool when they parse as one, string otherwise.
func parseFactArg(arg string) (string, facts.Value, error) {
	key, raw, ok := strings.Cut(arg, "=")
	if !ok || key == "" {
		return "", facts.Value{}, fmt.Errorf("fact %q: want key=value", arg)
	}
	if name, typ, typed := strings.Cut(key, ":"); typed {
		v, err := facts.Parse(facts.Type(typ), raw)
		return name, v, err
	}
	for _, t := range []facts.Type{facts.TypeInt, facts.TypeFloat} {
		if v, err := facts.Parse(t, raw); err == nil {
			return key, v, nil
		}
	}
	switch raw {
	case "true":
		return key, facts.Bool(true), nil
	case "false":
		return key, facts.Bool(false), nil
	}
	return key, facts.String(raw), nil
}

func parseFactArgs(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, a := range args {
		k, v, err := parseFactArg(a)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
