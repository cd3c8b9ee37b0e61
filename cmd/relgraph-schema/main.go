// Command relgraph-schema checks an entity model and prints the GraphQL
// surface the server would generate from it.
package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"relgraph/internal/config"
	"relgraph/internal/logging"
	"relgraph/internal/registry"
	"relgraph/internal/serverapp"
	"relgraph/internal/storage"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "relgraph-schema",
		Short:         "Validate relgraph entity models and render their GraphQL schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	flags := rootCmd.PersistentFlags()
	config.DefineFlags(flags)
	flags.StringP("config", "c", "", "Config file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configured model and print its entities",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	validateCmd.Flags().String("fixtures", "", "Also load this fixtures file against the model")
	rootCmd.AddCommand(validateCmd)

	sdlCmd := &cobra.Command{
		Use:   "sdl",
		Short: "Print the GraphQL SDL generated for the configured model",
		Args:  cobra.NoArgs,
		RunE:  runSDL,
	}
	sdlCmd.Flags().StringP("output", "o", "", "Write the SDL to this file instead of stdout")
	rootCmd.AddCommand(sdlCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "model",
		Short: "Print the configured model as YAML (useful with model.source=database)",
		Args:  cobra.NoArgs,
		RunE:  runModel,
	})

	return rootCmd
}

// loadRegistry loads configuration from the command's flags, then the model
// and its registry. Logs go to stderr so stdout carries only command output.
func loadRegistry(cmd *cobra.Command) (*config.Config, *logging.Logger, registry.Model, *registry.Registry, error) {
	cfg, err := config.LoadFlags(cmd.Flags())
	if err != nil {
		return nil, nil, registry.Model{}, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if result := cfg.Validate(); result.HasErrors() {
		return nil, nil, registry.Model{}, nil, fmt.Errorf("invalid configuration: %w", result)
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})

	model, err := serverapp.LoadModel(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, registry.Model{}, nil, fmt.Errorf("failed to load model: %w", err)
	}
	reg, err := serverapp.BuildRegistry(cfg, logger, model)
	if err != nil {
		return nil, nil, registry.Model{}, nil, err
	}
	return cfg, logger, model, reg, nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	_, _, _, reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}

	if fixtures, _ := cmd.Flags().GetString("fixtures"); fixtures != "" {
		if _, err := storage.LoadFixturesFile(reg, fixtures); err != nil {
			return fmt.Errorf("fixtures %s: %w", fixtures, err)
		}
	}

	out := cmd.OutOrStdout()
	entities := reg.All()
	for _, entity := range entities {
		fmt.Fprintf(out, "%s (%s) key=%s\n", entity.Name, entity.Table, strings.Join(entity.PrimaryKey, ","))
		rels := make([]string, 0, len(entity.Relationships))
		for _, rel := range entity.Relationships {
			rels = append(rels, describeRelationship(rel))
		}
		sort.Strings(rels)
		for _, rel := range rels {
			fmt.Fprintf(out, "  %s\n", rel)
		}
	}
	fmt.Fprintf(out, "ok: %d entities\n", len(entities))
	return nil
}

func describeRelationship(rel *registry.Relationship) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s -> %s [%s]", rel.Name, rel.Target, rel.Cardinality)
	if rel.IsThroughAssociation() {
		fmt.Fprintf(&b, " through %s", rel.Through.Entity)
	}
	return b.String()
}

func runSDL(cmd *cobra.Command, _ []string) error {
	cfg, logger, _, reg, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	sdl := serverapp.RenderSDL(cfg, logger, reg)

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		_, err = io.WriteString(cmd.OutOrStdout(), sdl)
		return err
	}
	return os.WriteFile(output, []byte(sdl), 0o644)
}

func runModel(cmd *cobra.Command, _ []string) error {
	_, _, model, _, err := loadRegistry(cmd)
	if err != nil {
		return err
	}
	data, err := registry.MarshalModel(model)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
