package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palisade/palisade/internal/actions"
	"github.com/palisade/palisade/internal/config"
	"github.com/palisade/palisade/internal/operators"
	"github.com/palisade/palisade/internal/rules"
	"github.com/palisade/palisade/internal/transforms"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "palisade",
		Short:        "Palisade web application firewall gateway",
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, msg := range verr.Problems {
				fmt.Fprintln(os.Stderr, msg)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// newRegistries bundles the built-in operators, transformations and
// actions. External rule drivers would register here too.
func newRegistries(logger *zap.Logger) *rules.Registries {
	reg := rules.NewRegistries(logger)
	operators.RegisterCore(reg)
	transforms.RegisterCore(reg)
	actions.RegisterCore(reg)
	return reg
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a Palisade configuration and its rule files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger := zap.NewNop()
			if _, err := config.BuildContexts(cfg, newRegistries(logger), logger); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "version=%s commit=%s buildDate=%s\n", version, commit, buildDate)
		},
	}
}
