package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/pkg/cli"
)

// prompter reads answers from the command's input and writes questions to
// out, so tests can script both.
func prompter(cmd *cobra.Command, out io.Writer) *cli.Prompter {
	return &cli.Prompter{In: cmd.InOrStdin(), Out: out}
}

// openStore loads the config named by --config and opens its store.
func openStore(cmd *cobra.Command) (*config.Config, store.Store, error) {
	cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.New(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, s, nil
}

// builtinAuth returns the password service, which only exists for the
// builtin provider.
func builtinAuth(cfg *config.Config, s store.Store) (*auth.Service, error) {
	if cfg.Auth.Provider != "builtin" {
		return nil, fmt.Errorf("auth provider %q does not manage passwords", cfg.Auth.Provider)
	}
	return auth.NewService(s, cfg.Auth), nil
}

func printf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
