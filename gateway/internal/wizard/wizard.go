// Package wizard provides the interactive setup wizard for medplum-gateway.
package wizard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Dharshan-K/medplum/gateway/internal/config"
	"github.com/Dharshan-K/medplum/pkg/cli"
)

// Wizard drives the interactive gateway config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks for the gateway settings, writes the config file and returns the
// path it was written to.
func (w *Wizard) Run(outputPath string) (string, error) {
	fmt.Fprintln(w.p.Out)
	fmt.Fprintln(w.p.Out, "  Medplum Gateway: Configuration Wizard")
	fmt.Fprintln(w.p.Out, strings.Repeat("-", 42))
	fmt.Fprintln(w.p.Out)

	cfg := &config.Config{}

	fmt.Fprintln(w.p.Out, "Server")
	cfg.Server.Addr = w.p.Ask("  Listen address", ":8103")
	if origins := w.p.Ask("  Allowed WebSocket origins (comma-separated, * for any)", "*"); origins != "*" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	if w.p.Confirm("  Serve TLS?", false) {
		cfg.Server.TLSCert = w.p.Ask("  TLS certificate file", "")
		cfg.Server.TLSKey = w.p.Ask("  TLS key file", "")
	}
	fmt.Fprintln(w.p.Out)

	fmt.Fprintln(w.p.Out, "WebSocket")
	cfg.WebSocket.MaxMessageSize = config.ByteSize(w.p.AskSize("  Max message size",
		int64(config.DefaultMaxMessageSize), parseSize))
	cfg.WebSocket.PingInterval.Duration = w.p.AskDuration("  Ping interval", config.DefaultPingInterval)
	fmt.Fprintln(w.p.Out)

	fmt.Fprintln(w.p.Out, "Authentication")
	cfg.Auth.Provider = w.p.Choose("  Token provider", []string{"builtin", "jwks"}, 0)
	switch cfg.Auth.Provider {
	case "builtin":
		secret, err := config.GenerateRandomSecret()
		if err != nil {
			return "", err
		}
		cfg.Auth.JWTSecret = secret
		fmt.Fprintln(w.p.Out, "  Generated a random JWT secret.")
	case "jwks":
		url, err := w.p.AskRequired("  JWKS URL")
		if err != nil {
			return "", err
		}
		cfg.Auth.JWKSURL = url
		cfg.Auth.Issuer = w.p.Ask("  Expected issuer (leave empty to skip)", "")
	}
	fmt.Fprintln(w.p.Out)

	fmt.Fprintln(w.p.Out, "Storage")
	cfg.Storage.Driver = w.p.Choose("  Database", []string{"sqlite", "postgres"}, 0)
	if cfg.Storage.Driver == "postgres" {
		cfg.Storage.DSN = w.p.Ask("  Postgres DSN", "postgres://localhost:5432/medplum")
		if w.p.Confirm("  Use Postgres LISTEN/NOTIFY for pub/sub (multi-node)?", true) {
			cfg.PubSub.Driver = "postgres"
		}
	} else {
		cfg.Storage.DSN = w.p.Ask("  SQLite file", "medplum.db")
	}
	fmt.Fprintln(w.p.Out)

	cfg.Logging.Level = w.p.Choose("Log level", []string{"debug", "info", "warn", "error"}, 1)
	fmt.Fprintln(w.p.Out)

	if outputPath == "" {
		outputPath = w.p.Ask("Config file output path", "./medplum-gateway.json")
	}

	data, err := encode(cfg, outputPath)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(outputPath, data, 0600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(w.p.Out, "\n  Config written to %s\n", outputPath)
	fmt.Fprintln(w.p.Out)
	fmt.Fprintln(w.p.Out, "  Next steps:")
	fmt.Fprintf(w.p.Out, "    medplum-gateway project create --name Default -c %s\n", outputPath)
	fmt.Fprintf(w.p.Out, "    medplum-gateway run %s\n\n", outputPath)
	return outputPath, nil
}

func encode(cfg *config.Config, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
		return data, nil
	default:
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
		return append(data, '\n'), nil
	}
}

func parseSize(s string) (int64, error) {
	n, err := config.ParseByteSize(s)
	return int64(n), err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
