// Package config implements Minsky's layered configuration: CLI flags
// override environment variables, which override the config file,
// which overrides built-in defaults. Uses viper
// (SetConfigName/SetConfigType/AddConfigPath, tolerating a missing
// config file), bound against cobra flags per command invocation
// rather than a single package-level viper instance, plus a
// legacy-env-var alias map so existing developer shells keep working.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MINSKY"

// Config is Minsky's full effective configuration after layering.
type Config struct {
	StateDir       string `mapstructure:"state_dir"`
	DBURL          string `mapstructure:"db_url"`
	DBAutoMigrate  bool   `mapstructure:"db_auto_migrate"`
	LogLevel       string `mapstructure:"log_level"`
	DefaultBackend string `mapstructure:"default_backend"`
	MetricsPort    int    `mapstructure:"metrics_port"`
}

func defaults() Config {
	return Config{
		StateDir:       "~/.local/state/minsky",
		DBAutoMigrate:  false,
		LogLevel:       "info",
		DefaultBackend: "md",
		MetricsPort:    0,
	}
}

// DefaultEnvAliases maps a canonical MINSKY_* env var to the legacy
// names it should also be readable under. MINSKY_DB_URL also reads
// DATABASE_URL, the name most Postgres tooling already expects in a
// developer's shell.
func DefaultEnvAliases() map[string][]string {
	return map[string][]string{
		"MINSKY_STATE_DIR":      {"STATE_DIR"},
		"MINSKY_DB_URL":         {"DATABASE_URL"},
		"MINSKY_DB_AUTO_MIGRATE": {"DB_AUTO_MIGRATE"},
		"MINSKY_LOG_LEVEL":      {"LOG_LEVEL"},
		"MINSKY_DEFAULT_BACKEND": {"DEFAULT_BACKEND"},
	}
}

// Load reads Minsky's configuration for the current invocation: a
// config file (`minsky.yaml` in `$HOME` or `.`, viper's standard
// search, tolerated if absent), environment variables (`MINSKY_*`,
// plus the legacy aliases DefaultEnvAliases names), finally overridden
// by any RegisterFlags flag that is set on cmd. cmd may be nil for
// callers (tests, non-CLI entrypoints) that have no flag layer to bind.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	v.SetConfigName("minsky")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	d := defaults()
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("db_auto_migrate", d.DBAutoMigrate)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("default_backend", d.DefaultBackend)
	v.SetDefault("metrics_port", d.MetricsPort)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindAliases(v)

	if cmd != nil {
		// Flags are named with dashes (--log-level) while config keys use
		// underscores (log_level), so each key is bound to its flag by name.
		for _, key := range []string{"state_dir", "db_url", "db_auto_migrate", "log_level", "default_backend", "metrics_port"} {
			name := strings.ReplaceAll(key, "_", "-")
			f := cmd.Flags().Lookup(name)
			if f == nil {
				f = cmd.PersistentFlags().Lookup(name)
			}
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flags: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// bindAliases makes each legacy env var name in DefaultEnvAliases
// resolve the same viper key as its canonical MINSKY_* form, so a
// developer's existing DATABASE_URL keeps working. BindEnv replaces
// the whole lookup list for a key on each call, so every name for a
// key is passed in a single call, canonical first so it wins when both
// are set.
func bindAliases(v *viper.Viper) {
	keyFor := map[string]string{
		"MINSKY_STATE_DIR":       "state_dir",
		"MINSKY_DB_URL":          "db_url",
		"MINSKY_DB_AUTO_MIGRATE": "db_auto_migrate",
		"MINSKY_LOG_LEVEL":       "log_level",
		"MINSKY_DEFAULT_BACKEND": "default_backend",
	}
	for canonical, aliases := range DefaultEnvAliases() {
		key, ok := keyFor[canonical]
		if !ok {
			continue
		}
		names := append([]string{canonical}, aliases...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

// View renders cfg as the plain map `config show`/`config list`
// return, keyed the same way the mapstructure tags name each field.
func (c *Config) View() map[string]any {
	return map[string]any{
		"state_dir":       c.StateDir,
		"db_url":          redactDBURL(c.DBURL),
		"db_auto_migrate": c.DBAutoMigrate,
		"log_level":       c.LogLevel,
		"default_backend": c.DefaultBackend,
		"metrics_port":    c.MetricsPort,
	}
}

// redactDBURL hides credentials embedded in a DSN so `config show`
// never prints a password to a terminal or log.
func redactDBURL(url string) string {
	if url == "" {
		return ""
	}
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}

// ResolvedStateDir expands a leading "~" in StateDir against the
// current user's home directory, since neither viper nor the shell
// that invokes a non-interactive `minskyd` process does that for us.
func (c *Config) ResolvedStateDir() (string, error) {
	if !strings.HasPrefix(c.StateDir, "~") {
		return c.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(c.StateDir, "~")), nil
}

// RegisterFlags declares the persistent flags Load's CLI-flag layer
// binds against, so a flag always wins over every other configuration
// source.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("state-dir", "", "override the state directory")
	cmd.PersistentFlags().String("db-url", "", "override the storage backend's database URL")
	cmd.PersistentFlags().Bool("db-auto-migrate", false, "apply pending schema migrations automatically on startup")
	cmd.PersistentFlags().String("log-level", "", "override the log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("default-backend", "", "override the default task backend prefix")
	cmd.PersistentFlags().Int("metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")
}
