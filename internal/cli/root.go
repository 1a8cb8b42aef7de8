// Package cli contains the ormnav commands.
package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mickamy/ormnav/internal/config"
	"github.com/mickamy/ormnav/internal/logger"
	"github.com/mickamy/ormnav/internal/modelfile"
	"github.com/mickamy/ormnav/orm"
	"github.com/mickamy/ormnav/sqlstore"
)

// app carries what every command resolves before it runs.
type app struct {
	v     *viper.Viper
	cfg   *config.Config
	log   *zap.Logger
	model *orm.Model
}

// NewRootCommand reads settings from flags, ORMNAV_* environment variables
// or ormnav.yaml (in that order).
func NewRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	cmd := &cobra.Command{
		Use:   "ormnav",
		Short: "Validate entity models and navigate or delete entity graphs in a SQL database",
		Long: `ormnav loads a YAML entity model and runs the relationship engine against a database.

validate checks the model, show eager-loads an entity graph and prints it as JSON,
and delete runs a cascading delete (or only plans it with --dry-run).`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := cmd.PersistentFlags()
	flags.String(config.ModelKey, "", "(required) path to the YAML model file")
	flags.String(config.DriverKey, "sqlite", "database driver: sqlite, postgres or mysql")
	flags.String(config.DSNKey, "", "data source name of the database")
	flags.String(config.LogLevelKey, "warn", "log level: debug, info, warn, error or none")
	flags.String(config.LogFormatKey, "text", "log format: text or json")
	flags.Bool(config.LazyKey, true, "load unloaded relationships on first access")
	flags.Duration(config.TimeoutKey, 30*time.Second, "how long to wait for the database")

	cmd.AddCommand(newValidateCommand(a), newShowCommand(a), newDeleteCommand(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	model, err := modelfile.Load(cfg.Model)
	if err != nil {
		return err
	}
	a.cfg, a.log, a.model = cfg, log, model
	return nil
}

func (a *app) openStore(ctx context.Context) (*sqlstore.Store, error) {
	d, err := a.cfg.Dialect()
	if err != nil {
		return nil, err
	}
	opts := []sqlstore.Option{
		sqlstore.WithLogger(a.log),
		sqlstore.WithRetry(a.cfg.Timeout),
	}
	if a.log.Core().Enabled(zap.DebugLevel) {
		opts = append(opts, sqlstore.WithQueryLogger(sqlstore.ZapLogger(a.log)))
	}
	return sqlstore.Open(ctx, d, a.cfg.DSN, a.model, opts...)
}

func (a *app) newUnitOfWork(s orm.Store) *orm.UnitOfWork {
	return orm.NewUnitOfWork(a.model, s,
		orm.WithLogger(a.log),
		orm.WithLazyLoading(a.cfg.Lazy),
	)
}

// parseKey reads a comma-separated key. Integer parts become int64 so that
// they match the values drivers return.
func parseKey(s string) (orm.Key, error) {
	if s == "" {
		return nil, fmt.Errorf("a --key is required")
	}
	parts := strings.Split(s, ",")
	values := make([]any, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			values[i] = n
			continue
		}
		values[i] = p
	}
	return orm.KeyOf(values...), nil
}
