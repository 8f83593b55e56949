package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/httpapi"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/relay"
)

const releaseVersion = "0.1.0"

type Config struct {
	bind     string
	port     int
	sheetDir string
	verbose  bool
}

func (c *Config) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.sheetDir == "" {
		return errors.New("--sheet-dir must not be empty")
	}
	return nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("UNICORNPOEP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizrelay",
		Short:         "Rendezvous and message relay for multiplayer quiz sessions.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: UNICORNPOEP_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: UNICORNPOEP_PORT)")
	fs.StringVar(&cfg.sheetDir, "sheet-dir", "sheets", "directory holding question sheet files (env: UNICORNPOEP_SHEET_DIR)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "development logging (env: UNICORNPOEP_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.SetVersionTemplate("quizrelay v{{.Version}}\n")
	return cmd
}

func serve(ctx context.Context, cfg *Config) error {
	log, err := newLogger(cfg.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rl := relay.New(ctx, log)
	handler := httpapi.SetupRoutes(rl, questions.FileSource{Dir: cfg.sheetDir}, log)

	addr := net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port))
	log.Info("listening", zap.String("addr", addr), zap.String("sheets", cfg.sheetDir))

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
