// Package commands provides CLI subcommands for SweetLink.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweetlink/sweetlink/internal/apiclient"
	"github.com/sweetlink/sweetlink/internal/codename"
	"github.com/sweetlink/sweetlink/internal/config"
	"github.com/sweetlink/sweetlink/internal/logging"
	"github.com/sweetlink/sweetlink/internal/secret"
)

// cliSubject is the subject stamped into locally minted cli tokens.
const cliSubject = "sweetlink-cli"

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config, component string) zerolog.Logger {
	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	var pretty *bool
	if cfg.Logging.Pretty {
		pretty = logging.Bool(true)
	}
	return logging.New(component, logging.Options{Level: level, Pretty: pretty, Output: cmd.ErrOrStderr()})
}

func resolveSecret(cfg *config.Config) (*secret.Resolution, error) {
	res, err := secret.Resolve(secret.Options{Path: cfg.Secret.Path, AutoCreate: cfg.Secret.AutoCreate})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secret: %w", err)
	}
	return res, nil
}

// newAPI returns a daemon client that mints its own cli tokens.
func newAPI(cfg *config.Config, timeout time.Duration) (*apiclient.Client, error) {
	res, err := resolveSecret(cfg)
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.Daemon.BaseURL(), apiclient.NewCLITokens(res.Secret, cliSubject), timeout), nil
}

// openCodenames builds the codename cache for the configured backend. The
// returned func releases the backend.
func openCodenames(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*codename.Cache, func(), error) {
	var (
		store  codename.Store
		closer = func() {}
	)
	switch cfg.Codenames.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Codenames.RedisAddr})
		rs, err := codename.NewRedisStore(rdb, cfg.Codenames.RedisPrefix)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		store = rs
		closer = func() { _ = rs.Close() }
	default:
		store = codename.NewFileStore(cfg.Codenames.Path)
	}

	cache := codename.NewCache(store, logger)
	if err := cache.Load(ctx); err != nil {
		logger.Warn().Err(err).Str("backend", cfg.Codenames.Backend).Msg("Failed to load codenames")
	}
	return cache, closer, nil
}

// resolveSession maps a session id or codename to a session id.
func resolveSession(ctx context.Context, api *apiclient.Client, hint string) (string, error) {
	if codename.LooksLikeSessionID(strings.TrimSpace(hint)) {
		return strings.TrimSpace(hint), nil
	}
	sessions, err := api.Sessions(ctx)
	if err != nil {
		return "", err
	}
	return codename.ResolveHint(hint, sessions)
}

// readSource returns arg itself, the contents of the file named by @path, or
// stdin for "-".
func readSource(in io.Reader, arg string) (string, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	case strings.HasPrefix(arg, "@"):
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return arg, nil
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
