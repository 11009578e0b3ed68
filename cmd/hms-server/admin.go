package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hospital/hms/internal/config"
	"github.com/hospital/hms/internal/domain/permission"
	"github.com/hospital/hms/internal/jobs"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/cache"
	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/internal/platform/websocket"
	"github.com/hospital/hms/pkg/client"
	"github.com/hospital/hms/pkg/rbac"
)

func grantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grants",
		Short: "Inspect and edit permission overrides",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List override rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			var role rbac.Role
			if raw, _ := cmd.Flags().GetString("role"); raw != "" {
				parsed, ok := rbac.ParseRole(raw)
				if !ok {
					return fmt.Errorf("unknown role %q", raw)
				}
				role = parsed
			}
			return withPermissionService(cmd.Context(), func(ctx context.Context, svc *permission.Service) error {
				rows, err := svc.ListGrants(ctx, role)
				if err != nil {
					return err
				}
				fmt.Printf("%-16s %-16s %-28s %s\n", "ROLE", "MODULE", "ACTIONS", "UPDATED BY")
				for _, r := range rows {
					fmt.Printf("%-16s %-16s %-28s %s\n", r.Role, r.Module, r.Actions, r.UpdatedBy)
				}
				return nil
			})
		},
	}
	listCmd.Flags().String("role", "", "Only list rows of this role")
	cmd.AddCommand(listCmd)

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace the override of one role and module",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawRole, _ := cmd.Flags().GetString("role")
			rawModule, _ := cmd.Flags().GetString("module")
			rawActions, _ := cmd.Flags().GetString("actions")

			role, ok := rbac.ParseRole(rawRole)
			if !ok {
				return fmt.Errorf("unknown role %q", rawRole)
			}
			module, ok := rbac.ParseModule(rawModule)
			if !ok {
				return fmt.Errorf("unknown module %q", rawModule)
			}
			actions, err := parseActions(rawActions)
			if err != nil {
				return err
			}
			return withPermissionService(cmd.Context(), func(ctx context.Context, svc *permission.Service) error {
				row, err := svc.SetGrant(ctx, "cli", role, module, actions)
				if err != nil {
					return err
				}
				fmt.Printf("%s/%s = %s\n", row.Role, row.Module, row.Actions)
				return nil
			})
		},
	}
	setCmd.Flags().String("role", "", "Role to override")
	setCmd.Flags().String("module", "", "Module to override")
	setCmd.Flags().String("actions", "", "Comma separated actions, empty denies everything")
	_ = setCmd.MarkFlagRequired("role")
	_ = setCmd.MarkFlagRequired("module")
	cmd.AddCommand(setCmd)

	return cmd
}

// parseActions turns "view,edit" into an action set. Blank input is the empty
// set.
func parseActions(raw string) (rbac.ActionSet, error) {
	var set rbac.ActionSet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, ok := rbac.ParseAction(part)
		if !ok {
			return 0, fmt.Errorf("unknown action %q", part)
		}
		set = set.With(a)
	}
	return set, nil
}

// withPermissionService opens the grant store. When Redis is configured the
// cache is kept coherent and connected sessions are told to refetch.
func withPermissionService(ctx context.Context, fn func(context.Context, *permission.Service) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	opts := []permission.ServiceOption{permission.WithLogger(logger)}
	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, sessions will pick up changes when their snapshot goes stale")
	} else if rdb != nil {
		defer rdb.Close()
		opts = append(opts,
			permission.WithCache(rdb, cfg.GrantCacheTTL),
			permission.WithPublisher(websocket.NewRedisPublisher(rdb, websocket.DefaultChannel)),
		)
	}
	return fn(ctx, permission.NewService(permission.NewGrantRepoPG(pool), opts...))
}

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Queue a one-off purge of old read notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required to queue a purge")
			}
			retention := cfg.NotificationRetention
			if cmd.Flags().Changed("older-than") {
				retention, _ = cmd.Flags().GetDuration("older-than")
			}
			opts, err := cache.Options(cfg.RedisURL)
			if err != nil {
				return err
			}
			jc := jobs.NewClient(jobs.RedisOpt(opts))
			defer jc.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := jc.EnqueuePurge(ctx, retention); err != nil {
				return err
			}
			fmt.Printf("Queued purge of read notifications older than %s.\n", retention)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "Retention override (defaults to NOTIFICATION_RETENTION)")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user")
			rawRole, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			role, ok := rbac.ParseRole(rawRole)
			if !ok {
				return fmt.Errorf("unknown role %q", rawRole)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), userID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("user", "", "Subject user id")
	cmd.Flags().String("role", "", "Session role")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// WatchConfig is read from HMS_* environment variables.
type WatchConfig struct {
	ServerURL  string        `envconfig:"SERVER_URL" default:"http://localhost:8000"`
	Token      string        `envconfig:"TOKEN"`
	UserID     string        `envconfig:"USER_ID"`
	Role       string        `envconfig:"ROLE"`
	Backoff    time.Duration `envconfig:"BACKOFF" default:"5s"`
	StaleAfter time.Duration `envconfig:"STALE_AFTER" default:"5m"`
}

func loadWatchConfig() (WatchConfig, error) {
	var wc WatchConfig
	if err := envconfig.Process("hms", &wc); err != nil {
		return wc, fmt.Errorf("watch config: %w", err)
	}
	return wc, nil
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow one user's notifications and permissions as a client session",
		RunE: func(cmd *cobra.Command, args []string) error {
			wc, err := loadWatchConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("server") {
				wc.ServerURL, _ = flags.GetString("server")
			}
			if flags.Changed("token") {
				wc.Token, _ = flags.GetString("token")
			}
			if flags.Changed("user") {
				wc.UserID, _ = flags.GetString("user")
			}
			if flags.Changed("role") {
				wc.Role, _ = flags.GetString("role")
			}
			return runWatch(wc)
		},
	}
	cmd.Flags().String("server", "", "Server base URL (HMS_SERVER_URL)")
	cmd.Flags().String("token", "", "Bearer token (HMS_TOKEN)")
	cmd.Flags().String("user", "", "User id (HMS_USER_ID)")
	cmd.Flags().String("role", "", "Session role (HMS_ROLE)")
	return cmd
}

func runWatch(wc WatchConfig) error {
	role, ok := rbac.ParseRole(wc.Role)
	if !ok {
		return fmt.Errorf("unknown role %q", wc.Role)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := client.Start(ctx, client.Options{
		ServerURL:  wc.ServerURL,
		Token:      wc.Token,
		UserID:     wc.UserID,
		Role:       role,
		Backoff:    wc.Backoff,
		StaleAfter: wc.StaleAfter,
		Logger:     logger,
		OnStateChange: func(s client.State) {
			logger.Info().Str("state", s.String()).Msg("push channel")
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	report := func() {
		logger.Info().
			Int("notifications", len(session.Cache.Items())).
			Int("unread", session.Cache.UnreadCount()).
			Msg("notifications")
	}
	report()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-session.Cache.Updates():
			if !ok {
				return nil
			}
			report()
		case _, ok := <-session.Permissions.Changed():
			if !ok {
				return nil
			}
			ev := logger.Info().Str("role", string(role)).Bool("degraded", session.Permissions.Degraded())
			for module, set := range session.Permissions.Matrix() {
				ev = ev.Str(string(module), set.String())
			}
			ev.Msg("permissions")
		}
	}
}
