package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/aside/internal/api"
	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/resolver"
)

func lookupCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "lookup <username>",
		Short: "Resolve one user through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			login, err := normalizeLogin(args[0])
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Backend().Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			origin := newGitHubClient(cfg)
			coord := resolver.New(store, resolver.WithDefaultTTL(cfg.Cache.TTL))
			res, err := coord.Resolve(ctx, api.UserKey(login), func(ctx context.Context) ([]byte, error) {
				return origin.FetchUser(ctx, login)
			}, cfg.Cache.TTL)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", login, err)
			}
			logging.Op().Debug("lookup resolved", "login", login, "source", res.Source)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Source string          `json:"source"`
				Data   json.RawMessage `json:"data"`
			}{res.Source.String(), res.Value})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Overall lookup timeout")
	return cmd
}

func purgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <username>...",
		Short: "Delete cached users",
		Long: `Delete cached users from the shared store.

With cache.backend=tiered only the L2 entry is removed. Running servers keep
their in-process L1 copy until it expires, so a purged user can still be
served for up to cache.l1_ttl (10s by default).`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			backend := store.Backend()
			defer backend.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			for _, arg := range args {
				login, err := normalizeLogin(arg)
				if err != nil {
					return err
				}
				if err := backend.Delete(ctx, api.UserKey(login)); err != nil {
					return fmt.Errorf("purge %s: %w", login, err)
				}
				fmt.Printf("Purged: %s\n", login)
			}
			return nil
		},
	}
}

func healthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the cache store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			backend := store.Backend()
			defer backend.Close()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Cache.OpTimeout+2*time.Second)
			defer cancel()

			start := time.Now()
			if err := backend.Ping(ctx); err != nil {
				return fmt.Errorf("cache %s unreachable: %w", cfg.Cache.Backend, err)
			}
			fmt.Printf("cache %s ok (%s)\n", cfg.Cache.Backend, time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
