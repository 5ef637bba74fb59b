package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:          "aside",
		Short:        "aside - read-through cache for GitHub user lookups",
		Long:         "Serve GitHub user documents through a fail-open cache with request coalescing",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.backend, "cache", "", "Cache backend (memory, redis, memcache, tiered)")
	rootCmd.PersistentFlags().StringVar(&opts.redisAddr, "redis", "", "Redis address")
	rootCmd.PersistentFlags().StringVar(&opts.redisPass, "redis-pass", "", "Redis password")
	rootCmd.PersistentFlags().IntVar(&opts.redisDB, "redis-db", 0, "Redis database")
	rootCmd.PersistentFlags().StringSliceVar(&opts.memcacheServers, "memcache", nil, "Memcached servers")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		serveCmd(&opts),
		lookupCmd(&opts),
		purgeCmd(&opts),
		healthCmd(&opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
