package commands

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/thushan/courier"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the response cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached URLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer cache.Close()

		it := cache.URLs()
		for it.HasNext() {
			u, ok := it.Next()
			if !ok {
				break
			}
			fmt.Fprintln(os.Stdout, u)
		}
		return nil
	},
}

var cacheRmCmd = &cobra.Command{
	Use:   "rm [URL...]",
	Short: "Remove cached entries, or everything with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer cache.Close()

		all, _ := cmd.Flags().GetBool("all")
		if all {
			cache.EvictAll()
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("pass URLs to remove, or --all")
		}
		targets := make(map[string]bool, len(args))
		for _, a := range args {
			targets[a] = true
		}
		it := cache.URLs()
		for it.HasNext() {
			u, ok := it.Next()
			if !ok {
				break
			}
			if targets[u] {
				if err := it.Remove(); err != nil {
					return err
				}
			}
		}
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and hit counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer cache.Close()

		fmt.Fprintf(os.Stdout, "size:           %s of %s\n",
			humanize.IBytes(uint64(cache.Size())), humanize.IBytes(uint64(cache.MaxSize())))
		fmt.Fprintf(os.Stdout, "requests:       %d\n", cache.RequestCount())
		fmt.Fprintf(os.Stdout, "network:        %d\n", cache.NetworkCount())
		fmt.Fprintf(os.Stdout, "hits:           %d\n", cache.HitCount())
		fmt.Fprintf(os.Stdout, "write success:  %d\n", cache.WriteSuccessCount())
		fmt.Fprintf(os.Stdout, "write aborted:  %d\n", cache.WriteAbortCount())
		return nil
	},
}

func openCache() (*courier.Cache, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("no cache directory configured; pass --cache")
	}
	return courier.NewCache(cfg.CacheDir, cfg.CacheSize, vlog)
}

func init() {
	cacheRmCmd.Flags().Bool("all", false, "remove every cached entry")
	cacheCmd.AddCommand(cacheLsCmd, cacheRmCmd, cacheStatsCmd)
	rootCmd.AddCommand(cacheCmd)
}
