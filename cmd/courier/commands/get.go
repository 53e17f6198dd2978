package commands

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/thushan/courier"
)

var (
	getOutput  string
	getHeaders []string
	getShowHdr bool
)

var getCmd = &cobra.Command{
	Use:   "get URL [URL...]",
	Short: "Fetch one or more URLs",
	Long: "Fetches URLs through the shared connection pool. Multiple URLs run " +
		"concurrently on the dispatcher, bounded by its global and per-host caps.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cache, err := buildClient()
		if err != nil {
			return err
		}
		defer client.Close()
		defer closeCache(cache)

		if len(args) == 1 {
			return fetchOne(client, args[0], os.Stdout)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var firstErr error
		for _, rawURL := range args {
			req, err := buildRequest(rawURL)
			if err != nil {
				return err
			}
			wg.Add(1)
			client.NewCall(req).Enqueue(courier.CallbackFuncs{
				Response: func(call *courier.Call, resp *courier.Response) {
					defer wg.Done()
					defer resp.Close()
					n, err := io.Copy(io.Discard, resp.Body)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						vlog.Error("read failed", "url", call.Request().URL(), "error", err)
						return
					}
					vlog.Info("fetched",
						"url", call.Request().URL(),
						"status", resp.StatusCode,
						"protocol", resp.Protocol,
						"bytes", n)
				},
				Failure: func(call *courier.Call, err error) {
					defer wg.Done()
					mu.Lock()
					defer mu.Unlock()
					vlog.Error("fetch failed", "url", call.Request().URL(), "error", err)
					if firstErr == nil {
						firstErr = err
					}
				},
			})
		}
		wg.Wait()
		return firstErr
	},
}

func fetchOne(client *courier.Client, rawURL string, stdout io.Writer) error {
	req, err := buildRequest(rawURL)
	if err != nil {
		return err
	}

	started := time.Now()
	resp, err := client.NewCall(req).Execute()
	if err != nil {
		return err
	}
	defer resp.Close()

	vlog.Info("response",
		"status", resp.StatusCode,
		"protocol", resp.Protocol,
		"elapsed", time.Since(started).Round(time.Millisecond))

	if getShowHdr {
		headers := resp.Headers
		for i := 0; i < headers.Len(); i++ {
			name, value := headers.At(i)
			fmt.Fprintf(os.Stderr, "%s: %s\n", name, value)
		}
	}

	out := stdout
	if getOutput != "" {
		f, err := os.Create(getOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = io.Copy(out, resp.Body)
	return err
}

func buildRequest(rawURL string) (*courier.Request, error) {
	opts := make([]courier.RequestOption, 0, len(getHeaders))
	for _, h := range getHeaders {
		name, value, ok := splitHeaderFlag(h)
		if !ok {
			return nil, fmt.Errorf("invalid header flag %q, want Name: value", h)
		}
		opts = append(opts, courier.WithHeader(name, value))
	}
	return courier.NewRequest("GET", rawURL, opts...)
}

func splitHeaderFlag(h string) (name, value string, ok bool) {
	for i := 0; i < len(h); i++ {
		if h[i] == ':' {
			return h[:i], h[i+1:], true
		}
	}
	return "", "", false
}

func buildClient() (*courier.Client, *courier.Cache, error) {
	opts := []courier.Option{
		courier.WithCallTimeout(cfg.Timeout),
		courier.WithFollowRedirects(!cfg.NoRedirects),
	}
	if !cfg.HTTP2 {
		opts = append(opts, courier.WithProtocols(courier.ProtocolHTTP11))
	}
	if cfg.Insecure {
		opts = append(opts, courier.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, courier.WithUserAgent(cfg.UserAgent))
	}

	var cache *courier.Cache
	if cfg.CacheDir != "" {
		var err error
		cache, err = courier.NewCache(cfg.CacheDir, cfg.CacheSize, vlog)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, courier.WithCache(cache))
	}

	client, err := courier.New(opts...)
	if err != nil {
		closeCache(cache)
		return nil, nil, err
	}
	return client, cache, nil
}

func closeCache(cache *courier.Cache) {
	if cache != nil {
		cache.Close()
	}
}

func init() {
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "write the body to a file instead of stdout")
	getCmd.Flags().StringArrayVarP(&getHeaders, "header", "H", nil, "additional request header (repeatable)")
	getCmd.Flags().BoolVarP(&getShowHdr, "include-headers", "i", false, "print response headers to stderr")
	rootCmd.AddCommand(getCmd)
}
