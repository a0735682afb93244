package cli

import (
	"github.com/spf13/cobra"

	"github.com/package-audit/pkgaudit/internal/api"
)

var (
	serveAddr      string
	serveRateLimit int
	serveBurst     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API.

Exposes the same operations as the CLI under /api, plus /health,
/health/ready and Prometheus metrics at /metrics. The server runs in the
foreground until interrupted, then finishes in-flight requests.

Examples:
  pkgaudit serve
  pkgaudit serve --addr 127.0.0.1:9090 --rate-limit 30`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := requireRuntime()
		if err != nil {
			return err
		}
		srv := api.New(r, api.Options{
			Addr:               serveAddr,
			RateLimitPerMinute: serveRateLimit,
			RateLimitBurst:     serveBurst,
		})
		return srv.Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.addr)")
	serveCmd.Flags().IntVar(&serveRateLimit, "rate-limit", 0, "requests per minute per client (default server.rate_limit_per_minute)")
	serveCmd.Flags().IntVar(&serveBurst, "burst", 0, "rate limit burst (default server.rate_limit_burst)")
	rootCmd.AddCommand(serveCmd)
}
