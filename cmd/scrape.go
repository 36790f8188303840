package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/firescrape/internal/client"
	"github.com/JakeFAU/firescrape/internal/config"
	"github.com/JakeFAU/firescrape/internal/logging"
	"github.com/JakeFAU/firescrape/internal/scrape"
	"github.com/JakeFAU/firescrape/internal/stream"
)

type scrapeFlags struct {
	formats         []string
	onlyMainContent bool
	stealth         bool
	timeoutMs       int
	waitForMs       int
	watch           bool
	pollInterval    time.Duration
}

func newScrapeCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	flags := &scrapeFlags{}
	cmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Create a run against a firescrape API and optionally follow it",
		Long: `Creates a scrape run. With --watch, follows the run's live stream (polling
alongside it) and prints the terminal run as JSON.

The API address, owner and token may also come from FIRESCRAPE_API_URL,
FIRESCRAPE_OWNER and FIRESCRAPE_TOKEN.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(client.Config{
				BaseURL: v.GetString("api_url"),
				Token:   v.GetString("token"),
				Owner:   v.GetString("owner"),
			}, nil)
			if err != nil {
				return err
			}
			return runScrape(cmd, c, buildRequest(args[0], cmd, flags), flags)
		},
	}

	f := cmd.Flags()
	f.String("api", "http://localhost:8080", "firescrape API base URL")
	f.String("owner", "", "owner identity sent in the owner header")
	f.String("token", "", "bearer token")
	f.StringSliceVar(&flags.formats, "format", nil, "output format; repeat or comma-separate (markdown, html, rawHtml, screenshot, json)")
	f.BoolVar(&flags.onlyMainContent, "only-main-content", true, "strip navigation and boilerplate")
	f.BoolVar(&flags.stealth, "stealth", false, "use the stealth proxy")
	f.IntVar(&flags.timeoutMs, "timeout-ms", 0, "scrape timeout in milliseconds")
	f.IntVar(&flags.waitForMs, "wait-for-ms", 0, "delay before capture in milliseconds")
	f.BoolVar(&flags.watch, "watch", false, "follow the run until it finishes")
	f.DurationVar(&flags.pollInterval, "poll-interval", client.DefaultPollInterval, "status poll interval while watching")

	_ = v.BindPFlag("api_url", f.Lookup("api"))
	_ = v.BindPFlag("owner", f.Lookup("owner"))
	_ = v.BindPFlag("token", f.Lookup("token"))
	return cmd
}

// buildRequest maps flags to a create request. Only flags the user set are
// sent so the server applies its own defaults for the rest.
func buildRequest(url string, cmd *cobra.Command, flags *scrapeFlags) client.CreateRunRequest {
	req := client.CreateRunRequest{URL: url}
	for _, f := range flags.formats {
		if f = strings.TrimSpace(f); f != "" {
			req.Formats = append(req.Formats, scrape.Format(f))
		}
	}
	changed := cmd.Flags().Changed
	if changed("only-main-content") {
		req.Options.OnlyMainContent = &flags.onlyMainContent
	}
	if changed("stealth") {
		req.Options.Stealth = &flags.stealth
	}
	if changed("timeout-ms") {
		req.Options.TimeoutMs = &flags.timeoutMs
	}
	if changed("wait-for-ms") {
		req.Options.WaitForMs = &flags.waitForMs
	}
	return req
}

func runScrape(cmd *cobra.Command, c *client.Client, req client.CreateRunRequest, flags *scrapeFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	created, err := c.CreateRun(ctx, req)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !flags.watch {
		return printJSON(out, created)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s created\n", created.ID)

	logger, err := logging.New(logging.Config{Development: true, Level: "warn"})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	w := client.NewWatcher(c, nil, client.WatcherConfig{PollInterval: flags.pollInterval}, logger)
	run, err := w.Watch(ctx, created.ID, func(evt stream.Event) {
		printEvent(cmd.ErrOrStderr(), evt)
	})
	if err != nil {
		return fmt.Errorf("watch run %s: %w", created.ID, err)
	}
	if err := printJSON(out, run); err != nil {
		return err
	}
	if run.Status == scrape.RunStatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

func printEvent(w io.Writer, evt stream.Event) {
	switch evt.Type {
	case stream.EventConnected:
		fmt.Fprintln(w, "connected")
	case stream.EventStatus:
		fmt.Fprintf(w, "status: %s\n", evt.Status)
	case stream.EventProgress:
		fmt.Fprintf(w, "  %s\n", evt.Message)
	case stream.EventComplete:
		if evt.Status == stream.StatusError {
			fmt.Fprintf(w, "failed: %s (%s)\n", evt.Error, evt.ErrorCode)
			return
		}
		fmt.Fprintln(w, "complete")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
