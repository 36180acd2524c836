package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/config"
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/peers"
	"github.com/kabili207/zeta-go/device/relayclient"
)

func clientCmd() *cobra.Command {
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = config.Default()
	}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Attach to a relay hub",
		Long: `Connect to a relay hub, print the feed as it changes and publish each
line read from standard input as a post.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}

			logger := setupLogger(verbose || cfg.Verbose)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runClient(ctx, cfg.Client, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Client.Hub, "hub", cfg.Client.Hub, "relay hub websocket URL")
	f.StringVar(&cfg.Client.Name, "name", cfg.Client.Name, "display name (default: Browser-<id suffix>)")
	f.StringVar(&cfg.Client.KeyFile, "key-file", cfg.Client.KeyFile, "client identity seed file")

	return cmd
}

func runClient(ctx context.Context, cfg config.ClientConfig, in io.Reader, out io.Writer, logger *zap.Logger) error {
	c := relayclient.New(relayclient.Config{
		URL:         cfg.Hub,
		DisplayName: cfg.Name,
		KeyStore:    &relayclient.FileKeyStore{Path: cfg.KeyFile},
		Logger:      logger,
	})
	if err := c.Init(); err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	fmt.Fprintf(out, "peer id: %s\nname:    %s\n", c.PeerID(), c.DisplayName())

	defer c.SubscribeState(func(s relayclient.State) {
		fmt.Fprintf(out, "* %s\n", s)
	})()
	defer c.SubscribeFeed(func(posts []feed.Post) {
		fmt.Fprintf(out, "* feed replaced (%d posts)\n", len(posts))
		for i := len(posts) - 1; i >= 0; i-- {
			printPost(out, posts[i])
		}
	})()
	defer c.SubscribePosts(func(p feed.Post) {
		printPost(out, p)
	})()
	defer c.SubscribePeers(func(d peers.Delta) {
		fmt.Fprintf(out, "* peer %s %s\n", d.Record.PeerID, d.Kind)
	})()

	go readPosts(ctx, c, in, logger)

	err := c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// readPosts publishes every non-empty line of in until in is exhausted or
// ctx is done.
func readPosts(ctx context.Context, c *relayclient.Client, in io.Reader, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := c.Publish(line, ""); err != nil {
			logger.Warn("publish failed", zap.Error(err))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading input failed", zap.Error(err))
	}
}

func printPost(out io.Writer, p feed.Post) {
	ts := time.Unix(p.Timestamp, 0).Format(time.TimeOnly)
	fmt.Fprintf(out, "[%s] %s: %s\n", ts, p.DisplayName(), p.Content)
}
