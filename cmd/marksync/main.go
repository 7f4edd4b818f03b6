package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/marksync/internal/config"
	"github.com/agentworkforce/marksync/internal/httpapi"
	"github.com/agentworkforce/marksync/internal/inbox"
	"github.com/agentworkforce/marksync/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type cli struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New()}
	root := &cobra.Command{
		Use:           "marksync",
		Short:         "Keep feed bookmarks in sync with the bookmark service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			if err := config.Bind(c.v, cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			cfg, err := config.Load(c.v, c.configFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (yaml, json or toml)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		c.runCmd(),
		c.listCmd(),
		c.addCmd(),
		c.renameCmd(),
		c.deleteCmd(),
		c.restoreCmd(),
		c.exportCmd(),
		c.sendCmd(),
		c.inboxCmd(),
	)
	return root
}

// withApp runs fn with started background workers and stops them, flushing
// pending writes, once fn returns.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, c.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.start(ctx)
	defer a.stop()
	return fn(ctx, a)
}

func (c *cli) runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Refresh bookmarks periodically and on login changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return runLoop(ctx, a, once)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "refresh once and exit")
	return cmd
}

func runLoop(ctx context.Context, a *app, once bool) error {
	refresh := func() {
		a.coordinator.Update()
		flushCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout*4)
		defer cancel()
		if err := a.coordinator.Flush(flushCtx); err != nil {
			a.logger.Printf("refresh did not finish: %v", err)
			return
		}
		stats := a.coordinator.Stats()
		a.logger.Printf("refresh completed: %d bookmarks (applied=%d skipped=%d failed=%d)",
			len(a.store.Current().Bookmarks), stats.Applied, stats.Skipped, stats.Failed)
		if a.client.Authorized() {
			if _, err := a.inbox.RefreshUnreadCounts(flushCtx); err != nil {
				a.logger.Printf("refresh inbox counts: %v", err)
			}
		}
	}

	go logUnreadCounts(ctx, a)

	refresh()
	if once {
		return nil
	}

	if source := sessionSource(a); source != nil {
		events := make(chan session.Event)
		go func() {
			if err := source.Run(ctx, events); err != nil {
				a.logger.Printf("session source stopped: %v", err)
			}
		}()
		go session.Debounce(ctx, events, a.cfg.Debounce, func(ev session.Event) {
			a.logger.Printf("login state changed: logged_in=%t user=%q", ev.LoggedIn, ev.User)
			a.client.SetToken(ev.Token)
			if !ev.LoggedIn {
				if err := a.inbox.ForgetReadMessages(ctx); err != nil {
					a.logger.Printf("forget read messages: %v", err)
				}
				a.inbox.PublishUnreadCount(inbox.Counts{})
			}
			a.coordinator.Update()
		})
	}

	if a.cfg.Listen != "" {
		stopAPI := serveAPI(ctx, a)
		defer stopAPI()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(a.cfg.Interval, a.cfg.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Printf("marksync stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			refresh()
			timer.Reset(jitteredIntervalWithSample(a.cfg.Interval, a.cfg.IntervalJitter, rng.Float64()))
		}
	}
}

// serveAPI starts the local status API and returns a func shutting it down.
func serveAPI(ctx context.Context, a *app) func() {
	server := &http.Server{
		Addr: a.cfg.Listen,
		Handler: httpapi.NewServer(a.coordinator, a.inbox, httpapi.ServerConfig{
			Token:           a.cfg.APIToken,
			RateLimitMax:    a.cfg.APIRateLimit,
			RateLimitWindow: time.Minute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Printf("status API listening on %s", a.cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Printf("status API failed: %v", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Printf("status API shutdown: %v", err)
		}
		<-done
	}
}

func logUnreadCounts(ctx context.Context, a *app) {
	last := -1
	for counts := range a.inbox.UnreadCounts(ctx) {
		if total := counts.Total(); total != last {
			a.logger.Printf("unread inbox items: %d", total)
			last = total
		}
	}
}

func sessionSource(a *app) session.Source {
	switch {
	case a.cfg.SessionURL != "":
		return &session.WebSocketSource{URL: a.cfg.SessionURL, Token: a.cfg.Token, Logger: a.logger}
	case a.cfg.SessionFile != "":
		return &session.FileSource{Path: a.cfg.SessionFile, Logger: a.logger}
	default:
		return nil
	}
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = config.ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
