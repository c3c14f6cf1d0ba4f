package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xlttj/pbiproxy/pkg/metrics"
	"github.com/xlttj/pbiproxy/pkg/proxy"
)

func newServeCmd(o *options) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run headless: reconcile, auto-connect and log events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, o, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9464")
	return cmd
}

func runServe(cmd *cobra.Command, o *options, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := o.newController()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	out := &lockedWriter{w: cmd.OutOrStdout()}
	sub := ctrl.Bus().Subscribe(proxy.OfType(
		proxy.EventProxyStarted,
		proxy.EventProxyStopped,
		proxy.EventLog,
		proxy.EventError,
	), func(e proxy.Event) {
		fmt.Fprintf(out, "%s %s\n", e.Time.Format(time.TimeOnly), e)
	})
	defer func() {
		sub.Close()
		<-sub.Done()
	}()

	fmt.Fprintf(out, "Using configuration %s\n", ctrl.StorePath())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx, o.interval)
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry(ctrl)))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			fmt.Fprintf(out, "Serving metrics on http://%s/metrics\n", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// lockedWriter serializes writes from event handlers and servers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
