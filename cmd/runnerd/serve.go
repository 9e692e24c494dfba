package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"runnerd/internal/config"
	"runnerd/internal/httpapi"
)

const shutdownGrace = 5 * time.Second

func newServeCmd(o *options) *cobra.Command {
	var (
		addr    string
		prewarm bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := o.load(func(c *config.Config) {
				if addr != "" {
					c.Addr = addr
				}
				if cmd.Flags().Changed("prewarm") {
					c.Prewarm = prewarm
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default 127.0.0.1:11434 or RUNNERD_ADDR)")
	cmd.Flags().BoolVar(&prewarm, "prewarm", false, "Reload the models that were resident at the last shutdown")
	return cmd
}

// serve runs the HTTP server until ctx is canceled, then drains it, records
// the resident set and unloads every model.
func serve(ctx context.Context, a *app) error {
	cfg, log := a.cfg, a.log
	st, err := buildStack(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown: releasing models")
		}
	}()

	httpapi.SetLogger(log)
	httpapi.SetVersion(version)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	httpapi.SetCORSOptions(cfg.CORSEnabled, origins,
		[]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		[]string{"Content-Type", "Authorization", "X-Log-Level"})
	httpapi.SetBaseContext(ctx)

	if cfg.Prewarm {
		go func() {
			n, err := st.manager.Prewarm(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("prewarm failed")
				return
			}
			log.Info().Int("models", n).Msg("prewarm complete")
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(st.service),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("backend", cfg.Backend).Msg("runnerd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := st.manager.SaveResidentSet(); err != nil {
		log.Warn().Err(err).Msg("saving resident set failed")
	}
	return nil
}
