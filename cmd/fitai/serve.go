package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fitai/internal/configutil"
	"fitai/internal/fsstore"
	"fitai/internal/gemini"
	"fitai/internal/logutil"
	"fitai/internal/offload"
	"fitai/internal/persona"
	"fitai/internal/session"
	"fitai/internal/telegram"
	"fitai/internal/webhook"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server that relays Telegram chats to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "telegram-token", "telegram.token"))
			if token == "" {
				return fmt.Errorf("missing telegram.token (set via --telegram-token or FITAI_TELEGRAM_TOKEN)")
			}
			apiKey := strings.TrimSpace(configutil.FlagOrViperString(cmd, "gemini-api-key", "gemini.api_key"))
			if apiKey == "" {
				return fmt.Errorf("missing gemini.api_key (set via --gemini-api-key or FITAI_GEMINI_API_KEY)")
			}

			p, err := persona.Load(viper.GetString("persona.path"))
			if err != nil {
				logger.Warn("persona_load_failed", "error", err.Error())
			}

			api, err := telegram.NewAPI(nil, viper.GetString("telegram.api_base"), token)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			backend, err := gemini.NewClient(ctx, gemini.Config{
				APIKey:            apiKey,
				Model:             configutil.FlagOrViperString(cmd, "model", "gemini.model"),
				SystemInstruction: p.SystemInstruction,
			})
			if err != nil {
				return err
			}

			store, err := session.NewStore(backend)
			if err != nil {
				return err
			}

			var snapshots *session.Snapshots
			if configutil.FlagOrViperBool(cmd, "state-enabled", "state.enabled") {
				dir := fsstore.ExpandHome(viper.GetString("state.dir"))
				snapshots, err = session.NewSnapshots(dir)
				if err != nil {
					return err
				}
				warmed := snapshots.Warm(ctx, store, logger)
				logger.Info("sessions_warmed", "count", warmed, "dir", dir)
			}

			pool := offload.NewPool(
				configutil.FlagOrViperInt(cmd, "offload-workers", "offload.workers"),
				configutil.FlagOrViperDuration(cmd, "request-timeout", "llm.request_timeout"),
			)

			hostname := strings.TrimSpace(configutil.FlagOrViperString(cmd, "public-hostname", "server.public_hostname"))
			if hostname == "" {
				// Render injects the deploy's hostname; use it when present so
				// GET /set_webhook works out of the box.
				hostname = strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_HOSTNAME"))
			}

			wh, err := webhook.NewServer(webhook.Options{
				Store:          store,
				Pool:           pool,
				Messenger:      api,
				Registrar:      api,
				PublicHostname: hostname,
				Greeting:       p.Greeting,
				Snapshots:      snapshots,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			bind := strings.TrimSpace(configutil.FlagOrViperString(cmd, "server-bind", "server.bind"))
			port := configutil.FlagOrViperInt(cmd, "server-port", "server.port")
			if port <= 0 {
				port = 8080
			}
			addr := bind + ":" + strconv.Itoa(port)
			srv := &http.Server{
				Addr:              addr,
				Handler:           withAccessLog(logger, wh.Handler()),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info("server_start", "addr", addr, "public_hostname", hostname, "model", viper.GetString("gemini.model"))
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().String("telegram-token", "", "Telegram bot token.")
	cmd.Flags().String("gemini-api-key", "", "Gemini API key.")
	cmd.Flags().String("model", "", "Model name (default: gemini-2.5-flash).")
	cmd.Flags().String("server-bind", "0.0.0.0", "Bind address.")
	cmd.Flags().Int("server-port", 8080, "HTTP port to listen on.")
	cmd.Flags().String("public-hostname", "", "Public hostname used by /set_webhook.")
	cmd.Flags().Int("offload-workers", 8, "Max concurrent model calls.")
	cmd.Flags().Duration("request-timeout", 90*time.Second, "Per-call deadline for model requests.")
	cmd.Flags().Bool("state-enabled", true, "Persist sessions across restarts.")

	return cmd
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withAccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		logger.Debug("http_request",
			"request_id", uuid.NewString(),
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(started).Round(time.Millisecond).String())
	})
}
