package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fitai/internal/configutil"
	"fitai/internal/telegram"
)

// newSetWebhookCmd registers the webhook from the shell, for deploys where
// hitting GET /set_webhook is inconvenient.
func newSetWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-webhook",
		Short: "Register https://<public-hostname>/webhook with the Bot API",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "telegram-token", "telegram.token"))
			if token == "" {
				return fmt.Errorf("missing telegram.token (set via --telegram-token or FITAI_TELEGRAM_TOKEN)")
			}
			hostname := strings.TrimSpace(configutil.FlagOrViperString(cmd, "public-hostname", "server.public_hostname"))
			if hostname == "" {
				hostname = strings.TrimSpace(os.Getenv("RENDER_EXTERNAL_HOSTNAME"))
			}
			if hostname == "" {
				return fmt.Errorf("missing server.public_hostname (set via --public-hostname or FITAI_SERVER_PUBLIC_HOSTNAME)")
			}

			api, err := telegram.NewAPI(nil, configutil.FlagOrViperString(cmd, "telegram-api-base", "telegram.api_base"), token)
			if err != nil {
				return err
			}
			url := "https://" + hostname + "/webhook"
			if err := api.SetWebhook(cmd.Context(), url); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Webhook set: %s\n", url)
			return nil
		},
	}

	cmd.Flags().String("telegram-token", "", "Telegram bot token.")
	cmd.Flags().String("telegram-api-base", "", "Bot API base URL (default: https://api.telegram.org).")
	cmd.Flags().String("public-hostname", "", "Public hostname serving /webhook.")

	return cmd
}
