package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rcourtman/plansync/internal/entitlement"
	apperrors "github.com/rcourtman/plansync/internal/errors"
	"github.com/rcourtman/plansync/internal/identity"
	"github.com/rcourtman/plansync/internal/server"
	"github.com/spf13/cobra"
)

var (
	eventsLimit int
	tokenEmail  string
	tokenTTL    time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Show the stored entitlement for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			rec, err := app.Engine.Status(cmd.Context(), args[0])
			return printRecord(cmd.OutOrStdout(), args[0], rec, err)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>",
	Short: "Re-read the user's subscription from the billing processor and repair the record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			rec, err := app.Engine.Sync(cmd.Context(), args[0])
			return printRecord(cmd.OutOrStdout(), args[0], rec, err)
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <user-id>",
	Short: "Detach the user's subscriptions locally without calling the billing processor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			rec, err := app.Engine.Clear(cmd.Context(), args[0])
			return printRecord(cmd.OutOrStdout(), args[0], rec, err)
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent webhook deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(app *server.App) error {
			evs, err := app.Store.ListWebhookEvents(cmd.Context(), eventsLimit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range evs {
				line := fmt.Sprintf("%s  %-8s  %-34s  %s", ev.ReceivedAt.Format(time.RFC3339), ev.Outcome, ev.Type, ev.EventID)
				if ev.UserID != "" {
					line += "  user=" + ev.UserID
				}
				if ev.Error != "" {
					line += "  error=" + ev.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a signed identity token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return err
		}
		auth, err := identity.NewHMACAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(identity.Identity{UserID: args[0], Email: tokenEmail}, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of deliveries to show")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim to embed")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
}

func withApp(ctx context.Context, fn func(app *server.App) error) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	app, err := server.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(app)
}

type recordOutput struct {
	*entitlement.Record
	State entitlement.State `json:"state"`
}

func printRecord(w io.Writer, userID string, rec *entitlement.Record, err error) error {
	if err != nil && apperrors.KindOf(err) != apperrors.KindNotFound {
		return err
	}
	if rec == nil {
		rec = &entitlement.Record{UserID: userID}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recordOutput{Record: rec, State: rec.State()})
}
