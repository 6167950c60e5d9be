package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/term"

	"carbontrace/internal/account"
	"carbontrace/internal/config"
	"carbontrace/internal/domain"
	"carbontrace/internal/session"
	"carbontrace/internal/store"
)

// Execute runs the CLI.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "carbontrace",
		Short:         "carbontrace admin CLI",
		Long:          "Administrative commands for the carbontrace backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newCreatePartnerCmd())
	rootCmd.AddCommand(newMintTokenCmd())
	rootCmd.AddCommand(newCheckEmailCmd())
	return rootCmd
}

// loadConfig reads .env and the environment, tolerating the dev-secret
// warning that an interactive admin session does not need to see.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	return config.LoadFromEnv()
}

func connect(ctx context.Context, cfg *config.Config) (*store.Mongo, func(context.Context) error, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return store.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
}

func newCreatePartnerCmd() *cobra.Command {
	var (
		company    string
		username   string
		email      string
		region     string
		categories []string
	)
	cmd := &cobra.Command{
		Use:   "create-partner",
		Short: "Register a partner company account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			password, err := promptPassword("Password: ")
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			mongo, disconnect, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer disconnect(context.Background()) //nolint:errcheck

			svc := account.NewService(mongo, discardLogger())
			doc, cred, err := svc.CreatePartner(ctx, account.PartnerSignup{
				CompanyName:           company,
				Username:              username,
				Email:                 email,
				Password:              password,
				Region:                region,
				MeasurementCategories: categories,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created partner %s (company id %s)\n",
				doc["company"], cred.PrincipalID.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company name")
	cmd.Flags().StringVar(&username, "username", "", "root account username")
	cmd.Flags().StringVar(&email, "email", "", "root account email")
	cmd.Flags().StringVar(&region, "region", "", "company region")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "GHG category codes to seed upload tasks for")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newMintTokenCmd() *cobra.Command {
	var (
		kind       string
		id         string
		actingUser string
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a session token for an existing account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			principalID, err := primitive.ObjectIDFromHex(id)
			if err != nil {
				return fmt.Errorf("invalid --id: %w", err)
			}
			actingID := principalID
			if actingUser != "" {
				if actingID, err = primitive.ObjectIDFromHex(actingUser); err != nil {
					return fmt.Errorf("invalid --acting-user: %w", err)
				}
			}
			var principalKind domain.PrincipalKind
			switch kind {
			case "partner", string(domain.KindPartner):
				principalKind = domain.KindPartner
			case "user", string(domain.KindUser):
				principalKind = domain.KindUser
			default:
				return fmt.Errorf("--kind must be partner or user, got %q", kind)
			}

			mgr, err := session.NewManager([]byte(cfg.JWTSecret),
				session.WithTokenTTL(cfg.TokenTTL),
				session.WithRenewalWindow(cfg.RenewalWindow))
			if err != nil {
				return err
			}
			token, err := mgr.Issue(principalID, principalKind, actingID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "partner", "credential kind: partner or user")
	cmd.Flags().StringVar(&id, "id", "", "principal id (company id for partners)")
	cmd.Flags().StringVar(&actingUser, "acting-user", "", "acting user account id (partners only, defaults to --id)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCheckEmailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-email <partners|users> <email>",
		Short: "Check whether an email address is still available",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var kind domain.PrincipalKind
			switch args[0] {
			case string(domain.KindPartner):
				kind = domain.KindPartner
			case string(domain.KindUser):
				kind = domain.KindUser
			default:
				return fmt.Errorf("kind must be partners or users, got %q", args[0])
			}

			ctx := cmd.Context()
			mongo, disconnect, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer disconnect(context.Background()) //nolint:errcheck

			svc := account.NewService(mongo, discardLogger())
			available, err := svc.EmailAvailable(ctx, kind, args[1])
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]bool{"is_available": available})
		},
	}
	return cmd
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// promptPassword reads a password without echo when stdin is a
// terminal, and falls back to a plain line read when it is piped.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
