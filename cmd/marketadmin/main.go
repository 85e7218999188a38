package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/internal/dbconn"
	"github.com/MarkoPoloResearchLab/marketledger/internal/marketapi"
	"github.com/MarkoPoloResearchLab/marketledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagDatabaseURL    = "database-url"
	defaultDatabaseURL = "sqlite:///tmp/marketledger.db"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "marketadmin: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "marketadmin",
		Short:         "Operator tooling for the lead marketplace ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, "", "database connection string (defaults to DATABASE_URL)")

	cmd.AddCommand(newAddLeadCommand())
	cmd.AddCommand(newGrantCommand())
	cmd.AddCommand(newBalanceCommand())
	cmd.AddCommand(newMintTokenCommand())
	return cmd
}

func resolveDatabaseURL(cmd *cobra.Command) string {
	if flagValue, err := cmd.Flags().GetString(flagDatabaseURL); err == nil && flagValue != "" {
		return flagValue
	}
	viper.AutomaticEnv()
	if envValue := viper.GetString("DATABASE_URL"); envValue != "" {
		return envValue
	}
	return defaultDatabaseURL
}

func withService(cmd *cobra.Command, fn func(ctx context.Context, service *marketledger.Service) error) error {
	ctx := cmd.Context()
	gormDB, cleanup, driver, err := dbconn.Open(ctx, resolveDatabaseURL(cmd))
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if driver == dbconn.DriverSQLite {
		if err := gormstore.Migrate(gormDB); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := marketledger.NewService(store, clock)
	if err != nil {
		return err
	}
	return fn(ctx, service)
}

func newAddLeadCommand() *cobra.Command {
	var priceCents int64
	var metadataRaw string
	cmd := &cobra.Command{
		Use:   "add-lead",
		Short: "List a new lead in the marketplace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *marketledger.Service) error {
				price, err := marketledger.NewPositiveAmountCents(priceCents)
				if err != nil {
					return err
				}
				metadata, err := marketledger.NewMetadataJSON(metadataRaw)
				if err != nil {
					return err
				}
				lead, err := service.AddLead(ctx, price, metadata)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lead %s listed at %d cents\n", lead.LeadID.String(), lead.PriceCents.Int64())
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&priceCents, "price-cents", 0, "lead price in cents")
	cmd.Flags().StringVar(&metadataRaw, "metadata", "{}", "lead metadata as JSON")
	_ = cmd.MarkFlagRequired("price-cents")
	return cmd
}

func newGrantCommand() *cobra.Command {
	var workspaceRaw string
	var amountCents int64
	var idempotencyRaw string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit a workspace balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *marketledger.Service) error {
				workspaceID, err := marketledger.NewWorkspaceID(workspaceRaw)
				if err != nil {
					return err
				}
				amount, err := marketledger.NewPositiveAmountCents(amountCents)
				if err != nil {
					return err
				}
				if idempotencyRaw == "" {
					idempotencyRaw = fmt.Sprintf("grant:%s:%d", workspaceRaw, time.Now().UTC().UnixNano())
				}
				idempotencyKey, err := marketledger.NewIdempotencyKey(idempotencyRaw)
				if err != nil {
					return err
				}
				newBalance, err := service.TopUp(ctx, workspaceID, amount, idempotencyKey)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workspace %s balance is now %d cents\n", workspaceRaw, newBalance.Int64())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceRaw, "workspace", "", "workspace id")
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "grant amount in cents")
	cmd.Flags().StringVar(&idempotencyRaw, "idempotency-key", "", "idempotency key (generated when empty)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("amount-cents")
	return cmd
}

func newBalanceCommand() *cobra.Command {
	var workspaceRaw string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a workspace's credit account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, service *marketledger.Service) error {
				workspaceID, err := marketledger.NewWorkspaceID(workspaceRaw)
				if err != nil {
					return err
				}
				account, err := service.Balance(ctx, workspaceID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workspace %s: balance %d, purchased %d, used %d (cents)\n",
					account.WorkspaceID.String(),
					account.BalanceCents.Int64(),
					account.TotalPurchasedCents.Int64(),
					account.TotalUsedCents.Int64(),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceRaw, "workspace", "", "workspace id")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

func newMintTokenCommand() *cobra.Command {
	var workspaceRaw string
	var signingKey string
	var issuer string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a session token for testing against the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := marketapi.Config{
				SessionSigningKey: signingKey,
				SessionIssuer:     issuer,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			token, err := marketapi.SignSessionToken(cfg, workspaceRaw, roles, time.Now().UTC().Add(ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspaceRaw, "workspace", "", "workspace id claim")
	cmd.Flags().StringVar(&signingKey, "signing-key", "", "JWT signing key")
	cmd.Flags().StringVar(&issuer, "issuer", "", "JWT issuer")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("signing-key")
	return cmd
}
