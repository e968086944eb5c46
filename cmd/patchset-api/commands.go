package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/approvals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// newCopyApprovalsCommand recomputes sticky votes after label copy conditions changed.
func newCopyApprovalsCommand() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "copy-approvals",
		Short: "Recompute copied approvals of existing changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := buildApplication(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			var result approvals.BatchResult
			if project = strings.TrimSpace(project); project == "" {
				result, err = app.recursiveCopier.PersistStandalone(cmd.Context())
			} else {
				result, err = app.recursiveCopier.Persist(cmd.Context(), project, nil)
			}
			logger.Info("approval copy finished",
				zap.String("project", project),
				zap.Int("processed", result.Processed),
				zap.Int("updated", result.Updated),
				zap.Int64s("failed", result.Failed))
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d changes, updated %d\n", result.Processed, result.Updated)
			if errors.Is(err, approvals.ErrPartialFailure) {
				return fmt.Errorf("%w: %v", err, result.Failed)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Only reprocess changes of this project")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Issue an API bearer token for a registered account",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := buildApplication(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			profile, err := app.accounts.Get(cmd.Context(), account)
			if err != nil {
				return err
			}
			token, expiresIn, err := app.tokens.IssueToken(cmd.Context(), profile.ID)
			if err != nil {
				return err
			}
			logger.Info("token issued", zap.String("account", profile.ID), zap.Int64("expires_in", expiresIn))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account id the token is issued for")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newRegisterAccountCommand() *cobra.Command {
	var (
		id       string
		fullName string
		emails   []string
	)
	cmd := &cobra.Command{
		Use:   "register-account",
		Short: "Create or update an account and its email addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(emails) == 0 {
				return errors.New("at least one --email is required")
			}
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := buildApplication(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			profile, err := app.accounts.Upsert(cmd.Context(), accounts.Account{
				ID:             id,
				FullName:       fullName,
				PreferredEmail: emails[0],
			}, emails[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", profile.DisplayName(), profile.PreferredEmail)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Account id")
	cmd.Flags().StringVar(&fullName, "name", "", "Full name")
	cmd.Flags().StringSliceVar(&emails, "email", nil, "Email address; the first one is preferred")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
