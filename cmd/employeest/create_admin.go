package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Employeest/employeest-be/internal/provision"
)

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create the admin account from DJANGO_SUPERUSER_* if it does not exist",
	Long: `Create-admin runs the account provisioning step of the entrypoint on
its own. It exits non-zero only when the account store could not be reached
or the insert failed; incomplete credentials, an existing account and an
ambiguous username are reported and exit 0.`,
	RunE: runCreateAdmin,
}

func runCreateAdmin(cmd *cobra.Command, args []string) error {
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := cfg.Bootstrap.ProvisionTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	res := app.provisioner().Provision(ctx, cfg.Admin)
	attrs := []any{"outcome", res.Outcome, "username", res.Username}

	switch res.Outcome {
	case provision.OutcomeFailed:
		logger.Error(res.Message(), append(attrs, "error", res.Err)...)
		return fmt.Errorf("%s: %w", res.Message(), res.Err)
	case provision.OutcomeAmbiguous:
		logger.Warn(res.Message(), append(attrs, "matches", res.Matches)...)
	default:
		logger.Info(res.Message(), attrs...)
	}
	return nil
}
