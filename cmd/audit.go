package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const pollInterval = 250 * time.Millisecond

type auditFlags struct {
	maxPages    int
	concurrency int
	mobile      bool
	noImages    bool
	timeout     time.Duration
}

func newAuditCmd() *cobra.Command {
	var flags auditFlags
	cmd := &cobra.Command{
		Use:   "audit <url>",
		Short: "Audits one site and prints the report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, args[0], flags)
		},
	}
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "maximum pages to crawl (0 uses audit.max_pages_default)")
	cmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "parallel page fetches (0 uses audit.concurrency_default)")
	cmd.Flags().BoolVar(&flags.mobile, "mobile", false, "measure performance with mobile emulation")
	cmd.Flags().BoolVar(&flags.noImages, "no-images", false, "skip image extraction")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 10*time.Minute, "give up waiting after this long")
	return cmd
}

func runAudit(cmd *cobra.Command, url string, flags auditFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	mgr := appInstance.Manager()
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	opts := mgr.Config().DefaultOptions()
	opts.MaxPages = flags.maxPages
	opts.Concurrency = flags.concurrency
	if cmd.Flags().Changed("mobile") {
		opts.CheckMobile = flags.mobile
	}
	if flags.noImages {
		opts.IncludeImages = false
	}

	jobID, err := mgr.SubmitAudit(ctx, url, opts)
	if err != nil {
		return fmt.Errorf("submit audit: %w", err)
	}
	logger := appInstance.Logger().With(zap.String("job_id", jobID))
	logger.Info("audit submitted", zap.String("url", url))

	status, err := waitForTerminal(ctx, func(ctx context.Context) (audit.JobStatus, error) {
		return mgr.GetJobStatus(ctx, jobID)
	})
	if err != nil {
		shutdownErr := mgr.Shutdown(context.WithoutCancel(ctx))
		return errors.Join(fmt.Errorf("wait for audit %s: %w", jobID, err), shutdownErr)
	}
	logger.Info("audit finished", zap.String("state", string(status.State)))

	report, err := mgr.GetJobResults(ctx, jobID)
	if err != nil {
		if crawl, ok := status.Stages[audit.StageCrawl]; ok && crawl.Error != "" {
			return fmt.Errorf("audit %s failed: %s", jobID, crawl.Error)
		}
		return fmt.Errorf("audit %s: %w", jobID, err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	// Drains the archive and publish fanout before the app closes its clients.
	return mgr.Shutdown(context.WithoutCancel(ctx))
}

func waitForTerminal(
	ctx context.Context,
	poll func(context.Context) (audit.JobStatus, error),
) (audit.JobStatus, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := poll(ctx)
		if err != nil {
			return audit.JobStatus{}, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
