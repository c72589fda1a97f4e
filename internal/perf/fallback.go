package perf

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// Fallback tries Primary and, when it fails for a reason other than the
// caller's context ending, measures again with Secondary.
type Fallback struct {
	Primary   audit.PerformanceMeasurer
	Secondary audit.PerformanceMeasurer
	Logger    *zap.Logger
}

// MeasurePerformance implements audit.PerformanceMeasurer.
func (f Fallback) MeasurePerformance(
	ctx context.Context,
	url string,
	opts audit.Options,
) (audit.PerformanceReport, error) {
	report, err := f.Primary.MeasurePerformance(ctx, url, opts)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return report, err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary performance measurer failed, falling back",
			zap.String("url", url),
			zap.Error(err),
		)
	}
	report, fallbackErr := f.Secondary.MeasurePerformance(ctx, url, opts)
	if fallbackErr != nil {
		return audit.PerformanceReport{}, fmt.Errorf("fallback measurement: %w", errors.Join(err, fallbackErr))
	}
	return report, nil
}
