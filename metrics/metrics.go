// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	dryRuns             = metrics.NewCounter("arb_dry_runs_total")
	dryRunsFailed       = metrics.NewCounter("arb_dry_runs_failed_total")
	dryRunDuration      = metrics.NewSummary("arb_dry_run_duration_milliseconds")
	liquidationsSkipped = metrics.NewCounter("arb_liquidations_skipped_total")
	txSent              = metrics.NewCounter("arb_tx_sent_total")
	gasEstimateFallback = metrics.NewCounter("arb_gas_estimate_fallback_total")
	receiptWait         = metrics.NewSummary("arb_receipt_wait_milliseconds")
	nonceLockWait       = metrics.NewSummary("arb_nonce_lock_wait_milliseconds")
)

func IncDryRun() {
	dryRuns.Inc()
}

func IncDryRunFailed() {
	dryRunsFailed.Inc()
}

func RecordDryRunDuration(ms int64) {
	dryRunDuration.Update(float64(ms))
}

func IncLiquidationSkipped() {
	liquidationsSkipped.Inc()
}

func IncTxSent() {
	txSent.Inc()
}

func IncGasEstimateFallback() {
	gasEstimateFallback.Inc()
}

func RecordReceiptWait(ms int64) {
	receiptWait.Update(float64(ms))
}

func RecordNonceLockWait(ms int64) {
	nonceLockWait.Update(float64(ms))
}

func RecordPhaseDuration(phase string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`arb_phase_duration_milliseconds{phase=%q}`, phase)).Update(float64(ms))
}

func IncAttempt(status string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`arb_attempts_total{status=%q}`, status)).Inc()
}
