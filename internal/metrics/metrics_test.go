package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSamplerStep(t *testing.T) {
	before := testutil.ToFloat64(SamplerStepsTotal.WithLabelValues("test_euler"))
	stepsBefore := TotalSteps()

	RecordSamplerStep("test_euler", 5*time.Millisecond)
	RecordSamplerStep("test_euler", 7*time.Millisecond)

	if got := testutil.ToFloat64(SamplerStepsTotal.WithLabelValues("test_euler")) - before; got != 2 {
		t.Errorf("steps counter delta = %v, want 2", got)
	}
	if got := TotalSteps() - stepsBefore; got != 2 {
		t.Errorf("TotalSteps delta = %d, want 2", got)
	}
}

func TestRecordModelCall(t *testing.T) {
	before := testutil.ToFloat64(ModelCallsTotal.WithLabelValues("combined"))
	RecordModelCall("combined")
	if got := testutil.ToFloat64(ModelCallsTotal.WithLabelValues("combined")) - before; got != 1 {
		t.Errorf("model calls delta = %v, want 1", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	nanBefore := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_latent", "nan"))
	infBefore := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_latent", "inf"))

	RecordNumericalInstability("test_latent", 5, 0)
	RecordNumericalInstability("test_latent", 0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_latent", "nan")) - nanBefore; got != 5 {
		t.Errorf("nan delta = %v, want 5", got)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("test_latent", "inf")) - infBefore; got != 3 {
		t.Errorf("inf delta = %v, want 3", got)
	}
}

func TestRecordSafetyFlaggedIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(SafetyFlaggedTotal)
	RecordSafetyFlagged(0)
	RecordSafetyFlagged(2)
	if got := testutil.ToFloat64(SafetyFlaggedTotal) - before; got != 2 {
		t.Errorf("flagged delta = %v, want 2", got)
	}
}

func TestRecordRemoteCallCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(RemoteCallErrors.WithLabelValues("test_method"))
	RecordRemoteCall("test_method", time.Millisecond, nil)
	RecordRemoteCall("test_method", time.Millisecond, errors.New("boom"))
	if got := testutil.ToFloat64(RemoteCallErrors.WithLabelValues("test_method")) - before; got != 1 {
		t.Errorf("error delta = %v, want 1", got)
	}
}

func TestRecordMiscDoNotPanic(t *testing.T) {
	RecordSamplingRun("euler", 100*time.Millisecond)
	RecordQuantizedSigmas(20)
	RecordScheduleApproximation()
	RecordImagesWritten("sample", 3)
	RecordValidationError("denoise", "shape_mismatch")
}
