package main

import (
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("METADATA_SIM_TEST_INT", "42")
	if got := intEnv("METADATA_SIM_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("METADATA_SIM_TEST_INT_BAD", "not-a-number")
	if got := intEnv("METADATA_SIM_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("METADATA_SIM_TEST_DURATION", "150ms")
	if got := durationEnv("METADATA_SIM_TEST_DURATION", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestFloatEnvRejectsOutOfRange(t *testing.T) {
	t.Setenv("METADATA_SIM_TEST_RATE", "1.5")
	if got := floatEnv("METADATA_SIM_TEST_RATE", 0.1); got != 0.1 {
		t.Fatalf("expected fallback 0.1, got %g", got)
	}
	t.Setenv("METADATA_SIM_TEST_RATE", "0.25")
	if got := floatEnv("METADATA_SIM_TEST_RATE", 0); got != 0.25 {
		t.Fatalf("expected 0.25, got %g", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("METADATA_SIM_TEST_INT_UNSET")
	_ = os.Unsetenv("METADATA_SIM_TEST_BOOL_UNSET")
	if got := intEnv("METADATA_SIM_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := boolEnv("METADATA_SIM_TEST_BOOL_UNSET", true); !got {
		t.Fatal("expected fallback true")
	}
}

func TestOrganisationUnitsFromEnv(t *testing.T) {
	t.Setenv("METADATA_SIM_TEST_UNITS", "ImspTQPwCqd=Sierra Leone, O6uvpzGd5pu , ,fdc6uOvgoji=Bombali")
	units := organisationUnitsFromEnv("METADATA_SIM_TEST_UNITS")
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %v", units)
	}
	if units["ImspTQPwCqd"] != "Sierra Leone" || units["O6uvpzGd5pu"] != "O6uvpzGd5pu" || units["fdc6uOvgoji"] != "Bombali" {
		t.Fatalf("unexpected units %v", units)
	}

	_ = os.Unsetenv("METADATA_SIM_TEST_UNITS_UNSET")
	defaults := organisationUnitsFromEnv("METADATA_SIM_TEST_UNITS_UNSET")
	if defaults["ImspTQPwCqd"] != "Sierra Leone" {
		t.Fatalf("expected default root unit, got %v", defaults)
	}
}

func TestFaultInjector(t *testing.T) {
	if faultInjector(0) != nil {
		t.Fatal("expected no interceptor for a zero rate")
	}
	always := faultInjector(1)
	fault := always(httptest.NewRequest("GET", "/api/dataSets", nil))
	if fault == nil || fault.Status != 503 {
		t.Fatalf("expected injected 503, got %+v", fault)
	}
}
