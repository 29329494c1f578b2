package main

import (
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/provisioner/internal/simulator"
)

func main() {
	addr := os.Getenv("METADATA_SIM_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	store := simulator.NewStore(simulator.StoreOptions{
		SearchLag:    intEnv("METADATA_SIM_SEARCH_LAG", 0),
		SkipDefaults: boolEnv("METADATA_SIM_SKIP_DEFAULTS", false),
	})
	units := organisationUnitsFromEnv("METADATA_SIM_ORG_UNITS")
	for id, name := range units {
		store.AddOrganisationUnit(id, name)
	}
	server := simulator.NewServerWithConfig(store, simulator.ServerConfig{
		Token:           os.Getenv("METADATA_SIM_TOKEN"),
		Username:        os.Getenv("METADATA_SIM_USERNAME"),
		Password:        os.Getenv("METADATA_SIM_PASSWORD"),
		RateLimitMax:    intEnv("METADATA_SIM_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("METADATA_SIM_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("METADATA_SIM_MAX_BODY_BYTES", 0),
		Interceptor:     faultInjector(floatEnv("METADATA_SIM_FAULT_RATE", 0)),
	})

	log.Printf("metadata simulator listening on %s with %d organisation unit(s)", addr, len(units))
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

// faultInjector fails the given fraction of requests with 503.
func faultInjector(rate float64) func(*http.Request) *simulator.Fault {
	if rate <= 0 {
		return nil
	}
	return func(*http.Request) *simulator.Fault {
		if rand.Float64() < rate {
			return &simulator.Fault{Status: http.StatusServiceUnavailable, RetryAfter: time.Second, Message: "injected fault"}
		}
		return nil
	}
}

// organisationUnitsFromEnv reads "id=name,id=name". A bare id gets itself
// as its name. Unset defaults to the Sierra Leone root used in the
// sample templates.
func organisationUnitsFromEnv(name string) map[string]string {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return map[string]string{"ImspTQPwCqd": "Sierra Leone"}
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, label, found := strings.Cut(part, "=")
		id = strings.TrimSpace(id)
		if !found || strings.TrimSpace(label) == "" {
			label = id
		}
		out[id] = strings.TrimSpace(label)
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 || value > 1 {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
