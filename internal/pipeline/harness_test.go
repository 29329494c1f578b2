package pipeline

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/provisioner/internal/idmap"
	"github.com/agentworkforce/provisioner/internal/metadata"
	"github.com/agentworkforce/provisioner/internal/resolve"
	"github.com/agentworkforce/provisioner/internal/retry"
	"github.com/agentworkforce/provisioner/internal/simulator"
	"github.com/agentworkforce/provisioner/internal/templates"
)

const testOrgUnit = "ImspTQPwCqd"

type harness struct {
	store  *simulator.Store
	server *simulator.Server
	client *metadata.HTTPClient
	cache  *idmap.Cache
}

func newHarness(t *testing.T, storeOpts simulator.StoreOptions, cfg simulator.ServerConfig) *harness {
	t.Helper()
	store := simulator.NewStore(storeOpts)
	store.AddOrganisationUnit(testOrgUnit, "Sierra Leone")
	server := simulator.NewServerWithConfig(store, cfg)
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)
	return &harness{
		store:  store,
		server: server,
		client: metadata.NewHTTPClient(httpServer.URL, cfg.Token, httpServer.Client()),
		cache:  idmap.New(idmap.Options{}),
	}
}

func noWait(context.Context, time.Duration) error { return nil }

func (h *harness) orchestrator(sink Sink) *Orchestrator {
	controller := retry.New(retry.Options{MaxAttempts: 4, Wait: noWait})
	resolver := resolve.New(resolve.Options{
		APIs:      resolve.APIsFor(h.client),
		Cache:     h.cache,
		Retry:     controller,
		Fallbacks: resolve.DefaultFallbacks(),
	})
	return New(Options{
		Resolver:      resolver,
		Sink:          sink,
		ScopeVerifier: h.client,
		Retry:         controller,
	})
}

func (h *harness) creates() int {
	total := 0
	for _, rt := range metadata.Hierarchy {
		total += h.server.Requests("POST " + rt.Endpoint())
	}
	return total
}

// fourVariantDoc has four variants of two items each. The first item of
// every variant uses a shared sex disaggregation; the second uses the
// default combination.
func fourVariantDoc() *templates.Document {
	doc := &templates.Document{
		OrganisationUnits: []string{testOrgUnit},
		Combinations: []templates.CombinationTemplate{{
			Name: "Sex",
			Code: "CC_SEX",
			Groupings: []templates.GroupingTemplate{{
				Name: "Sex",
				Code: "CAT_SEX",
				Options: []templates.OptionTemplate{
					{Name: "Female", Code: "OPT_F"},
					{Name: "Male", Code: "OPT_M"},
				},
			}},
		}},
	}
	for i, key := range []string{"a", "b", "c", "d"} {
		upper := string(rune('A' + i))
		doc.Variants = append(doc.Variants, templates.Variant{
			Key:        key,
			Name:       "Collection " + upper,
			Code:       "DS_" + upper,
			PeriodType: "Monthly",
			Items: []templates.ItemTemplate{
				{
					Name: fmt.Sprintf("Item %s1", upper), Code: fmt.Sprintf("DE_%s_1", upper), ShortName: fmt.Sprintf("Item %s1", upper),
					ValueType: "NUMBER", AggregationType: "SUM", Combination: "CC_SEX",
				},
				{
					Name: fmt.Sprintf("Item %s2", upper), Code: fmt.Sprintf("DE_%s_2", upper), ShortName: fmt.Sprintf("Item %s2", upper),
					ValueType: "NUMBER", AggregationType: "SUM",
				},
			},
		})
	}
	return doc
}

type recordingSink struct {
	mu      sync.Mutex
	events  []Event
	logs    []LogEntry
	onEvent func(Event)
}

func (s *recordingSink) Event(e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (s *recordingSink) Log(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
}
