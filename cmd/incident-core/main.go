// Command incident-core wires the incident processing and
// event-distribution core together and runs its cooperative background
// tasks until signaled to stop, following cmd/tarsy/main.go's
// getEnv-plus-godotenv startup idiom and WorkerPool.Stop()'s
// finish-then-signal-then-wait shutdown shape.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/agents"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/breaker"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/classifier"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/config"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/contract"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/decisionstore"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/dedup"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/dispatcher"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/eventbus"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/guard"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/lifecycle"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/metrics"
	"github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/models"
	sessionregistry "github.com/LLM-Dev-Ops/incident-manager-sub005/pkg/registry"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envPath := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to a .env file")
	flag.Parse()

	log.Println("starting incident-core")

	// 1. Configuration.
	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(promRegistry)

	// 2. Decision store client, behind its own circuit breaker.
	storeBreaker := breaker.New(breaker.Settings{
		Name:             "decision-store",
		FailureThreshold: uint32(cfg.FailureThreshold),
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenMaxCalls: uint32(cfg.HalfOpenMaxCalls),
	})
	store := decisionstore.New(decisionstore.Config{
		BaseURL: cfg.DecisionStoreBaseURL,
		Token:   cfg.DecisionStoreToken,
		Timeout: cfg.DecisionStoreTimeout,
	}, storeBreaker)

	// 3. Circuit breaker for the classifier, wrapping whichever transport is
	// configured.
	classifierBreaker := breaker.New(breaker.Settings{
		Name:             "classifier",
		FailureThreshold: uint32(cfg.FailureThreshold),
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenMaxCalls: uint32(cfg.HalfOpenMaxCalls),
	})

	var classify classifier.Classifier
	if cfg.ClassifierAddr != "" {
		grpcClassifier, err := classifier.Dial(cfg.ClassifierAddr)
		if err != nil {
			log.Fatalf("failed to dial classifier at %s: %v", cfg.ClassifierAddr, err)
		}
		defer grpcClassifier.Close()
		classify = classifier.NewBreakerGuarded(grpcClassifier, classifierBreaker)
	}

	// 4. Event bus.
	bus := eventbus.New(cfg.MaxPendingMessages, recorder)

	// 5. Session registry, bound to the bus.
	sessions := sessionregistry.New(sessionregistry.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		CleanupInterval:   cfg.CleanupInterval,
		SessionTimeout:    cfg.SessionTimeout,
		SlowConsumerLimit: cfg.SlowConsumerDropThreshold,
	}, bus, recorder)

	// 6. Lifecycle state machine.
	machine := lifecycle.New(cfg.MaxRemediationAttempts)

	// 7. Dispatcher, wiring contract validation, guard budgets, the
	// classifier, the decision store and the bus together.
	disp := &dispatcher.Dispatcher{
		Machine:   machine,
		Store:     store,
		Bus:       bus,
		Validator: contract.New(),
		Schemas:   buildSchemas(),
		Budgets: guard.Budgets{
			MaxTokens:        cfg.MaxTokensPerInvocation,
			MaxLatencyMS:     cfg.MaxLatencyMS,
			MaxExternalCalls: cfg.MaxExternalCalls,
		},
		Deps: agents.Deps{Classifier: classify},
		Env:  cfg.Environment,
	}

	// 8. Dedup/correlation engine and the alert ingestion pipeline sitting
	// in front of the dispatcher. The cross-service dependency graph is an
	// external configuration concern (§4.4); an empty graph is the
	// documented degrade-to-no-correlation behavior until one is supplied.
	dedupEngine := dedup.NewEngine(dedup.NewGraph(nil), cfg.DedupWindow, cfg.CorrelationWindow)
	ingestor := dispatcher.NewIngestor(machine, dedupEngine, bus, recorder, disp.Validator)

	// 9. Escalation timer scheduler, one re-armable timer per incident.
	scheduler := dispatcher.NewEscalationScheduler(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions.Run(ctx)

	alertIntake := make(chan *models.Alert, 256)
	go runAlertIntake(ctx, alertIntake, ingestor, disp, classify != nil)

	log.Println("incident-core running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down incident-core")

	// Teardown reverses startup order: stop accepting new cooperative work
	// first, then drain the bus with a bounded deadline, then tear down the
	// registry and let the store client's in-flight calls finish.
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	drainBus(drainCtx, bus, sessions)

	sessions.Shutdown()
	_ = scheduler.ActiveCount() // nothing in this process calls scheduler.Schedule, so no timers are armed at shutdown

	log.Println("incident-core stopped")
}

// runAlertIntake is the cooperative task that drains alertIntake (fed by
// whatever transport layer is wired in front of this process — out of this
// core's scope per §1) through the dedup/correlation Ingestor and, for a
// brand-new incident, on into the escalation agent via the Dispatcher.
// haveClassifier guards that last step: without a configured classifier
// address, alerts still ingest into incidents, they just stay in Detected
// until a classifier is available.
func runAlertIntake(ctx context.Context, alertIntake <-chan *models.Alert, ingestor *dispatcher.Ingestor, disp *dispatcher.Dispatcher, haveClassifier bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alertIntake:
			if !ok {
				return
			}
			now := time.Now()
			result, err := ingestor.Ingest(alert, now)
			if err != nil {
				log.Printf("alert %s rejected: %v", alert.AlertID, err)
				continue
			}
			if result.Created && haveClassifier {
				if _, err := disp.HandleNewIncident(ctx, result.Incident.IncidentID, alert, now); err != nil {
					log.Printf("escalation classification failed for incident %s: %v", result.Incident.IncidentID, err)
				}
			}
		}
	}
}

// drainBus pushes any remaining queued envelopes out to live sessions
// before the registry is torn down, bounded by ctx's deadline.
func drainBus(ctx context.Context, bus *eventbus.Bus, sessions *sessionregistry.Registry) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now()
	}
	for time.Now().Before(deadline) {
		if bus.SubscriberCount() == 0 {
			return
		}
		stats := sessions.Stats()
		pending := 0
		for _, n := range stats.PerSessionPending {
			pending += n
		}
		if pending == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// buildSchemas declares the input/output contract schemas for every agent
// the dispatcher can invoke.
func buildSchemas() map[models.DecisionType]dispatcher.AgentSchemas {
	return map[models.DecisionType]dispatcher.AgentSchemas{
		models.DecisionTypeEscalation: {
			Input: contract.Schema{
				Name:           "escalation.input",
				RequiredFields: []string{"incident_id"},
			},
			Output: contract.Schema{
				Name:           "escalation.output",
				RequiredFields: []string{"recommended_severity", "confidence"},
			},
		},
		models.DecisionTypeApproval: {
			Input: contract.Schema{
				Name:           "approval.input",
				RequiredFields: []string{"incident_id"},
			},
			Output: contract.Schema{
				Name:           "approval.output",
				RequiredFields: []string{"decision", "action_authorized"},
				CrossFieldRules: []contract.CrossFieldRule{
					contract.RequireApprovedImpliesAuthorized,
				},
			},
		},
		models.DecisionTypePostmortem: {
			Input: contract.Schema{
				Name:           "postmortem.input",
				RequiredFields: []string{"incident_id"},
			},
			Output: contract.Schema{
				Name:           "postmortem.output",
				RequiredFields: []string{"summary"},
			},
		},
	}
}
