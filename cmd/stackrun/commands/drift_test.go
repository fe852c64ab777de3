package commands

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/statebackend"
	"github.com/stackrun/stackrun/pkg/telemetry"
)

type allowGate struct{}

func (allowGate) EvaluatePlan(context.Context, *engine.Unit, *engine.Plan) (*engine.PolicyDecision, error) {
	return &engine.PolicyDecision{Allowed: true, EvaluatedAt: time.Now().UTC()}, nil
}

func (allowGate) EvaluateDrift(context.Context, *engine.Unit, *engine.DriftReport) (*engine.PolicyDecision, error) {
	return &engine.PolicyDecision{Allowed: true, EvaluatedAt: time.Now().UTC()}, nil
}

func TestDetectAllRecordsDriftMetrics(t *testing.T) {
	dir := t.TempDir()
	decl := `
units: {
	app: {
		environment: "staging"
		backend: {kind: "memory"}
		resources: {
			web: {type: "aws.vpc", config: {cidr: "10.0.0.0/16"}}
		}
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "units.cue"), []byte(decl), 0o644); err != nil {
		t.Fatalf("failed to write declarations: %v", err)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Path:          "/metrics",
		Namespace:     "stackrun",
	})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	backends := statebackend.NewFactory()
	defer backends.Close()

	// Nothing was ever applied, so the declared resource counts as drift.
	denied, err := detectAll(context.Background(), []string{dir}, allowGate{}, engine.NopAuditSink{}, backends, metrics)
	if err != nil {
		t.Fatalf("detectAll failed: %v", err)
	}
	if denied {
		t.Fatal("allow-everything gate must not deny")
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `stackrun_drift_detections_total{result="drifted"} 1`) {
		t.Error("drift detection was not recorded")
	}
}
