package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordTurn("week_highlight", 120*time.Millisecond)
	RecordAckSilenced()
	RecordProviderFailure("generate_plan")
	RecordSendFailure()
	RecordPersistFailure()
	RecordPlanGenerated()
	RecordCheckIn("morning")

	body := scrape(t)
	for _, want := range []string{
		`coachpipe_turns_total{step="week_highlight"}`,
		`coachpipe_provider_failures_total{operation="generate_plan"}`,
		`coachpipe_check_ins_sent_total{kind="morning"}`,
		"coachpipe_acknowledgements_silenced_total",
		"coachpipe_send_failures_total",
		"coachpipe_persist_failures_total",
		"coachpipe_plans_generated_total",
		"coachpipe_turn_duration_seconds_bucket",
		`coachpipe_turns_total{step="personality_deep_dive"}`,
		`coachpipe_turns_total{step="complete"}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
