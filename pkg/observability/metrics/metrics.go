package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

type counter struct {
	name string
	help string
	pick func(models.RunDiagnostics) int
}

var counters = []counter{
	{"hospitalizations", "Hospitalizations segmented.", func(d models.RunDiagnostics) int { return d.Hospitalizations }},
	{"device_events_without_time", "Device observations dropped for a missing timestamp.", func(d models.RunDiagnostics) int { return d.DeviceEventsWithoutTime }},
	{"hospitalizations_without_hours", "Hospitalizations with no timed device observation.", func(d models.RunDiagnostics) int { return d.HospitalizationsWithoutHours }},
	{"hospitalizations_without_ventilation", "Hospitalizations excluded for never being on invasive ventilation.", func(d models.RunDiagnostics) int { return d.HospitalizationsWithoutVentilation }},
	{"hospitalizations_with_tracheostomy", "Hospitalizations excluded for a tracheostomy.", func(d models.RunDiagnostics) int { return d.HospitalizationsWithTracheostomy }},
	{"stays_without_ventilation", "ICU stays dropped for having no ventilated hour.", func(d models.RunDiagnostics) int { return d.StaysWithoutVentilation }},
	{"timeline_hours", "Hour slots produced by segmentation.", func(d models.RunDiagnostics) int { return d.TimelineHours }},
	{"dose_events", "Continuous medication records read.", func(d models.RunDiagnostics) int { return d.DoseEvents }},
	{"dose_events_without_time", "Medication records dropped for a missing timestamp.", func(d models.RunDiagnostics) int { return d.DoseEventsWithoutTime }},
	{"bolus_dropped", "Bolus records dropped before normalization.", func(d models.RunDiagnostics) int { return d.BolusDropped }},
	{"malformed_unit", "Dose events with an unparseable unit.", func(d models.RunDiagnostics) int { return d.MalformedUnit }},
	{"missing_dose", "Dose events without a dose value.", func(d models.RunDiagnostics) int { return d.MissingDose }},
	{"missing_weight", "Dose events that needed a weight that was unavailable.", func(d models.RunDiagnostics) int { return d.MissingWeight }},
	{"missing_catalog_entry", "Dose events for drugs absent from the catalog.", func(d models.RunDiagnostics) int { return d.MissingCatalogEntry }},
	{"unit_mismatch", "Dose events whose converted unit differs from the canonical unit.", func(d models.RunDiagnostics) int { return d.UnitMismatch }},
	{"outliers", "Dose events above the ceiling or negative.", func(d models.RunDiagnostics) int { return d.Outliers }},
	{"duplicates_resolved", "Duplicate dose events removed.", func(d models.RunDiagnostics) int { return d.DuplicatesResolved }},
	{"cohort_hours_24", "Hours flagged hr_24.", func(d models.RunDiagnostics) int { return d.CohortHours24 }},
	{"cohort_hours_72", "Hours flagged hr_72.", func(d models.RunDiagnostics) int { return d.CohortHours72 }},
	{"hourly_dose_rows", "Hourly dose rows produced.", func(d models.RunDiagnostics) int { return d.HourlyDoseRows }},
}

var (
	mu            sync.Mutex
	totals        models.RunDiagnostics
	last          models.RunDiagnostics
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
)

// ObserveRun folds the diagnostics of a completed run into the totals.
func ObserveRun(d models.RunDiagnostics) {
	mu.Lock()
	totals.Merge(d)
	last = d
	mu.Unlock()
	runsCompleted.Add(1)
}

func ObserveFailure() {
	runsFailed.Add(1)
}

// Reset clears every counter.
func Reset() {
	mu.Lock()
	totals = models.RunDiagnostics{}
	last = models.RunDiagnostics{}
	mu.Unlock()
	runsCompleted.Store(0)
	runsFailed.Store(0)
}

func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WritePrometheus(w)
	})
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	Write(w)
}

// Write renders the counters in Prometheus text exposition format.
func Write(w io.Writer) {
	mu.Lock()
	t, l := totals, last
	mu.Unlock()

	fmt.Fprintf(w, "# HELP sedation_cohort_runs_completed_total Cohort runs completed.\n")
	fmt.Fprintf(w, "# TYPE sedation_cohort_runs_completed_total counter\n")
	fmt.Fprintf(w, "sedation_cohort_runs_completed_total %d\n", runsCompleted.Load())

	fmt.Fprintf(w, "# HELP sedation_cohort_runs_failed_total Cohort runs failed.\n")
	fmt.Fprintf(w, "# TYPE sedation_cohort_runs_failed_total counter\n")
	fmt.Fprintf(w, "sedation_cohort_runs_failed_total %d\n", runsFailed.Load())

	for _, c := range counters {
		fmt.Fprintf(w, "# HELP sedation_cohort_%s_total %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE sedation_cohort_%s_total counter\n", c.name)
		fmt.Fprintf(w, "sedation_cohort_%s_total %d\n", c.name, c.pick(t))
	}
	for _, c := range counters {
		fmt.Fprintf(w, "# HELP sedation_cohort_last_run_%s %s Latest run only.\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE sedation_cohort_last_run_%s gauge\n", c.name)
		fmt.Fprintf(w, "sedation_cohort_last_run_%s %d\n", c.name, c.pick(l))
	}
}
