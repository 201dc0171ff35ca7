package timeline

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return base.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func device(id, category string, hour, minute int) models.DeviceEvent {
	return models.DeviceEvent{HospitalizationID: id, DeviceCategory: category, RecordedAt: at(hour, minute)}
}

func TestSegmentBuildsContiguousGrid(t *testing.T) {
	devices := []models.DeviceEvent{
		device("h1", "imv", 0, 15),
		device("h1", "nippv", 0, 45),
		device("h1", "nippv", 3, 10),
		device("h1", "IMV", 5, 5),
	}

	tl, err := NewSegmenter(nil).Segment(nil, devices)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if len(tl.Slots) != 6 {
		t.Fatalf("expected 6 contiguous hours, got %d", len(tl.Slots))
	}
	for i, slot := range tl.Slots {
		if !slot.HourStart.Equal(at(i, 0)) {
			t.Fatalf("slot %d starts at %s", i, slot.HourStart)
		}
	}

	wantOn := []bool{true, true, true, false, false, true}
	wantObserved := []bool{true, false, false, true, false, true}
	for i, slot := range tl.Slots {
		if slot.OnVentilation != wantOn[i] {
			t.Fatalf("hour %d: expected on=%v", i, wantOn[i])
		}
		if slot.Observed != wantObserved[i] {
			t.Fatalf("hour %d: expected observed=%v", i, wantObserved[i])
		}
	}
}

func TestSegmentIsIdempotent(t *testing.T) {
	locations := []models.LocationEvent{{HospitalizationID: "h2", LocationCategory: "icu", InTime: at(1, 30), OutTime: at(4, 0)}}
	devices := []models.DeviceEvent{device("h2", "imv", 2, 0), device("h1", "imv", 0, 0), device("h2", "imv", 6, 0), device("h1", "imv", 3, 0)}

	first, err := NewSegmenter(nil).Segment(locations, devices)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	second, err := NewSegmenter(nil).Segment(locations, devices)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if !reflect.DeepEqual(first.Slots, second.Slots) {
		t.Fatal("expected identical timelines on re-segmentation")
	}
	if err := ValidateSlots(first.Slots); err != nil {
		t.Fatalf("expected ordered slots: %v", err)
	}
}

func TestSegmentNumbersStays(t *testing.T) {
	locations := []models.LocationEvent{
		{HospitalizationID: "h1", LocationCategory: "icu", InTime: at(0, 0), OutTime: at(2, 0)},
		{HospitalizationID: "h1", LocationCategory: "ward", InTime: at(2, 0), OutTime: at(4, 0)},
		{HospitalizationID: "h1", LocationCategory: "icu", InTime: at(4, 20)},
	}
	devices := []models.DeviceEvent{
		device("h1", "imv", 0, 0), device("h1", "imv", 6, 0),
		device("h2", "imv", 1, 0), device("h2", "imv", 2, 0),
	}

	tl, err := NewSegmenter(nil).Segment(locations, devices)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}

	wantStay := []int{1, 1, 1, 1, 2, 2, 2, 3, 3}
	wantICU := []bool{true, true, false, false, true, true, true, false, false}
	if len(tl.Slots) != len(wantStay) {
		t.Fatalf("expected %d slots, got %d", len(wantStay), len(tl.Slots))
	}
	for i, slot := range tl.Slots {
		if slot.StayID != wantStay[i] {
			t.Fatalf("slot %d (%s): expected stay %d, got %d", i, slot.HospitalizationID, wantStay[i], slot.StayID)
		}
		if slot.InICU != wantICU[i] {
			t.Fatalf("slot %d (%s): expected in_icu=%v", i, slot.HospitalizationID, wantICU[i])
		}
	}
}

func TestSegmentExcludesIneligibleHospitalizations(t *testing.T) {
	trach := device("h2", "imv", 0, 0)
	trach.Tracheostomy = true
	devices := []models.DeviceEvent{
		device("h1", "nippv", 0, 0),
		trach,
		device("h3", "imv", 0, 0),
		{HospitalizationID: "h3", DeviceCategory: "imv"},
	}

	tl, err := NewSegmenter(nil).Segment(nil, devices)
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if len(tl.Slots) != 1 || tl.Slots[0].HospitalizationID != "h3" {
		t.Fatalf("expected only h3 to survive, got %+v", tl.Slots)
	}
	if tl.Slots[0].StayID != 1 {
		t.Fatalf("excluded hospitalizations must not consume stay ids, got %d", tl.Slots[0].StayID)
	}
	d := tl.Diagnostics
	if d.HospitalizationsWithoutVentilation != 1 || d.HospitalizationsWithTracheostomy != 1 || d.DeviceEventsWithoutTime != 1 {
		t.Fatalf("unexpected diagnostics %+v", d)
	}
	if d.Hospitalizations != 3 {
		t.Fatalf("expected 3 hospitalizations counted, got %d", d.Hospitalizations)
	}
}

func TestSegmentFilteredHospitalizationWithoutTimestamps(t *testing.T) {
	devices := []models.DeviceEvent{
		{HospitalizationID: "h1", DeviceCategory: "imv"},
		device("h2", "imv", 0, 0),
	}

	tl, err := NewSegmenter([]string{"h1", "h9"}).Segment(nil, devices)
	if err != nil {
		t.Fatalf("missing timestamps must not fail the run: %v", err)
	}
	if len(tl.Slots) != 0 {
		t.Fatalf("expected empty timeline, got %d slots", len(tl.Slots))
	}
	if !reflect.DeepEqual(tl.Empty, []string{"h1", "h9"}) {
		t.Fatalf("unexpected empty hospitalizations %v", tl.Empty)
	}
}

func TestValidateSlotsRejectsDuplicates(t *testing.T) {
	slots := []models.HourSlot{
		{HospitalizationID: "h1", HourStart: at(0, 0)},
		{HospitalizationID: "h1", HourStart: at(0, 0)},
	}
	err := ValidateSlots(slots)
	if !ingestion.IsShapeError(err) || !errors.Is(err, ingestion.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key shape error, got %v", err)
	}

	slots[1].HourStart = at(-1, 0)
	if err := ValidateSlots(slots); !errors.Is(err, ingestion.ErrUnordered) {
		t.Fatalf("expected unordered error, got %v", err)
	}
}
