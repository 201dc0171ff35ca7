package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
	"github.com/synaptica-ai/sedation-cohort/pkg/ingestion"
)

// Exclusion explains why a hospitalization contributes no hours.
type Exclusion string

const (
	Included          Exclusion = ""
	ExcludedNoHours   Exclusion = "no_hours"
	ExcludedNoVent    Exclusion = "no_ventilation"
	ExcludedTracheost Exclusion = "tracheostomy"
)

// Partition is the segmented timeline of one hospitalization before stay numbering.
type Partition struct {
	HospitalizationID string
	Slots             []models.HourSlot
	Excluded          Exclusion
	Diagnostics       models.RunDiagnostics
}

type Timeline struct {
	Slots       []models.HourSlot
	Empty       []string
	Diagnostics models.RunDiagnostics
}

type Segmenter struct {
	filter map[string]struct{}
}

// NewSegmenter limits segmentation to the given hospitalizations. With no ids
// every hospitalization seen in the device events is segmented.
func NewSegmenter(hospitalizationIDs []string) *Segmenter {
	s := &Segmenter{}
	if len(hospitalizationIDs) > 0 {
		s.filter = make(map[string]struct{}, len(hospitalizationIDs))
		for _, id := range hospitalizationIDs {
			s.filter[id] = struct{}{}
		}
	}
	return s
}

// Group splits location and device events by hospitalization. The returned ids are sorted.
func (s *Segmenter) Group(locations []models.LocationEvent, devices []models.DeviceEvent) ([]string, map[string][]models.LocationEvent, map[string][]models.DeviceEvent) {
	locs := make(map[string][]models.LocationEvent)
	devs := make(map[string][]models.DeviceEvent)
	seen := make(map[string]struct{})

	for _, loc := range locations {
		if !s.accepts(loc.HospitalizationID) {
			continue
		}
		locs[loc.HospitalizationID] = append(locs[loc.HospitalizationID], loc)
	}
	for _, dev := range devices {
		if !s.accepts(dev.HospitalizationID) {
			continue
		}
		devs[dev.HospitalizationID] = append(devs[dev.HospitalizationID], dev)
		seen[dev.HospitalizationID] = struct{}{}
	}
	for id := range s.filter {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, locs, devs
}

func (s *Segmenter) accepts(id string) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[id]
	return ok
}

// Segment builds the timeline for every hospitalization sequentially.
func (s *Segmenter) Segment(locations []models.LocationEvent, devices []models.DeviceEvent) (*Timeline, error) {
	ids, locs, devs := s.Group(locations, devices)
	parts := make([]Partition, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, SegmentHospitalization(id, locs[id], devs[id]))
	}
	return Assemble(parts)
}

// SegmentHospitalization lays out the contiguous hourly grid of one
// hospitalization from its first to its last timed device observation.
func SegmentHospitalization(id string, locations []models.LocationEvent, devices []models.DeviceEvent) Partition {
	part := Partition{HospitalizationID: id}
	part.Diagnostics.Hospitalizations = 1

	onByHour := make(map[int64]bool)
	var first, last time.Time
	tracheostomy := false

	for _, dev := range devices {
		if dev.Tracheostomy {
			tracheostomy = true
		}
		if dev.RecordedAt.IsZero() {
			part.Diagnostics.DeviceEventsWithoutTime++
			continue
		}
		hour := models.FloorHour(dev.RecordedAt)
		key := hour.Unix()
		onByHour[key] = onByHour[key] || strings.EqualFold(strings.TrimSpace(dev.DeviceCategory), models.DeviceIMV)
		if first.IsZero() || hour.Before(first) {
			first = hour
		}
		if last.IsZero() || hour.After(last) {
			last = hour
		}
	}

	if len(onByHour) == 0 {
		part.Excluded = ExcludedNoHours
		part.Diagnostics.HospitalizationsWithoutHours = 1
		return part
	}

	anyVent := false
	for _, on := range onByHour {
		if on {
			anyVent = true
			break
		}
	}
	if !anyVent {
		part.Excluded = ExcludedNoVent
		part.Diagnostics.HospitalizationsWithoutVentilation = 1
		return part
	}
	if tracheostomy {
		part.Excluded = ExcludedTracheost
		part.Diagnostics.HospitalizationsWithTracheostomy = 1
		return part
	}

	icu := icuIntervals(locations)
	admissions := make(map[int64]struct{}, len(icu))
	for _, iv := range icu {
		admissions[models.FloorHour(iv.in).Unix()] = struct{}{}
	}

	on := false
	for hour := first; !hour.After(last); hour = hour.Add(time.Hour) {
		observedOn, observed := onByHour[hour.Unix()]
		if observed {
			on = observedOn
		}
		_, admitted := admissions[hour.Unix()]
		part.Slots = append(part.Slots, models.HourSlot{
			HospitalizationID: id,
			HourStart:         hour,
			OnVentilation:     on,
			Observed:          observed,
			InICU:             overlapsAny(icu, hour, hour.Add(time.Hour)),
			NewICUStay:        hour.Equal(first) || admitted,
		})
	}
	part.Diagnostics.TimelineHours = len(part.Slots)
	return part
}

type interval struct {
	in  time.Time
	out time.Time
}

func icuIntervals(locations []models.LocationEvent) []interval {
	var out []interval
	for _, loc := range locations {
		if !strings.EqualFold(strings.TrimSpace(loc.LocationCategory), models.LocationICU) || loc.InTime.IsZero() {
			continue
		}
		out = append(out, interval{in: loc.InTime, out: loc.OutTime})
	}
	return out
}

// overlapsAny treats a zero out time as an open interval.
func overlapsAny(intervals []interval, start, end time.Time) bool {
	for _, iv := range intervals {
		if !iv.in.Before(end) {
			continue
		}
		if iv.out.IsZero() || iv.out.After(start) {
			return true
		}
	}
	return false
}

// Assemble orders partitions by hospitalization, numbers stays and checks the result.
func Assemble(parts []Partition) (*Timeline, error) {
	sort.SliceStable(parts, func(i, j int) bool {
		return parts[i].HospitalizationID < parts[j].HospitalizationID
	})

	tl := &Timeline{}
	for _, part := range parts {
		tl.Diagnostics.Merge(part.Diagnostics)
		if part.Excluded == ExcludedNoHours {
			tl.Empty = append(tl.Empty, part.HospitalizationID)
		}
		tl.Slots = append(tl.Slots, part.Slots...)
	}

	AssignStayIDs(tl.Slots)
	if err := ValidateSlots(tl.Slots); err != nil {
		return nil, fmt.Errorf("segmenting timeline: %w", err)
	}
	return tl, nil
}

// AssignStayIDs sets StayID to the running count of NewICUStay over slots,
// which must already be ordered by hospitalization and hour.
func AssignStayIDs(slots []models.HourSlot) {
	stay := 0
	for i := range slots {
		if slots[i].NewICUStay {
			stay++
		}
		slots[i].StayID = stay
	}
}

// ValidateSlots enforces strictly increasing (hospitalization, hour) keys.
func ValidateSlots(slots []models.HourSlot) error {
	for i := 1; i < len(slots); i++ {
		prev, cur := slots[i-1], slots[i]
		switch {
		case cur.HospitalizationID < prev.HospitalizationID:
			return ingestion.NewShapeError("hour_slots", fmt.Errorf("hospitalization %s after %s: %w", cur.HospitalizationID, prev.HospitalizationID, ingestion.ErrUnordered))
		case cur.HospitalizationID > prev.HospitalizationID:
			continue
		case cur.HourStart.Equal(prev.HourStart):
			return ingestion.NewShapeError("hour_slots", fmt.Errorf("%s at %s: %w", cur.HospitalizationID, cur.HourStart.Format(time.RFC3339), ingestion.ErrDuplicateKey))
		case cur.HourStart.Before(prev.HourStart):
			return ingestion.NewShapeError("hour_slots", fmt.Errorf("%s at %s: %w", cur.HospitalizationID, cur.HourStart.Format(time.RFC3339), ingestion.ErrUnordered))
		}
	}
	return nil
}
