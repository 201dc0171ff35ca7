package cohort

import (
	"time"

	"github.com/synaptica-ai/sedation-cohort/pkg/common/models"
)

const (
	hour24        = 24
	hour72        = 72
	windowHours   = 72
	maxStreaks24h = 2
	maxStreaks72h = 1
)

// Classify numbers ventilation streaks within each stay and derives the cohort
// flag per hour. slots must be ordered by hospitalization and hour with stay ids
// assigned. Stays without a ventilated hour are dropped.
func Classify(slots []models.HourSlot) ([]models.ClassifiedHour, models.RunDiagnostics) {
	var diag models.RunDiagnostics
	out := make([]models.ClassifiedHour, 0, len(slots))

	for start := 0; start < len(slots); {
		end := start + 1
		for end < len(slots) && sameStay(slots[start], slots[end]) {
			end++
		}
		stay, ok := classifyStay(slots[start:end])
		if !ok {
			diag.StaysWithoutVentilation++
		}
		for _, h := range stay {
			switch h.Flag {
			case models.CohortFlagHour24:
				diag.CohortHours24++
			case models.CohortFlagHour72:
				diag.CohortHours72++
			}
		}
		out = append(out, stay...)
		start = end
	}
	return out, diag
}

func sameStay(a, b models.HourSlot) bool {
	return a.HospitalizationID == b.HospitalizationID && a.StayID == b.StayID
}

// classifyStay runs the streak state machine over one stay: outside a streak
// an on hour opens streak n+1, inside a streak an off hour closes it.
func classifyStay(stay []models.HourSlot) ([]models.ClassifiedHour, bool) {
	firstOn := -1
	for i, h := range stay {
		if h.OnVentilation {
			firstOn = i
			break
		}
	}
	if firstOn < 0 {
		return nil, false
	}
	anchor := stay[firstOn].HourStart

	hours := make([]models.ClassifiedHour, len(stay))
	inWindow := make(map[int]struct{})
	streak, count := 0, 0
	inStreak := false

	for i, h := range stay {
		c := models.ClassifiedHour{HourSlot: h}
		c.HoursSinceFirstStreak = int(h.HourStart.Sub(anchor)/time.Hour) + 1

		if h.OnVentilation {
			if !inStreak {
				streak++
				count = 0
				inStreak = true
			}
			count++
			c.StreakID = streak
			c.StreakHourCount = count
			if c.HoursSinceFirstStreak >= 0 && c.HoursSinceFirstStreak <= windowHours {
				inWindow[streak] = struct{}{}
			}
		} else {
			inStreak = false
		}
		hours[i] = c
	}

	n := len(inWindow)
	for i := range hours {
		hours[i].StreaksInWindow = n
		hours[i].Flag = flagFor(hours[i].StreakHourCount, n)
	}
	return hours, true
}

func flagFor(streakHour, streaksInWindow int) models.CohortFlag {
	if streakHour == hour24 && streaksInWindow <= maxStreaks24h {
		return models.CohortFlagHour24
	}
	if streakHour == hour72 && streaksInWindow == maxStreaks72h {
		return models.CohortFlagHour72
	}
	return models.CohortFlagNone
}

// CohortHours keeps the flagged hours as cohort membership rows.
func CohortHours(hours []models.ClassifiedHour) []models.CohortHour {
	var out []models.CohortHour
	for _, h := range hours {
		if !h.Flag.IsSet() {
			continue
		}
		out = append(out, models.CohortHour{
			HospitalizationID: h.HospitalizationID,
			HourStart:         h.HourStart,
			StayID:            h.StayID,
			Flag:              h.Flag,
		})
	}
	return out
}
