package engine

import (
	"fmt"
	"strings"
)

const (
	// Segments is the number of segments in one turn.
	Segments = 12
	MinSpeed = 0
	MaxSpeed = 12
)

// Schedule is the set of segments a given SPD acts in.
type Schedule struct {
	acts [Segments]bool
}

// Has reports whether the schedule acts in segment (1-based).
func (s Schedule) Has(segment int) bool {
	if segment < 1 || segment > Segments {
		return false
	}
	return s.acts[segment-1]
}

// Segments lists the scheduled segments in ascending order.
func (s Schedule) Segments() []int {
	out := make([]int, 0, Segments)
	for i, ok := range s.acts {
		if ok {
			out = append(out, i+1)
		}
	}
	return out
}

func (s Schedule) Len() int {
	n := 0
	for _, ok := range s.acts {
		if ok {
			n++
		}
	}
	return n
}

// HERO System 6e speed chart. Columns are segments 1..12.
var speedChart = [MaxSpeed + 1][Segments]uint8{
	{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, //  0
	{0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0}, //  1
	{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 1}, //  2
	{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1}, //  3
	{0, 0, 1, 0, 0, 1, 0, 0, 1, 0, 0, 1}, //  4
	{0, 0, 1, 0, 1, 0, 0, 1, 0, 1, 0, 1}, //  5
	{0, 1, 0, 1, 0, 1, 0, 1, 0, 1, 0, 1}, //  6
	{0, 1, 0, 1, 0, 1, 1, 0, 1, 0, 1, 1}, //  7
	{0, 1, 1, 0, 1, 1, 0, 1, 1, 0, 1, 1}, //  8
	{0, 1, 1, 1, 0, 1, 1, 1, 0, 1, 1, 1}, //  9
	{0, 1, 1, 1, 1, 1, 0, 1, 1, 1, 1, 1}, // 10
	{0, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, // 11
	{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, // 12
}

var schedules = buildSchedules()

func buildSchedules() [MaxSpeed + 1]Schedule {
	var out [MaxSpeed + 1]Schedule
	for spd, row := range speedChart {
		for i, v := range row {
			out[spd].acts[i] = v == 1
		}
	}
	return out
}

// ScheduleFor returns the canonical schedule for speed.
func ScheduleFor(speed int) (Schedule, error) {
	if speed < MinSpeed || speed > MaxSpeed {
		return Schedule{}, fmt.Errorf("%w: speed %d outside %d..%d", ErrInvalidRange, speed, MinSpeed, MaxSpeed)
	}
	return schedules[speed], nil
}

// ChartString renders a speed as a strip like ". X . X" across the twelve segments.
func ChartString(speed int) string {
	sched, err := ScheduleFor(speed)
	if err != nil {
		return ""
	}
	cells := make([]string, Segments)
	for i := range cells {
		cells[i] = "."
		if sched.acts[i] {
			cells[i] = "X"
		}
	}
	return strings.Join(cells, " ")
}
