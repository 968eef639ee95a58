package router

import (
	"github.com/awo/router/internal/account"
)

// intervalSchedule walks a cooldown schedule cyclically: each call to next
// yields the pause that must separate the previous request from the next
// one. A quiet gap longer than the whole schedule rewinds it to the start.
type intervalSchedule struct {
	steps []account.CooldownStep
	total float64
	pos   int
	rep   int
}

func newIntervalSchedule(param account.CooldownParam) *intervalSchedule {
	return &intervalSchedule{
		steps: param,
		total: param.TotalSeconds(),
	}
}

func (s *intervalSchedule) next() float64 {
	if len(s.steps) == 0 {
		return 0
	}
	step := s.steps[s.pos]
	s.rep++
	if s.rep >= step.Repeat {
		s.rep = 0
		s.pos = (s.pos + 1) % len(s.steps)
	}
	return step.Seconds
}

func (s *intervalSchedule) reset() {
	s.pos = 0
	s.rep = 0
}

// windowCooldown paces requests onto a bucket grid: the period is split
// into size-second buckets counted back from now, and at most one request
// may land in each bucket. Timestamps are unix seconds in ascending order;
// the scan walks newest first. The pause is all or nothing: size seconds
// when the current bucket is taken and every bucket of the period is
// occupied, zero otherwise.
func windowCooldown(size, period float64, timestamps []float64, now float64) float64 {
	if size <= 0 {
		return 0
	}
	windowNum, windowReq := 1, 0
	for i := len(timestamps) - 1; i >= 0; i-- {
		ts := timestamps[i]
		if ts < now-float64(windowNum)*size {
			if windowReq <= 1 {
				break
			}
			windowNum++
			windowReq = 1
		} else {
			windowReq++
		}
		if ts < now-period {
			break
		}
	}
	if windowReq <= 1 || float64(windowNum) < period/size {
		return 0
	}
	return size
}
