package jd

import "time"

// ridSource hands out request ids for one client. Ids are seeded from the wall
// clock in milliseconds and are strictly increasing even when the clock stalls
// or goes backwards.
type ridSource struct {
	last int64
	now  func() time.Time
}

func (r *ridSource) next() int64 {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	v := now().UnixMilli()
	if v <= r.last {
		v = r.last + 1
	}
	r.last = v
	return v
}
