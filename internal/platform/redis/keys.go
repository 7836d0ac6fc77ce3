package redis

import (
	"strconv"

	"github.com/parcelhub/jobcore/internal/job"
)

// priorityShift leaves 43 bits for the ready-at millisecond timestamp, which
// keeps every score below 2^53 and therefore exact in a float64.
const priorityShift = 43

func (s settings) jobKey(id string) string { return s.prefix + "job:" + id }

func (s settings) jobKeyPrefix() string { return s.prefix + "job:" }

func (s settings) readyKey(q job.Queue) string { return s.prefix + "q:" + string(q) + ":ready" }

func (s settings) delayedKey(q job.Queue) string { return s.prefix + "q:" + string(q) + ":delayed" }

func (s settings) activeKey(q job.Queue) string { return s.prefix + "q:" + string(q) + ":active" }

func (s settings) deadKey(q job.Queue) string { return s.prefix + "q:" + string(q) + ":dead" }

func (s settings) dedupeKey(q job.Queue, id string) string {
	return s.prefix + "dedupe:" + string(q) + ":" + id
}

func (s settings) cacheKey(key string) string { return s.prefix + "cache:" + key }

func (s settings) scheduleKey() string { return s.prefix + "schedules" }

func (s settings) tickLockKey(id string, tick int64) string {
	return s.prefix + "schedule-lock:" + id + ":" + strconv.FormatInt(tick, 10)
}

// readyScore orders the ready set by priority, then by ready time.
func readyScore(priority int, readyAtMs int64) int64 {
	return int64(priority)<<priorityShift | readyAtMs
}
