// Package redis implements the queue, cache and schedule store ports on top
// of Redis.
//
// Each queue is four sorted sets under the configured prefix:
//
//	<prefix>q:<queue>:ready    score = priority<<43 | ready-at ms
//	<prefix>q:<queue>:delayed  score = ready-at ms
//	<prefix>q:<queue>:active   score = lease-until ms
//	<prefix>q:<queue>:dead     score = failed-at ms
//
// and each job is a hash at <prefix>job:<id>. State changes that touch more
// than one key run as Lua scripts so they are atomic.
package redis
