package redis

import goredis "github.com/redis/go-redis/v9"

// KEYS: job hash, ready, delayed
// ARGV: id, envelope, ready score, ready-at ms, delayed flag, dedupe key
var enqueueScript = goredis.NewScript(`
local dedupe = ARGV[6]
if dedupe ~= '' then
  local existing = redis.call('GET', dedupe)
  if existing then
    return {0, existing}
  end
  redis.call('SET', dedupe, ARGV[1])
end
redis.call('HSET', KEYS[1], 'envelope', ARGV[2], 'score', ARGV[3], 'attempt', '0', 'dedupe', dedupe)
if ARGV[5] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
end
return {1, ARGV[1]}
`)

// KEYS: ready, delayed, active
// ARGV: now ms, lease-until ms, job key prefix
var claimScript = goredis.NewScript(`
local function promote(set)
  local ids = redis.call('ZRANGEBYSCORE', set, '-inf', ARGV[1], 'LIMIT', 0, 100)
  for _, id in ipairs(ids) do
    redis.call('ZREM', set, id)
    local score = redis.call('HGET', ARGV[3] .. id, 'score')
    if score then
      redis.call('ZADD', KEYS[1], score, id)
    end
  end
end
promote(KEYS[2])
promote(KEYS[3])
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local key = ARGV[3] .. id
  local fields = redis.call('HMGET', key, 'envelope', 'last_error')
  if fields[1] then
    local attempt = redis.call('HINCRBY', key, 'attempt', 1)
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    return {id, attempt, fields[1], fields[2] or ''}
  end
end
`)

// KEYS: active, job hash
// ARGV: id, held lease ms
var ackScript = goredis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
local dedupe = redis.call('HGET', KEYS[2], 'dedupe')
if dedupe and dedupe ~= '' and redis.call('GET', dedupe) == ARGV[1] then
  redis.call('DEL', dedupe)
end
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS: active, delayed, job hash
// ARGV: id, held lease ms, ready-at ms, error, ready score
var retryScript = goredis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'last_error', ARGV[4], 'score', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, dead, job hash
// ARGV: id, held lease ms, now ms, error
var buryScript = goredis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'last_error', ARGV[4], 'failed_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
local dedupe = redis.call('HGET', KEYS[3], 'dedupe')
if dedupe and dedupe ~= '' and redis.call('GET', dedupe) == ARGV[1] then
  redis.call('DEL', dedupe)
end
return 1
`)

// KEYS: active
// ARGV: id, held lease ms, new lease ms
var extendScript = goredis.NewScript(`
local lease = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not lease or tonumber(lease) ~= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: dead, ready, job hash
// ARGV: id, ready score
var requeueScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'attempt', '0', 'last_error', '', 'failed_at', '', 'score', ARGV[2], 'dedupe', '')
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)
