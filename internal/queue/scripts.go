package queue

import "github.com/redis/go-redis/v9"

// KEYS: job hash, wait list, delayed set.
// ARGV: id, payload, priority, maxAttempts, createdAt, runAt, now, attempts.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local state = 'queued'
if tonumber(ARGV[6]) > tonumber(ARGV[7]) then
  state = 'delayed'
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'payload', ARGV[2], 'priority', ARGV[3], 'state', state,
  'attempts', ARGV[8], 'maxAttempts', ARGV[4], 'createdAt', ARGV[5], 'runAt', ARGV[6])
if state == 'delayed' then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

// KEYS: wait lists in priority order, then the active set.
// ARGV: lease deadline, now, lease token, job key prefix.
// Entries whose hash is gone or no longer queued (cancelled, duplicated) are dropped.
var dequeueScript = redis.NewScript(`
local active = KEYS[#KEYS]
for i = 1, #KEYS - 1 do
  while true do
    local id = redis.call('LPOP', KEYS[i])
    if not id then
      break
    end
    local jobKey = ARGV[4] .. id
    if redis.call('HGET', jobKey, 'state') == 'queued' then
      redis.call('ZADD', active, ARGV[1], id)
      redis.call('HSET', jobKey, 'state', 'active', 'processedAt', ARGV[2], 'lease', ARGV[3])
      return id
    end
  end
end
return false
`)

// KEYS: job hash, active set. ARGV: id, token, deadline.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job hash, active set, completed set. ARGV: id, token, now.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'state', 'completed', 'finishedAt', ARGV[3])
redis.call('HDEL', KEYS[1], 'lease', 'lastError')
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: job hash, active set, delayed set, failed set.
// ARGV: id, token, now, reason, stage, stacktrace, terminal flag, retryAt.
// Returns {-1, 0} on lost lease, {1, attempts} when terminal, {0, attempts} when rescheduled.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return {-1, 0}
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease')
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
local max = tonumber(redis.call('HGET', KEYS[1], 'maxAttempts')) or 1
redis.call('HSET', KEYS[1], 'lastError', ARGV[4])
if ARGV[7] == '1' or attempts >= max then
  redis.call('HSET', KEYS[1], 'state', 'failed', 'failedReason', ARGV[4],
    'failedStage', ARGV[5], 'stacktrace', ARGV[6], 'finishedAt', ARGV[3])
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
  return {1, attempts}
end
redis.call('HSET', KEYS[1], 'state', 'delayed', 'runAt', ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[8], ARGV[1])
return {0, attempts}
`)

// KEYS: delayed set. ARGV: now, limit, queue prefix, fallback priority.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. 'job:' .. id
  if redis.call('HGET', jobKey, 'state') == 'delayed' then
    local priority = redis.call('HGET', jobKey, 'priority')
    if not priority or priority == '' then
      priority = ARGV[4]
    end
    redis.call('HSET', jobKey, 'state', 'queued')
    redis.call('RPUSH', ARGV[3] .. 'wait:' .. priority, id)
    moved = moved + 1
  end
end
return moved
`)

// KEYS: active set. ARGV: now, limit, queue prefix, fallback priority.
// Reclaimed jobs go to the head of their wait list.
var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jobKey = ARGV[3] .. 'job:' .. id
  if redis.call('HGET', jobKey, 'state') == 'active' then
    local priority = redis.call('HGET', jobKey, 'priority')
    if not priority or priority == '' then
      priority = ARGV[4]
    end
    redis.call('HDEL', jobKey, 'lease')
    redis.call('HSET', jobKey, 'state', 'queued')
    redis.call('LPUSH', ARGV[3] .. 'wait:' .. priority, id)
    table.insert(out, id)
  end
end
return out
`)

// KEYS: job hash, active set, delayed set, failed set, wait lists...
// ARGV: id, now, reason.
var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state or state == 'completed' or state == 'failed' then
  return 0
end
for i = 5, #KEYS do
  redis.call('LREM', KEYS[i], 0, ARGV[1])
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('HSET', KEYS[1], 'state', 'failed', 'failedReason', ARGV[3], 'finishedAt', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
return 1
`)
