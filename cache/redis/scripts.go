package redis

import "github.com/redis/go-redis/v9"

// Every script takes KEYS = {record, version, activity, channel}. Timestamps
// come from the server clock in unix microseconds and every write publishes
// the resulting state on the record's channel.

const luaPrelude = `
local function now()
  local t = redis.call('TIME')
  return t[1] .. string.format('%06d', tonumber(t[2]))
end
local function state(key)
  local flat = redis.call('HGETALL', key)
  local rec = {}
  for i = 1, #flat, 2 do rec[flat[i]] = flat[i + 1] end
  return rec
end
local function emit(payload)
  local body = cjson.encode(payload)
  redis.call('PUBLISH', KEYS[4], body)
  return body
end
`

// ARGV = {user_id, session_id, device_id, device_info, browser_info, os_info}
var putScript = redis.NewScript(luaPrelude + `
local ts = now()
local v = redis.call('INCR', KEYS[2])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'user_id', ARGV[1], 'session_id', ARGV[2], 'device_id', ARGV[3],
  'device_info', ARGV[4], 'browser_info', ARGV[5], 'os_info', ARGV[6],
  'login_time', ts, 'last_activity', ts, 'is_active', '1', 'version', v)
redis.call('ZADD', KEYS[3], ts, ARGV[1])
return emit({record = state(KEYS[1]), version = v})
`)

// ARGV = {user_id, session_id}
var mergeScript = redis.NewScript(luaPrelude + `
local cur = redis.call('HMGET', KEYS[1], 'session_id', 'is_active')
if cur[1] ~= ARGV[2] or cur[2] ~= '1' then
  return 0
end
local ts = now()
local v = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'last_activity', ts, 'version', v)
redis.call('ZADD', KEYS[3], ts, ARGV[1])
emit({record = state(KEYS[1]), version = v})
return 1
`)

// ARGV = {user_id, session_id}
var deleteScript = redis.NewScript(luaPrelude + `
local sid = redis.call('HGET', KEYS[1], 'session_id')
if not sid then
  return -1
end
if sid ~= ARGV[2] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
local v = redis.call('INCR', KEYS[2])
emit({deleted = true, version = v})
return 1
`)

// ARGV = {user_id, reason}
var revokeScript = redis.NewScript(luaPrelude + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
local v = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'is_active', '0', 'terminated_at', now(),
  'terminated_reason', ARGV[2], 'version', v)
return emit({record = state(KEYS[1]), version = v})
`)

// ARGV = {user_id, cutoff_micros}
var sweepScript = redis.NewScript(luaPrelude + `
local la = redis.call('HGET', KEYS[1], 'last_activity')
if not la then
  redis.call('ZREM', KEYS[3], ARGV[1])
  return 0
end
if tonumber(la) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
local v = redis.call('INCR', KEYS[2])
emit({deleted = true, version = v})
return 1
`)
