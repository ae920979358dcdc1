package redisstore

import "github.com/redis/go-redis/v9"

// Every transition script receives the audit keys first:
//
//	KEYS[1] = global event stream
//	KEYS[2] = event sequence counter
//	KEYS[3] = per-predicate event stream (absent for unknown handles)
//
// Events get the stream id "<seq>-0" so stream order is append order and
// both streams share ids.
const appendEventLua = `
local function append_event(kind, pid, owner, handle, result, count, reason, at)
    local seq = redis.call("INCR", KEYS[2])
    local id = seq .. "-0"
    local fields = {
        "kind", kind, "predicate_id", pid, "owner", owner,
        "request_handle", handle, "result", result,
        "update_count", count, "reason", reason, "at", at,
    }
    redis.call("XADD", KEYS[1], id, unpack(fields))
    if KEYS[3] then
        redis.call("XADD", KEYS[3], id, unpack(fields))
    end
    return seq
end
`

// registerScript inserts a predicate unless its id is taken.
// KEYS[4] = predicate hash, KEYS[5] = registration index, KEYS[6] = registration counter
// ARGV[1] = id, ARGV[2] = owner, ARGV[3] = conditions, ARGV[4] = policy,
// ARGV[5] = nonce, ARGV[6] = created_at
var registerScript = redis.NewScript(appendEventLua + `
if redis.call("EXISTS", KEYS[4]) == 1 then
    return 0
end
local seq = redis.call("INCR", KEYS[6])
redis.call("HSET", KEYS[4],
    "seq", seq, "owner", ARGV[2], "conditions", ARGV[3], "policy", ARGV[4],
    "nonce", ARGV[5], "last_result", 0, "update_count", 0, "last_check_time", 0,
    "pending_request", "", "pending_since", 0, "created_at", ARGV[6])
redis.call("ZADD", KEYS[5], seq, ARGV[1])
append_event("PredicateCreated", ARGV[1], ARGV[2], "", "", "", "", ARGV[6])
return 1
`)

// setPendingScript is the compare-and-set on the pending slot.
// KEYS[4] = predicate hash, KEYS[5] = request hash, KEYS[6] = pending index
// ARGV[1] = id, ARGV[2] = handle, ARGV[3] = now, ARGV[4] = now (micros, index score)
var setPendingScript = redis.NewScript(appendEventLua + `
if redis.call("EXISTS", KEYS[4]) == 0 then
    return "NOT_FOUND"
end
local cur = redis.call("HGET", KEYS[4], "pending_request")
if cur and cur ~= "" then
    return "ALREADY_PENDING"
end
if redis.call("EXISTS", KEYS[5]) == 1 then
    return "HANDLE_REUSED"
end
redis.call("HSET", KEYS[4], "pending_request", ARGV[2], "pending_since", ARGV[3])
redis.call("HSET", KEYS[5], "predicate_id", ARGV[1], "status", "pending", "sent_at", ARGV[3], "closed_at", 0)
redis.call("ZADD", KEYS[6], ARGV[4], ARGV[1])
append_event("RequestSent", ARGV[1], "", ARGV[2], "", "", "", ARGV[3])
return "OK"
`)

// applyScript stores a result if handle is still the pending request.
// KEYS[4] = predicate hash, KEYS[5] = request hash, KEYS[6] = pending index
// ARGV[1] = id, ARGV[2] = handle, ARGV[3] = result, ARGV[4] = now
var applyScript = redis.NewScript(appendEventLua + `
if redis.call("HGET", KEYS[4], "pending_request") ~= ARGV[2] then
    append_event("CallbackDiscarded", ARGV[1], "", ARGV[2], "", "", "stale", ARGV[4])
    return {"STALE"}
end
local count = redis.call("HINCRBY", KEYS[4], "update_count", 1)
redis.call("HSET", KEYS[4],
    "pending_request", "", "pending_since", 0,
    "last_result", ARGV[3], "last_check_time", ARGV[4])
redis.call("HSET", KEYS[5], "status", "applied", "closed_at", ARGV[4])
redis.call("ZREM", KEYS[6], ARGV[1])
append_event("ResultApplied", ARGV[1], "", ARGV[2], ARGV[3], count, "", ARGV[4])
return {"OK", redis.call("HGETALL", KEYS[4])}
`)

// discardUnknownScript records a callback for a handle never issued.
// ARGV[1] = handle, ARGV[2] = now
var discardUnknownScript = redis.NewScript(appendEventLua + `
append_event("CallbackDiscarded", "", "", ARGV[1], "", "", "unknown_request", ARGV[2])
return "OK"
`)

// releaseScript rolls back a pending request after a failed submission.
// KEYS[4] = predicate hash, KEYS[5] = request hash, KEYS[6] = pending index
// ARGV[1] = id, ARGV[2] = handle, ARGV[3] = reason, ARGV[4] = now
var releaseScript = redis.NewScript(appendEventLua + `
if redis.call("EXISTS", KEYS[4]) == 0 then
    return "NOT_FOUND"
end
if redis.call("HGET", KEYS[4], "pending_request") ~= ARGV[2] then
    return "STALE"
end
redis.call("HSET", KEYS[4], "pending_request", "", "pending_since", 0)
redis.call("HSET", KEYS[5], "status", "failed", "closed_at", ARGV[4])
redis.call("ZREM", KEYS[6], ARGV[1])
append_event("RequestFailed", ARGV[1], "", ARGV[2], "", "", ARGV[3], ARGV[4])
return "OK"
`)

// expireScript clears one pending request if it is still the same handle.
// KEYS[4] = predicate hash, KEYS[5] = request hash, KEYS[6] = pending index
// ARGV[1] = id, ARGV[2] = handle, ARGV[3] = now
var expireScript = redis.NewScript(appendEventLua + `
if redis.call("HGET", KEYS[4], "pending_request") ~= ARGV[2] then
    return 0
end
redis.call("HSET", KEYS[4], "pending_request", "", "pending_since", 0)
redis.call("HSET", KEYS[5], "status", "expired", "closed_at", ARGV[3])
redis.call("ZREM", KEYS[6], ARGV[1])
append_event("RequestExpired", ARGV[1], "", ARGV[2], "", "", "", ARGV[3])
return 1
`)
