package redis

import goredis "github.com/redis/go-redis/v9"

// KEYS[1] waiting, KEYS[2] held. ARGV[1] member.
// Returns both scores as strings, empty when absent.
var currentScript = goredis.NewScript(`
local w = redis.call("ZSCORE", KEYS[1], ARGV[1])
local h = redis.call("ZSCORE", KEYS[2], ARGV[1])
return {w or "", h or ""}
`)

// KEYS[1] source pool, KEYS[2] target pool. ARGV[1] member, ARGV[2] expected
// score in the source pool, ARGV[3] new score in the target pool.
var swapScript = goredis.NewScript(`
local cur = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not cur or tonumber(cur) ~= tonumber(ARGV[2]) then
    return 0
end
if KEYS[1] ~= KEYS[2] and redis.call("ZSCORE", KEYS[2], ARGV[1]) then
    return redis.error_reply("INVARIANT " .. ARGV[1] .. " present in both pools")
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS[1] waiting, KEYS[2] held. ARGV[1] member, ARGV[2] score.
var addScript = goredis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) or redis.call("ZSCORE", KEYS[2], ARGV[1]) then
    return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS[1] waiting, KEYS[2] held. ARGV[1] member.
var removeScript = goredis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)
