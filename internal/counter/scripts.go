package counter

// The three algorithm scripts. Each returns {allowed, remaining, reset}
// as non-negative integers. Read-modify-write stays atomic because Redis
// executes a script as a single command.

// tokenBucketScript refills by elapsed time then tries to consume cost.
// KEYS[1] bucket hash; ARGV: capacity, refill_rate, now_ms, cost, ttl_s.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
local tokens = tonumber(bucket[1])
local last = tonumber(bucket[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now_ms end

local elapsed = now_ms - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed / 1000 * refill_rate)

local allowed = 0
local reset
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
  reset = math.ceil((capacity - tokens) / refill_rate)
else
  reset = math.ceil((cost - tokens) / refill_rate)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', now_ms)
redis.call('EXPIRE', key, ttl)

if reset < 0 then reset = 0 end
return {allowed, math.floor(tokens), reset}
`

// fixedWindowScript counts per window epoch. The epoch is appended to the
// key inside the script so concurrent callers in the same window share one
// counter. KEYS[1] base key; ARGV: max_requests, window_s, now_s, cost.
const fixedWindowScript = `
local base = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now_s = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local epoch = math.floor(now_s / window)
local key = base .. ':' .. epoch

local count = redis.call('INCRBY', key, cost)
if count == cost then
  redis.call('EXPIRE', key, window)
end

local allowed = 0
if count <= max_requests then allowed = 1 end

local remaining = max_requests - count
if remaining < 0 then remaining = 0 end

local reset = window - (now_s % window)
return {allowed, remaining, reset}
`

// slidingLogScript trims expired entries from a sorted set, then admits if
// count+cost fits. Members are nonce-suffixed and members of this nonce
// already in the set are excluded from the capacity check, so a retried
// insert whose first attempt committed overwrites instead of
// double-counting.
// KEYS[1] zset; ARGV: max_requests, window_ms, now_ms, cost, ttl_s, nonce.
const slidingLogScript = `
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])
local nonce = ARGV[6]

redis.call('ZREMRANGEBYSCORE', key, 0, now_ms - window_ms)
local count = redis.call('ZCARD', key)

local present = 0
for i = 1, cost do
  if redis.call('ZSCORE', key, nonce .. ':' .. i) then
    present = present + 1
  end
end

local allowed = 0
local remaining
local reset
if count - present + cost <= max_requests then
  allowed = 1
  for i = 1, cost do
    redis.call('ZADD', key, now_ms, nonce .. ':' .. i)
  end
  redis.call('EXPIRE', key, ttl)
  count = redis.call('ZCARD', key)
  remaining = max_requests - count
  reset = math.ceil(window_ms / 1000)
else
  remaining = max_requests - count
  if remaining < 0 then remaining = 0 end
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    reset = math.ceil((tonumber(oldest[2]) + window_ms - now_ms) / 1000)
  else
    reset = math.ceil(window_ms / 1000)
  end
  if reset < 0 then reset = 0 end
end

return {allowed, remaining, reset}
`
