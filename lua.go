package escrow

const (
	luaAppendEvents = `
		-- Atomically append events with a sequence check and commit their
		-- side effects. Nothing is written unless every check passes
		-- KEYS[1] = event list key
		-- KEYS[2] = feed stream key
		-- KEYS[3] = payout hash key
		-- KEYS[4] = authorization key
		-- KEYS[5] = account index key
		-- KEYS[6] = shared account set key
		-- ARGV[1] = expected sequence (current list length)
		-- ARGV[2] = account id
		-- ARGV[3] = authorization op ("", "mint" or "consume")
		-- ARGV[4] = authorization holder (mint only)
		-- ARGV[5] = payout recipient ("" for none)
		-- ARGV[6] = payout amount
		-- ARGV[7] = share flag ("1" to share)
		-- ARGV[8] = number of feed records (N)
		-- ARGV[9..8+N] = feed records (JSON)
		-- ARGV[9+N..] = event data (JSON)
		-- Returns: {1, newLength} on success, {0, currentLength, newEvents}
		-- on a sequence conflict, or {-1, reason} on a rejected effect

		local currentLen = redis.call('LLEN', KEYS[1])
		local expected = tonumber(ARGV[1])

		if expected ~= currentLen then
			if expected < currentLen then
				local newEvents = redis.call('LRANGE', KEYS[1], expected, -1)
				return {0, currentLen, newEvents}
			end
			return {0, currentLen, {}}
		end

		local accountID = ARGV[2]
		local authOp = ARGV[3]

		if authOp == 'mint' then
			if redis.call('EXISTS', KEYS[4]) == 1 then
				return {-1, 'authorization exists'}
			end
		elseif authOp == 'consume' then
			if redis.call('HGET', KEYS[4], 'account') ~= accountID then
				return {-1, 'unauthorized'}
			end
		end

		if authOp == 'mint' then
			redis.call('HSET', KEYS[4], 'account', accountID, 'holder', ARGV[4])
		elseif authOp == 'consume' then
			redis.call('DEL', KEYS[4])
		end

		if ARGV[5] ~= '' then
			redis.call('HINCRBY', KEYS[3], ARGV[5], ARGV[6])
		end

		if ARGV[7] == '1' then
			redis.call('SADD', KEYS[6], accountID)
		end

		if expected == 0 then
			redis.call('SADD', KEYS[5], accountID)
		end

		local feedCount = tonumber(ARGV[8])
		for i = 9, 8 + feedCount do
			redis.call('XADD', KEYS[2], '*', 'event', ARGV[i])
		end

		local chunkSize = 128
		local startIdx = 9 + feedCount

		while startIdx <= #ARGV do
			local endIdx = math.min(startIdx + chunkSize - 1, #ARGV)
			local chunk = {}
			for i = startIdx, endIdx do
				table.insert(chunk, ARGV[i])
			end
			redis.call('RPUSH', KEYS[1], unpack(chunk))
			startIdx = endIdx + 1
		end

		return {1, redis.call('LLEN', KEYS[1])}
		`

	luaPutSnapshot = `
		-- Atomically save snapshot only if new sequence is greater than stored
		-- KEYS[1] = snapshot key
		-- KEYS[2] = snapshot sequence key
		-- ARGV[1] = snapshot data
		-- ARGV[2] = snapshot sequence

		local newSeq = tonumber(ARGV[2])
		local storedSeqStr = redis.call('GET', KEYS[2])

		if storedSeqStr then
			local storedSeq = tonumber(storedSeqStr)
			if newSeq <= storedSeq then
				return 1
			end
		end

		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('SET', KEYS[2], newSeq)
		return 1
		`

	luaGetSnapshot = `
		-- Atomically get snapshot and events after snapshot sequence
		-- KEYS[1] = snapshot key
		-- KEYS[2] = snapshot sequence key
		-- KEYS[3] = event list key
		-- Returns: {snapshot_data, snapshot_seq, newEvents}

		local snapData = redis.call('GET', KEYS[1])
		local snapSeq = tonumber(redis.call('GET', KEYS[2]) or "0")
		local newEvents = redis.call('LRANGE', KEYS[3], snapSeq, -1)
		return {snapData or "", snapSeq, newEvents}
		`

	luaGetHibernate = `
		-- Atomically get snapshot and the full event list
		-- KEYS[1] = snapshot key
		-- KEYS[2] = snapshot sequence key
		-- KEYS[3] = event list key
		-- Returns: {snapshot_data, snapshot_seq, allEvents}

		local snapData = redis.call('GET', KEYS[1])
		local snapSeq = tonumber(redis.call('GET', KEYS[2]) or "0")
		local allEvents = redis.call('LRANGE', KEYS[3], 0, -1)
		return {snapData or "", snapSeq, allEvents}
		`

	luaTransferAuthorization = `
		-- Move custody of an authorization, keeping its binding
		-- KEYS[1] = authorization key
		-- ARGV[1] = expected current holder
		-- ARGV[2] = new holder
		-- Returns: 1 on success, 0 if missing, -1 if the holder differs

		local holder = redis.call('HGET', KEYS[1], 'holder')
		if not holder then
			return 0
		end
		if holder ~= ARGV[1] then
			return -1
		end
		redis.call('HSET', KEYS[1], 'holder', ARGV[2])
		return 1
		`
)
