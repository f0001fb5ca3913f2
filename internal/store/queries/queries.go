// Package queries holds the raw SQL statements used by the Postgres-backed
// Store, as plain const strings (the teacher's internal/litellmdb/queries
// convention — one file per concern, no ORM/query builder).
package queries

const QueryHealthCheck = `SELECT 1`

const QueryInsertBatch = `
	INSERT INTO batches (endpoint, model, state, created_at, updated_at)
	VALUES ($1, $2, $3, now(), now())
	RETURNING id, created_at, updated_at
`

const QueryGetOpenBatch = `
	SELECT id, endpoint, model, state, provider_input_file_id, provider_output_file_id,
	       provider_error_file_id, provider_batch_id, provider_status_last_checked_at,
	       expires_at, usage_input_tokens, usage_output_tokens, usage_cached_tokens,
	       usage_reasoning_tokens, request_count, size_bytes, error_msg, created_at, updated_at
	FROM batches
	WHERE endpoint = $1 AND model = $2 AND state = 'building'
	ORDER BY id DESC
	LIMIT 1
	FOR UPDATE
`

const QueryGetBatchByID = `
	SELECT id, endpoint, model, state, provider_input_file_id, provider_output_file_id,
	       provider_error_file_id, provider_batch_id, provider_status_last_checked_at,
	       expires_at, usage_input_tokens, usage_output_tokens, usage_cached_tokens,
	       usage_reasoning_tokens, request_count, size_bytes, error_msg, created_at, updated_at
	FROM batches
	WHERE id = $1
`

const QueryTransitionBatchState = `
	UPDATE batches
	SET state = $1, updated_at = now()
	WHERE id = $2 AND state = $3
`

const QueryUpdateBatchProviderFields = `
	UPDATE batches
	SET provider_input_file_id = COALESCE($2, provider_input_file_id),
	    provider_output_file_id = COALESCE($3, provider_output_file_id),
	    provider_error_file_id = COALESCE($4, provider_error_file_id),
	    provider_batch_id = COALESCE($5, provider_batch_id),
	    provider_status_last_checked_at = COALESCE($6, provider_status_last_checked_at),
	    expires_at = COALESCE($7, expires_at),
	    usage_input_tokens = $8,
	    usage_output_tokens = $9,
	    usage_cached_tokens = $10,
	    usage_reasoning_tokens = $11,
	    error_msg = $12,
	    updated_at = now()
	WHERE id = $1
`

const QueryInsertBatchTransition = `
	INSERT INTO batch_transitions (batch_id, "from", "to", action, transitioned_at)
	VALUES ($1, $2, $3, $4, now())
`

const QueryInsertRequest = `
	INSERT INTO requests (batch_id, custom_id, endpoint, model, state, request_payload,
	                       request_payload_size, delivery_config, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	RETURNING id, created_at, updated_at
`

const QueryCountAndSizeForBatch = `
	SELECT COUNT(*), COALESCE(SUM(request_payload_size), 0)
	FROM requests
	WHERE batch_id = $1
`

const QueryCustomIDExistsInBatch = `
	SELECT EXISTS (SELECT 1 FROM requests WHERE batch_id = $1 AND custom_id = $2)
`

const QueryGetRequestByID = `
	SELECT id, batch_id, custom_id, endpoint, model, state, request_payload,
	       request_payload_size, delivery_config, response_payload, error_msg, created_at, updated_at
	FROM requests
	WHERE id = $1
`

const QueryGetRequestByCustomID = `
	SELECT id, batch_id, custom_id, endpoint, model, state, request_payload,
	       request_payload_size, delivery_config, response_payload, error_msg, created_at, updated_at
	FROM requests
	WHERE endpoint = $1 AND model = $2 AND custom_id = $3
	ORDER BY id DESC
	LIMIT 1
`

const QueryGetRequestByBatchAndCustomID = `
	SELECT id, batch_id, custom_id, endpoint, model, state, request_payload,
	       request_payload_size, delivery_config, response_payload, error_msg, created_at, updated_at
	FROM requests
	WHERE batch_id = $1 AND custom_id = $2
`

const QueryListRequestsForBatch = `
	SELECT id, batch_id, custom_id, endpoint, model, state, request_payload,
	       request_payload_size, delivery_config, response_payload, error_msg, created_at, updated_at
	FROM requests
	WHERE batch_id = $1
	ORDER BY id
`

const QueryListRequestsForBatchInState = `
	SELECT id, batch_id, custom_id, endpoint, model, state, request_payload,
	       request_payload_size, delivery_config, response_payload, error_msg, created_at, updated_at
	FROM requests
	WHERE batch_id = $1 AND state = $2
	ORDER BY id
`

const QueryTransitionRequestState = `
	UPDATE requests
	SET state = $1, updated_at = now()
	WHERE id = $2 AND state = $3
`

const QueryUpdateRequestResult = `
	UPDATE requests
	SET response_payload = $2, error_msg = $3, updated_at = now()
	WHERE id = $1
`

const QueryInsertRequestTransition = `
	INSERT INTO request_transitions (request_id, "from", "to", action, transitioned_at)
	VALUES ($1, $2, $3, $4, now())
`

const QueryInsertDeliveryAttempt = `
	INSERT INTO request_delivery_attempts (request_id, delivery_config, outcome, error_msg, attempted_at)
	VALUES ($1, $2, $3, $4, now())
`

const QueryListDeliveryAttempts = `
	SELECT id, request_id, delivery_config, outcome, error_msg, attempted_at
	FROM request_delivery_attempts
	WHERE request_id = $1
	ORDER BY attempted_at
`

const QueryBatchTerminalCounts = `
	SELECT
	  COUNT(*) FILTER (WHERE state = 'delivered') AS delivered,
	  COUNT(*) FILTER (WHERE state IN ('delivery_failed', 'failed', 'expired', 'cancelled')) AS failed,
	  COUNT(*) FILTER (WHERE state NOT IN ('delivered', 'delivery_failed', 'failed', 'expired', 'cancelled')) AS pending,
	  COUNT(*) AS total
	FROM requests
	WHERE batch_id = $1
`

const QueryDeleteBatch = `DELETE FROM batches WHERE id = $1`

const QueryListStaleBuildingBatches = `
	SELECT id FROM batches
	WHERE state = 'building' AND created_at < $1
`

const QueryListExpiredBatches = `
	SELECT id FROM batches
	WHERE expires_at IS NOT NULL AND expires_at < now()
`

const QueryListBatchesInState = `
	SELECT id FROM batches
	WHERE state = $1
	ORDER BY created_at
`
