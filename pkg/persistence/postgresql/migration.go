package postgresql

// migrations returns the ordered schema migrations for the execution store.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS executions (
				id TEXT PRIMARY KEY,
				payload JSONB,
				dependencies JSONB NOT NULL DEFAULT '[]'::jsonb,
				priority INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL,
				dispatch_id TEXT,
				result TEXT,
				error_message TEXT,
				enqueue_error TEXT,
				submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_executions_state ON executions (state);
			CREATE INDEX IF NOT EXISTS idx_executions_submitted_at ON executions (submitted_at);
		`,
	}
}
