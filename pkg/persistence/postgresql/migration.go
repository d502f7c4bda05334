package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_definitions (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				name VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL DEFAULT 1,
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
				config JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_definitions_root ON workflow_definitions(organization_id, workflow_root_id);
			CREATE UNIQUE INDEX idx_workflow_definitions_active
				ON workflow_definitions(organization_id, workflow_root_id) WHERE status = 'active';
		`,
		2: `
			CREATE TABLE schedules (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				timezone VARCHAR(64) NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT true,
				last_triggered_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_schedules_active ON schedules(created_at) WHERE is_active;

			CREATE TABLE webhooks (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				token VARCHAR(255) NOT NULL UNIQUE,
				is_active BOOLEAN NOT NULL DEFAULT true,
				payload_schema JSONB,
				last_triggered_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE api_keys (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				key_hash VARCHAR(128) NOT NULL UNIQUE,
				prefix VARCHAR(32) NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT true,
				expires_at TIMESTAMP WITH TIME ZONE,
				last_triggered_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE event_subscriptions (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				filter JSONB,
				is_active BOOLEAN NOT NULL DEFAULT true,
				last_triggered_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_event_subscriptions_type ON event_subscriptions(organization_id, event_type) WHERE is_active;

			CREATE TABLE trigger_logs (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				trigger_type VARCHAR(20) NOT NULL,
				idempotency_key VARCHAR(512) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (organization_id, idempotency_key)
			);
		`,
		3: `
			CREATE TABLE executions (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				wf_definition_id TEXT NOT NULL,
				workflow_root_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'waiting', 'completed', 'failed')),
				current_step_slug VARCHAR(255),
				waiting_for TEXT,
				input JSONB,
				triggered_by VARCHAR(20) NOT NULL,
				trigger_data JSONB,
				variables TEXT,
				variables_storage_id TEXT,
				output TEXT,
				output_storage_id TEXT,
				metadata JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_definition_started ON executions(wf_definition_id, started_at DESC);
			CREATE INDEX idx_executions_status ON executions(status);

			CREATE TABLE execution_cleanup_jobs (
				id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				variables_storage_id TEXT,
				output_storage_id TEXT,
				run_at TIMESTAMP WITH TIME ZONE NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				leased_until TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_execution_cleanup_jobs_due ON execution_cleanup_jobs(run_at) WHERE completed_at IS NULL;
		`,
		4: `
			CREATE SEQUENCE processing_records_write_seq;

			CREATE TABLE processing_records (
				id TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				table_name VARCHAR(255) NOT NULL,
				record_id VARCHAR(512) NOT NULL,
				wf_definition_id TEXT NOT NULL DEFAULT '',
				record_creation_time TIMESTAMP WITH TIME ZONE,
				processed_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('in_progress', 'completed')),
				metadata JSONB NOT NULL DEFAULT '{}',
				write_seq BIGINT NOT NULL DEFAULT nextval('processing_records_write_seq'),
				UNIQUE (organization_id, table_name, record_id)
			);

			ALTER SEQUENCE processing_records_write_seq OWNED BY processing_records.write_seq;

			CREATE INDEX idx_processing_records_resume
				ON processing_records(organization_id, table_name, wf_definition_id, processed_at DESC, write_seq DESC);
		`,
	}
}
