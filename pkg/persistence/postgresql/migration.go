package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				scope_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				definition JSONB NOT NULL,
				trigger_type VARCHAR(50) NOT NULL,
				trigger_config JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'archived')),
				enabled BOOLEAN NOT NULL DEFAULT FALSE,
				execution_count BIGINT NOT NULL DEFAULT 0,
				error_count BIGINT NOT NULL DEFAULT 0,
				last_executed_at TIMESTAMP WITH TIME ZONE,
				last_scheduled_at TIMESTAMP WITH TIME ZONE,
				activated_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_scope_id ON workflows(scope_id);
			CREATE INDEX idx_workflows_runnable ON workflows(trigger_type, status, enabled);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);
		`,
		2: `
			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id),
				workflow_name VARCHAR(255) NOT NULL DEFAULT '',
				trigger_type VARCHAR(50) NOT NULL,
				trigger_data JSONB NOT NULL DEFAULT '{}',
				event_id VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL CHECK (status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
				is_dry_run BOOLEAN NOT NULL DEFAULT FALSE,
				retry_of VARCHAR(255) NOT NULL DEFAULT '',
				chain_id VARCHAR(255) NOT NULL DEFAULT '',
				chain_depth INT NOT NULL DEFAULT 0,
				queued_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				steps_executed INT NOT NULL DEFAULT 0,
				steps_passed INT NOT NULL DEFAULT 0,
				steps_failed INT NOT NULL DEFAULT 0,
				trace JSONB NOT NULL DEFAULT '[]',
				error TEXT NOT NULL DEFAULT '',
				error_kind VARCHAR(50) NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id, queued_at DESC);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
		`,
	}
}
