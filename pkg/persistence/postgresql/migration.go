package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS flow_groups (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				name TEXT NOT NULL,
				settings JSONB NOT NULL DEFAULT '{}',
				schedule JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_groups_tenant_name
				ON flow_groups (tenant_id, name);

			CREATE TABLE IF NOT EXISTS flows (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				project_id TEXT NOT NULL REFERENCES projects(id),
				flow_group_id TEXT NOT NULL REFERENCES flow_groups(id),
				name TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				version_group_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				schedule JSONB,
				is_schedule_active BOOLEAN NOT NULL DEFAULT FALSE,
				archived BOOLEAN NOT NULL DEFAULT FALSE,
				parameters JSONB NOT NULL DEFAULT '[]',
				environment JSONB,
				storage JSONB,
				core_version TEXT NOT NULL DEFAULT '',
				serialized_flow JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- Closes the version-assignment race: concurrent submissions to
			-- one version group cannot both claim the same version.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_flows_version_group_version
				ON flows (tenant_id, version_group_id, version);

			CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				tenant_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				slug TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT '',
				tags JSONB NOT NULL DEFAULT '[]',
				max_retries INTEGER NOT NULL DEFAULT 0,
				retry_delay_seconds BIGINT NOT NULL DEFAULT 0,
				cache_key TEXT NOT NULL DEFAULT '',
				trigger TEXT NOT NULL DEFAULT '',
				auto_generated BOOLEAN NOT NULL DEFAULT FALSE,
				mapped BOOLEAN NOT NULL DEFAULT FALSE,
				is_reference_task BOOLEAN NOT NULL DEFAULT FALSE,
				is_root_task BOOLEAN NOT NULL DEFAULT FALSE,
				is_terminal_task BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (flow_id, slug)
			);

			CREATE TABLE IF NOT EXISTS edges (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				tenant_id TEXT NOT NULL,
				upstream_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				downstream_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				key TEXT NOT NULL DEFAULT '',
				mapped BOOLEAN NOT NULL DEFAULT FALSE
			);

			CREATE TABLE IF NOT EXISTS flow_runs (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL REFERENCES flows(id) ON DELETE CASCADE,
				tenant_id TEXT NOT NULL,
				scheduled_start_time TIMESTAMP WITH TIME ZONE NOT NULL,
				parameters JSONB NOT NULL DEFAULT '{}',
				state TEXT NOT NULL,
				auto_scheduled BOOLEAN NOT NULL DEFAULT FALSE,
				idempotency_key TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- Closes the run-creation race: overlapping materialization
			-- passes cannot create two runs for one occurrence.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_flow_runs_idempotency
				ON flow_runs (flow_id, idempotency_key)
				WHERE idempotency_key IS NOT NULL;

			CREATE INDEX IF NOT EXISTS idx_flow_runs_flow_auto
				ON flow_runs (flow_id, auto_scheduled);
		`,
	}
}
