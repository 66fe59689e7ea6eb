package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/yungbote/agentflow/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Tenancy + auth
		// =========================
		&types.Project{},
		&types.APIKey{},

		// =========================
		// Registry (deployments + definitions)
		// =========================
		&types.Deployment{},
		&types.DeploymentWorkflow{},
		&types.AgentDefinition{},
		&types.ToolDefinition{},

		// =========================
		// Orchestration core
		// =========================
		&types.Execution{},
		&types.Worker{},
		&types.Queue{},
		&types.WaitStep{},
		&types.StepOutput{},

		// =========================
		// Event log + automation
		// =========================
		&types.Event{},
		&types.EventTopic{},
		&types.EventTrigger{},
		&types.Schedule{},
	)
}

// EnsureOrchestrationIndexes adds the partial and composite indexes the hot
// paths depend on. AutoMigrate cannot express WHERE clauses, so these are
// raw.
func EnsureOrchestrationIndexes(db *gorm.DB) error {
	// Dispatcher pick: queued executions per queue+deployment in FIFO order.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_dispatch
		ON workflow_executions (queue_name, deployment_id, COALESCE(queued_at, created_at))
		WHERE status = 'queued';
	`).Error; err != nil {
		return fmt.Errorf("create idx_executions_dispatch: %w", err)
	}

	// Fan-in: count sibling children per parent by status.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_parent_status
		ON workflow_executions (parent_execution_id, status)
		WHERE parent_execution_id IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_executions_parent_status: %w", err)
	}

	// Timeout monitor: running executions with a deadline.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_running_deadline
		ON workflow_executions (started_at)
		WHERE status = 'running' AND run_timeout_seconds IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_executions_running_deadline: %w", err)
	}

	// Retention GC: terminal rows by completion time.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_terminal_completed
		ON workflow_executions (completed_at)
		WHERE status IN ('completed', 'failed', 'cancelled');
	`).Error; err != nil {
		return fmt.Errorf("create idx_executions_terminal_completed: %w", err)
	}

	// Worker requeue sweep: non-terminal executions by assignee.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_executions_assigned_active
		ON workflow_executions (assigned_to_worker)
		WHERE assigned_to_worker IS NOT NULL
		  AND status NOT IN ('completed', 'failed', 'cancelled');
	`).Error; err != nil {
		return fmt.Errorf("create idx_executions_assigned_active: %w", err)
	}

	// Expired-wait scan: active waits ordered by due time.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_wait_steps_due
		ON wait_steps (wait_until)
		WHERE wait_type IS NOT NULL AND wait_until IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_wait_steps_due: %w", err)
	}

	// Event wake: active event waits by topic.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_wait_steps_active_topic
		ON wait_steps (wait_topic)
		WHERE wait_type = 'event';
	`).Error; err != nil {
		return fmt.Errorf("create idx_wait_steps_active_topic: %w", err)
	}

	return nil
}

// Tenant tables fenced by row-level security on project_id. The projects
// table itself is fenced on id.
var tenantTables = []string{
	"api_keys",
	"deployments",
	"deployment_workflows",
	"agent_definitions",
	"tool_definitions",
	"workflow_executions",
	"workers",
	"queues",
	"wait_steps",
	"step_outputs",
	"events",
	"event_topics",
	"event_triggers",
	"schedules",
}

// EnsureRowLevelSecurity installs one isolation policy per tenant table.
// Requests run with app.project_id set transaction-locally; reconcilers set
// app.is_admin instead. FORCE keeps the policy active for the table owner,
// which is the role the server connects as.
func EnsureRowLevelSecurity(db *gorm.DB) error {
	apply := func(table, column string) error {
		if err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY;`, table)).Error; err != nil {
			return fmt.Errorf("enable rls on %s: %w", table, err)
		}
		if err := db.Exec(fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY;`, table)).Error; err != nil {
			return fmt.Errorf("force rls on %s: %w", table, err)
		}
		if err := db.Exec(fmt.Sprintf(`DROP POLICY IF EXISTS %s_tenant_isolation ON %s;`, table, table)).Error; err != nil {
			return fmt.Errorf("drop policy on %s: %w", table, err)
		}
		policy := fmt.Sprintf(`
			CREATE POLICY %s_tenant_isolation ON %s
			USING (
				current_setting('app.is_admin', true) = 'true'
				OR %s = NULLIF(current_setting('app.project_id', true), '')::uuid
			)
			WITH CHECK (
				current_setting('app.is_admin', true) = 'true'
				OR %s = NULLIF(current_setting('app.project_id', true), '')::uuid
			);
		`, table, table, column, column)
		if err := db.Exec(policy).Error; err != nil {
			return fmt.Errorf("create policy on %s: %w", table, err)
		}
		return nil
	}

	for _, table := range tenantTables {
		if err := apply(table, "project_id"); err != nil {
			return err
		}
	}
	return apply("projects", "id")
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureOrchestrationIndexes(s.db); err != nil {
		s.log.Error("Index migration failed", "error", err)
		return err
	}
	if err := EnsureRowLevelSecurity(s.db); err != nil {
		s.log.Error("Row level security migration failed", "error", err)
		return err
	}
	return nil
}
