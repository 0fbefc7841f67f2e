package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/BennyGman66/expression-forge-studio-sub008/internal/domain"
)

// ChangeChannel is the Postgres NOTIFY channel the change triggers write to.
const ChangeChannel = "pipeline_changes"

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(domain.Models()...)
}

// Migrate creates tables and indexes, plus the change triggers on Postgres.
func (s *Service) Migrate() error {
	if err := AutoMigrateAll(s.db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := EnsurePipelineIndexes(s.db); err != nil {
		return err
	}
	if s.driver == DriverPostgres {
		if err := EnsureChangeTriggers(s.db); err != nil {
			return err
		}
	}
	s.log.Info("migrations applied")
	return nil
}

func EnsurePipelineIndexes(db *gorm.DB) error {
	stmts := []struct{ name, sql string }{
		{"idx_run_item_batch_status", `CREATE INDEX IF NOT EXISTS idx_run_item_batch_status ON run_item(batch_id, status);`},
		{"idx_run_item_status_heartbeat", `CREATE INDEX IF NOT EXISTS idx_run_item_status_heartbeat ON run_item(status, heartbeat_at);`},
		{"idx_run_item_look_run_index", `DROP INDEX IF EXISTS idx_run_item_look_run_index;`},
		// spans soft-deleted rows too, matching how run indexes are allocated
		{"uq_run_item_look_run_index", `CREATE UNIQUE INDEX IF NOT EXISTS uq_run_item_look_run_index ON run_item(look_id, run_index);`},
		{"idx_output_look_shot", `CREATE INDEX IF NOT EXISTS idx_output_look_shot ON output(look_id, shot_type);`},
		{"idx_pipeline_job_status_updated", `CREATE INDEX IF NOT EXISTS idx_pipeline_job_status_updated ON pipeline_job(status, updated_at);`},
	}
	for _, st := range stmts {
		if err := db.Exec(st.sql).Error; err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}
	return nil
}

// EnsureChangeTriggers installs row triggers that pg_notify every insert and
// update on the ledger tables, so writers outside this process still wake
// listeners.
func EnsureChangeTriggers(db *gorm.DB) error {
	fn := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION pipeline_notify_change() RETURNS trigger AS $$
		DECLARE
			row_json jsonb := to_jsonb(NEW);
		BEGIN
			PERFORM pg_notify('%s', json_build_object(
				'table', TG_TABLE_NAME,
				'op', lower(TG_OP),
				'id', row_json->>'id',
				'batch_id', COALESCE(row_json->>'batch_id', row_json->>'id'),
				'at', now()
			)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;
	`, ChangeChannel)
	if err := db.Exec(fn).Error; err != nil {
		return fmt.Errorf("create pipeline_notify_change: %w", err)
	}
	for _, table := range []string{"pipeline_job", "run_item", "output"} {
		trigger := "trg_" + table + "_notify"
		if err := db.Exec(fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;`, trigger, table)).Error; err != nil {
			return fmt.Errorf("drop %s: %w", trigger, err)
		}
		if err := db.Exec(fmt.Sprintf(`
			CREATE TRIGGER %s AFTER INSERT OR UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION pipeline_notify_change();
		`, trigger, table)).Error; err != nil {
			return fmt.Errorf("create %s: %w", trigger, err)
		}
	}
	return nil
}
