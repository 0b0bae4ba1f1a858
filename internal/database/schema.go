package database

import (
	"context"

	"task-scheduler/backend/internal/models"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT DEFAULT 'user' CHECK(role IN ('admin', 'user')),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT,
		schedule TEXT NOT NULL,
		handler TEXT NOT NULL,
		enabled BOOLEAN DEFAULT TRUE,
		last_run DATETIME NULL,
		next_run DATETIME NULL,
		status TEXT DEFAULT 'pending' CHECK(status IN ('pending', 'running', 'completed', 'failed')),
		error_count INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		status TEXT NOT NULL CHECK(status IN ('started', 'completed', 'failed')),
		message TEXT,
		duration_ms INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	)`,
	`CREATE TABLE IF NOT EXISTS todos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		priority TEXT DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high')),
		completed BOOLEAN DEFAULT FALSE,
		due_date DATETIME NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id, created_at)`,
	`CREATE TRIGGER IF NOT EXISTS update_users_updated_at
	AFTER UPDATE ON users
	BEGIN
		UPDATE users SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS update_tasks_updated_at
	AFTER UPDATE ON tasks
	BEGIN
		UPDATE tasks SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS update_todos_updated_at
	AFTER UPDATE ON todos
	BEGIN
		UPDATE todos SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
	END`,
}

// touchedTables carry an updated_at column that is refreshed on every update.
var touchedTables = []string{"users", "tasks", "todos"}

func postgresTriggers() []string {
	stmts := []string{
		`CREATE OR REPLACE FUNCTION touch_updated_at() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
	}
	for _, table := range touchedTables {
		trigger := "update_" + table + "_updated_at"
		stmts = append(stmts,
			"DROP TRIGGER IF EXISTS "+trigger+" ON "+table,
			"CREATE TRIGGER "+trigger+" BEFORE UPDATE ON "+table+
				" FOR EACH ROW EXECUTE FUNCTION touch_updated_at()",
		)
	}
	return stmts
}

// Migrate creates the schema if it does not exist yet. Running it again is a
// no-op.
func (s *Store) Migrate(ctx context.Context) error {
	if s.Driver() == DriverPostgres {
		if err := s.DB(ctx).AutoMigrate(&models.User{}, &models.Task{}, &models.TaskLog{}, &models.Todo{}); err != nil {
			return s.fail("migrate", err)
		}
		for _, stmt := range postgresTriggers() {
			if err := s.DB(ctx).Exec(stmt).Error; err != nil {
				return s.fail("migrate", err)
			}
		}
		s.log.Info("database schema migrated")
		return nil
	}

	for _, stmt := range sqliteSchema {
		if err := s.DB(ctx).Exec(stmt).Error; err != nil {
			return s.fail("migrate", err)
		}
	}
	s.log.Info("database schema initialized")
	return nil
}
