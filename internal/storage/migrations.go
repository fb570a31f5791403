package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
)

const (
	schemaVersionMetaKey = "schema_version"
	storeNameMetaKey     = "store_name"
)

type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// Timestamps are TEXT in RFC 3339 so they read back as the same strings
// the key-value backend stores.
const stampDefault = `(strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))`

var defaultMigrations = []Migration{
	{
		Version:     1,
		Description: "create domain tables",
		Up: func(tx *sql.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS users (
					id TEXT PRIMARY KEY,
					email TEXT UNIQUE NOT NULL,
					password_hash TEXT NOT NULL,
					full_name TEXT,
					role TEXT CHECK(role IN ('teacher', 'admin', 'principal')) DEFAULT 'teacher',
					avatar_url TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `
				)`,
				`CREATE TABLE IF NOT EXISTS schools (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					address TEXT,
					phone TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `
				)`,
				`CREATE TABLE IF NOT EXISTS classes (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					subject TEXT NOT NULL,
					school_id TEXT,
					teacher_id TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (school_id) REFERENCES schools(id) ON DELETE CASCADE,
					FOREIGN KEY (teacher_id) REFERENCES users(id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS students (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					roll_number TEXT,
					email TEXT,
					phone TEXT,
					parent_phone TEXT,
					address TEXT,
					photo_url TEXT,
					class_id TEXT NOT NULL,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (class_id) REFERENCES classes(id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					class_id TEXT NOT NULL,
					topic TEXT NOT NULL,
					subtopic TEXT,
					date TEXT NOT NULL,
					exam_type TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (class_id) REFERENCES classes(id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS attendance (
					id TEXT PRIMARY KEY,
					session_id TEXT NOT NULL,
					student_id TEXT NOT NULL,
					present BOOLEAN NOT NULL DEFAULT 0,
					timestamp TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
					FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE,
					UNIQUE(session_id, student_id)
				)`,
				`CREATE TABLE IF NOT EXISTS exams (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					description TEXT,
					class_id TEXT NOT NULL,
					date TEXT NOT NULL,
					max_score INTEGER NOT NULL DEFAULT 100,
					pdf_url TEXT,
					pdf_filename TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (class_id) REFERENCES classes(id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS exam_results (
					id TEXT PRIMARY KEY,
					exam_id TEXT NOT NULL,
					student_id TEXT NOT NULL,
					score REAL NOT NULL,
					comments TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (exam_id) REFERENCES exams(id) ON DELETE CASCADE,
					FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE,
					UNIQUE(exam_id, student_id)
				)`,
				`CREATE TABLE IF NOT EXISTS assignments (
					id TEXT PRIMARY KEY,
					title TEXT NOT NULL,
					description TEXT,
					class_id TEXT NOT NULL,
					due_date TEXT NOT NULL,
					max_points INTEGER,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (class_id) REFERENCES classes(id) ON DELETE CASCADE
				)`,
				`CREATE TABLE IF NOT EXISTS assignment_submissions (
					id TEXT PRIMARY KEY,
					assignment_id TEXT NOT NULL,
					student_id TEXT NOT NULL,
					submitted BOOLEAN DEFAULT 0,
					submitted_at TEXT,
					grade REAL,
					feedback TEXT,
					created_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					updated_at TEXT NOT NULL DEFAULT ` + stampDefault + `,
					FOREIGN KEY (assignment_id) REFERENCES assignments(id) ON DELETE CASCADE,
					FOREIGN KEY (student_id) REFERENCES students(id) ON DELETE CASCADE,
					UNIQUE(assignment_id, student_id)
				)`,
			}
			for _, stmt := range statements {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("apply migration v1 statement: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "index foreign keys",
		Up: func(tx *sql.Tx) error {
			indexes := []struct{ name, table, column string }{
				{"idx_classes_school", "classes", "school_id"},
				{"idx_classes_teacher", "classes", "teacher_id"},
				{"idx_students_class", "students", "class_id"},
				{"idx_sessions_class", "sessions", "class_id"},
				{"idx_attendance_session", "attendance", "session_id"},
				{"idx_attendance_student", "attendance", "student_id"},
				{"idx_exams_class", "exams", "class_id"},
				{"idx_exam_results_exam", "exam_results", "exam_id"},
				{"idx_exam_results_student", "exam_results", "student_id"},
				{"idx_assignments_class", "assignments", "class_id"},
				{"idx_submissions_assignment", "assignment_submissions", "assignment_id"},
				{"idx_submissions_student", "assignment_submissions", "student_id"},
			}
			for _, idx := range indexes {
				stmt := `CREATE INDEX IF NOT EXISTS ` + idx.name + ` ON ` + idx.table + `(` + idx.column + `)`
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("create index %s: %w", idx.name, err)
				}
			}
			return nil
		},
	},
}

func DefaultMigrations() []Migration {
	out := make([]Migration, len(defaultMigrations))
	copy(out, defaultMigrations)
	return out
}

func CurrentSchemaVersion() int {
	return maxMigrationVersion(defaultMigrations)
}

// RunMigrations applies every migration newer than the recorded schema
// version, each in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, migrations []Migration) error {
	if db == nil {
		return fmt.Errorf("run migrations: db is nil")
	}

	if err := ensureMigrationTables(ctx, db); err != nil {
		return err
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	current, err := readSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	maxVersion := maxMigrationVersion(ordered)
	if current > maxVersion {
		return fmt.Errorf("%w: db=%d code=%d", ErrSchemaTooNew, current, maxVersion)
	}

	for _, migration := range ordered {
		if migration.Version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration v%d (%s): %w", migration.Version, migration.Description, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(version, applied_at) VALUES (?, ?)`, migration.Version, fmtTime(nowUTC())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema migration v%d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO store_meta(key, value) VALUES(?, ?)`, schemaVersionMetaKey, strconv.Itoa(migration.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update schema version v%d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", migration.Version, err)
		}
	}
	return nil
}

func ensureMigrationTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`,
		`INSERT OR IGNORE INTO store_meta(key, value) VALUES('` + schemaVersionMetaKey + `', '0')`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure migration tables: %w", err)
		}
	}
	return nil
}

func readSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var versionStr string
	if err := db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&versionStr); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", versionStr, err)
	}
	return version, nil
}

func maxMigrationVersion(migrations []Migration) int {
	max := 0
	for _, migration := range migrations {
		if migration.Version > max {
			max = migration.Version
		}
	}
	return max
}

type columnInfo struct {
	name     string
	declType string
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableColumns(ctx context.Context, q queryer, table string) ([]columnInfo, error) {
	rows, err := q.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return nil, fmt.Errorf("query table info %s: %w", table, err)
	}
	defer rows.Close()

	var out []columnInfo
	for rows.Next() {
		var (
			cid     int
			name    string
			typeStr string
			notNull int
			dfltVal sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typeStr, &notNull, &dfltVal, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		out = append(out, columnInfo{name: name, declType: typeStr})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info %s: %w", table, err)
	}
	return out, nil
}
