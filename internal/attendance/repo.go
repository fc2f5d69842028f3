package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Repository is the Postgres-backed Store, for deployments that keep the
// records in their own database instead of Notion.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the students and schedules tables when missing. One
// statement per Exec; pgx does not batch multiple statements.
func (r *Repository) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			lessons_per_week INT NOT NULL,
			attendance_count INT NOT NULL DEFAULT 0,
			absent_count INT NOT NULL DEFAULT 0,
			rescheduled_count INT NOT NULL DEFAULT 0,
			total_class_count INT NOT NULL DEFAULT 0,
			registration_date TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL REFERENCES students(id),
			title TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			time TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'unattended',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_date ON schedules (date)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_student ON schedules (student_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateStudent inserts a student with zeroed counters.
func (r *Repository) CreateStudent(ctx context.Context, name string, lessonsPerWeek int, registrationDate string) (string, error) {
	if name == "" {
		return "", errors.New("student name required")
	}
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, name, lessons_per_week, registration_date)
		VALUES ($1, $2, $3, $4)
	`, id, name, lessonsPerWeek, registrationDate)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateSchedule inserts an occurrence with status unattended.
func (r *Repository) CreateSchedule(ctx context.Context, studentID, title, date, clock string) (string, error) {
	if studentID == "" {
		return "", errors.New("student id required")
	}
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (id, student_id, title, date, time, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, studentID, title, date, clock, StatusUnattended)
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateScheduleStatus sets a schedule's status, and its date/time when
// non-empty.
func (r *Repository) UpdateScheduleStatus(ctx context.Context, id string, status Status, date, clock string) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	sets := []string{"status = $2"}
	args := []any{id, string(status)}
	if date != "" {
		args = append(args, date)
		sets = append(sets, "date = $"+itoa(len(args)))
	}
	if clock != "" {
		args = append(args, clock)
		sets = append(sets, "time = $"+itoa(len(args)))
	}
	res, err := r.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}

// UpdateStudent applies a partial update; nil fields are untouched.
func (r *Repository) UpdateStudent(ctx context.Context, id string, upd CounterUpdate) error {
	sets := []string{}
	args := []any{id}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, col+" = $"+itoa(len(args)))
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.LessonsPerWeek != nil {
		add("lessons_per_week", *upd.LessonsPerWeek)
	}
	if upd.AttendanceCount != nil {
		add("attendance_count", *upd.AttendanceCount)
	}
	if upd.AbsentCount != nil {
		add("absent_count", *upd.AbsentCount)
	}
	if upd.RescheduledCount != nil {
		add("rescheduled_count", *upd.RescheduledCount)
	}
	if upd.TotalClassCount != nil {
		add("total_class_count", *upd.TotalClassCount)
	}
	if len(sets) == 0 {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE students SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("student %s not found", id)
	}
	return nil
}

// ListStudents returns all students with their schedules nested.
func (r *Repository) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, lessons_per_week, attendance_count, absent_count,
		       rescheduled_count, total_class_count, COALESCE(registration_date, '')
		FROM students
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	index := map[string]int{}
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.Name, &s.LessonsPerWeek, &s.AttendanceCount,
			&s.AbsentCount, &s.RescheduledCount, &s.TotalClassCount, &s.RegistrationDate); err != nil {
			return nil, err
		}
		index[s.ID] = len(students)
		students = append(students, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, title, date, time, status
		FROM schedules
		ORDER BY date, time
	`)
	if err != nil {
		return nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var sc Schedule
		if err := srows.Scan(&sc.ID, &sc.StudentID, &sc.Title, &sc.Date, &sc.Time, &sc.Status); err != nil {
			return nil, err
		}
		if i, ok := index[sc.StudentID]; ok {
			students[i].Schedules = append(students[i].Schedules, sc)
		}
	}
	return students, srows.Err()
}

// SchedulesOn returns the schedules for a date joined with their students.
func (r *Repository) SchedulesOn(ctx context.Context, date string) ([]ScheduleWithStudent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sc.id, sc.student_id, sc.title, sc.date, sc.time, sc.status,
		       st.id, st.name, st.lessons_per_week, st.attendance_count,
		       st.absent_count, st.rescheduled_count, st.total_class_count,
		       COALESCE(st.registration_date, '')
		FROM schedules sc
		JOIN students st ON st.id = sc.student_id
		WHERE sc.date = $1
		ORDER BY sc.time, sc.id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ScheduleWithStudent
	for rows.Next() {
		var row ScheduleWithStudent
		if err := rows.Scan(&row.ID, &row.StudentID, &row.Title, &row.Date, &row.Time, &row.Status,
			&row.Student.ID, &row.Student.Name, &row.Student.LessonsPerWeek,
			&row.Student.AttendanceCount, &row.Student.AbsentCount,
			&row.Student.RescheduledCount, &row.Student.TotalClassCount,
			&row.Student.RegistrationDate); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// SchedulesAt returns every schedule occupying an exact (date, time) slot.
func (r *Repository) SchedulesAt(ctx context.Context, date, clock string) ([]Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, title, date, time, status
		FROM schedules
		WHERE date = $1 AND time = $2
	`, date, clock)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Schedule
	for rows.Next() {
		var sc Schedule
		if err := rows.Scan(&sc.ID, &sc.StudentID, &sc.Title, &sc.Date, &sc.Time, &sc.Status); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}

// GetStudent returns a single student without nested schedules.
func (r *Repository) GetStudent(ctx context.Context, id string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, lessons_per_week, attendance_count, absent_count,
		       rescheduled_count, total_class_count, COALESCE(registration_date, '')
		FROM students WHERE id = $1
	`, id)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.LessonsPerWeek, &s.AttendanceCount,
		&s.AbsentCount, &s.RescheduledCount, &s.TotalClassCount, &s.RegistrationDate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, fmt.Errorf("student %s not found", id)
		}
		return Student{}, err
	}
	return s, nil
}

// GetSchedule returns a single schedule by id.
func (r *Repository) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, title, date, time, status
		FROM schedules WHERE id = $1
	`, id)
	var sc Schedule
	if err := row.Scan(&sc.ID, &sc.StudentID, &sc.Title, &sc.Date, &sc.Time, &sc.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Schedule{}, fmt.Errorf("schedule %s not found", id)
		}
		return Schedule{}, err
	}
	return sc, nil
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }
