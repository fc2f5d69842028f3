package attendance

import "context"

// Status is the lifecycle state of a single lesson occurrence.
type Status string

const (
	StatusUnattended  Status = "unattended"
	StatusAttended    Status = "attended"
	StatusAbsent      Status = "absent"
	StatusRescheduled Status = "rescheduled"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusUnattended, StatusAttended, StatusAbsent, StatusRescheduled:
		return true
	}
	return false
}

// Student is a registered student with its aggregate lesson counters.
// totalClassCount tracks lessons that have concluded (attended or absent);
// rescheduled lessons do not count until they conclude at their new slot.
type Student struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	LessonsPerWeek   int        `json:"lessons_per_week"`
	AttendanceCount  int        `json:"attendance_count"`
	AbsentCount      int        `json:"absent_count"`
	RescheduledCount int        `json:"rescheduled_count"`
	TotalClassCount  int        `json:"total_class_count"`
	RegistrationDate string     `json:"registration_date,omitempty"`
	Schedules        []Schedule `json:"schedules,omitempty"`
}

// QuotaExhausted reports whether the student has used up the lessons
// provisioned by the current registration batch (4 per weekly slot).
func (s Student) QuotaExhausted() bool {
	return s.LessonsPerWeek*4 <= s.TotalClassCount
}

// Schedule is one concrete lesson occurrence belonging to a student.
type Schedule struct {
	ID        string `json:"id"`
	StudentID string `json:"student_id"`
	Title     string `json:"title,omitempty"`
	Date      string `json:"date"` // YYYY-MM-DD
	Time      string `json:"time"` // HH:MM
	Status    Status `json:"status"`
}

// ScheduleWithStudent is a schedule joined with its owning student, as the
// today and by-date screens render it.
type ScheduleWithStudent struct {
	Schedule
	Student        Student `json:"student"`
	QuotaExhausted bool    `json:"quota_exhausted"`
}

// CounterUpdate carries a partial student update. Nil fields are left
// untouched. Counter values are absolute: callers read the current value,
// add to it, and write the result back (last write wins, matching the
// backing store's field-update semantics).
type CounterUpdate struct {
	Name             *string
	LessonsPerWeek   *int
	AttendanceCount  *int
	AbsentCount      *int
	RescheduledCount *int
	TotalClassCount  *int
}

// Store is the backing-store client consumed by the lifecycle service.
// Implementations: the Notion client (internal/notion) and the Postgres
// Repository in this package.
type Store interface {
	ListStudents(ctx context.Context) ([]Student, error)
	CreateStudent(ctx context.Context, name string, lessonsPerWeek int, registrationDate string) (string, error)
	CreateSchedule(ctx context.Context, studentID, title, date, clock string) (string, error)
	UpdateScheduleStatus(ctx context.Context, id string, status Status, date, clock string) error
	UpdateStudent(ctx context.Context, id string, upd CounterUpdate) error
	SchedulesOn(ctx context.Context, date string) ([]ScheduleWithStudent, error)
	SchedulesAt(ctx context.Context, date, clock string) ([]Schedule, error)
	GetStudent(ctx context.Context, id string) (Student, error)
	GetSchedule(ctx context.Context, id string) (Schedule, error)
}
