package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tutorattend/internal/kst"
	"tutorattend/internal/metrics"
	"tutorattend/internal/schedule"
)

var (
	// ErrSlotTaken means the reschedule target (date, time) is already
	// occupied by another schedule. Best-effort guard: the check and the
	// write are separate calls against the backing store.
	ErrSlotTaken = errors.New("a schedule already exists at that date and time")

	// ErrNoLinkedStudent means a schedule record has no student relation.
	ErrNoLinkedStudent = errors.New("schedule has no linked student")

	// ErrInvalidTransition means the requested status change is not allowed
	// from the schedule's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transition records one applied status change, for the event queue and
// the audit log.
type Transition struct {
	ScheduleID string `json:"schedule_id"`
	StudentID  string `json:"student_id"`
	From       Status `json:"from"`
	To         Status `json:"to"`
	Date       string `json:"date"`
	Time       string `json:"time"`
}

// RegistrationResult is the aggregate outcome of a registration batch.
// Every occurrence write is awaited; failures are collected per item
// rather than dropped.
type RegistrationResult struct {
	StudentID string   `json:"student_id"`
	Created   int      `json:"created"`
	Failures  []string `json:"failures,omitempty"`
}

// Service drives schedule status transitions and keeps the per-student
// aggregate counters consistent with them. It holds no state of its own;
// all durable state lives in the injected Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a lifecycle service backed by a store.
func NewService(store Store) *Service {
	return &Service{store: store, now: kst.Now}
}

// RegisterStudent creates a student and its first batch of lesson
// occurrences derived from the weekly pattern. lessonsPerWeek is the
// pattern size. A failure before the student record exists is returned as
// an error; per-occurrence failures after that are aggregated in the result.
func (s *Service) RegisterStudent(ctx context.Context, name string, pattern []schedule.Slot) (RegistrationResult, error) {
	if name == "" {
		return RegistrationResult{}, errors.New("student name required")
	}
	if len(pattern) == 0 || len(pattern) > 7 {
		return RegistrationResult{}, errors.New("weekly pattern must have 1 to 7 slots")
	}
	for _, slot := range pattern {
		if _, err := time.Parse("15:04", slot.Time); err != nil {
			return RegistrationResult{}, fmt.Errorf("invalid slot time %q", slot.Time)
		}
	}

	today := kst.DateString(s.now())
	studentID, err := s.store.CreateStudent(ctx, name, len(pattern), today)
	if err != nil {
		return RegistrationResult{}, err
	}

	res := RegistrationResult{StudentID: studentID}
	for _, occ := range schedule.Derive(pattern, s.now()) {
		title := name + " " + occ.Date + " " + occ.Time
		if _, err := s.store.CreateSchedule(ctx, studentID, title, occ.Date, occ.Time); err != nil {
			res.Failures = append(res.Failures, fmt.Sprintf("%s %s: %v", occ.Date, occ.Time, err))
			continue
		}
		res.Created++
	}
	return res, nil
}

// ListStudents returns all students with their nested schedules.
func (s *Service) ListStudents(ctx context.Context) ([]Student, error) {
	return s.store.ListStudents(ctx)
}

// SchedulesOn returns the schedules for a calendar date, each joined with
// its student and quota flag.
func (s *Service) SchedulesOn(ctx context.Context, date string) ([]ScheduleWithStudent, error) {
	rows, err := s.store.SchedulesOn(ctx, kst.Date(date))
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].QuotaExhausted = rows[i].Student.QuotaExhausted()
	}
	return rows, nil
}

// TodaySchedules applies the automatic attendance sweep for today, then
// returns today's schedules. The applied transitions are returned so the
// caller can publish them.
func (s *Service) TodaySchedules(ctx context.Context) ([]ScheduleWithStudent, []Transition, error) {
	applied, err := s.Sweep(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.SchedulesOn(ctx, kst.DateString(s.now()))
	if err != nil {
		return nil, applied, err
	}
	return rows, applied, nil
}

// Sweep marks every due schedule for today as attended: a schedule that is
// unattended or rescheduled, whose date+time has passed in KST, and whose
// student still has quota, becomes attended with attendanceCount and
// totalClassCount each incremented. Re-running with no time elapsed is a
// no-op.
func (s *Service) Sweep(ctx context.Context) ([]Transition, error) {
	now := s.now()
	rows, err := s.store.SchedulesOn(ctx, kst.DateString(now))
	if err != nil {
		return nil, err
	}

	// Counters updated earlier in this sweep must stay visible to later
	// schedules of the same student, or a second lesson on the same day
	// would overwrite the first increment.
	fresh := make(map[string]Student)
	var applied []Transition
	for _, row := range rows {
		if row.Status != StatusUnattended && row.Status != StatusRescheduled {
			continue
		}
		if !kst.Due(row.Date, row.Time, now) {
			continue
		}
		stu, ok := fresh[row.Student.ID]
		if !ok {
			stu = row.Student
		}
		if stu.QuotaExhausted() {
			continue
		}

		if err := s.store.UpdateScheduleStatus(ctx, row.ID, StatusAttended, "", ""); err != nil {
			return applied, err
		}
		att := stu.AttendanceCount + 1
		total := stu.TotalClassCount + 1
		if err := s.store.UpdateStudent(ctx, stu.ID, CounterUpdate{AttendanceCount: &att, TotalClassCount: &total}); err != nil {
			return applied, err
		}
		stu.AttendanceCount = att
		stu.TotalClassCount = total
		fresh[stu.ID] = stu

		metrics.Transitions.WithLabelValues(string(StatusAttended)).Inc()
		applied = append(applied, Transition{
			ScheduleID: row.ID,
			StudentID:  stu.ID,
			From:       row.Status,
			To:         StatusAttended,
			Date:       row.Date,
			Time:       row.Time,
		})
	}
	metrics.SweepRuns.Inc()
	return applied, nil
}

// MarkAbsent moves an unattended or attended schedule to absent and bumps
// the student's absent counter. totalClassCount is bumped only when the
// prior status was not attended, so reversing an attendance into an
// absence does not count the lesson twice.
func (s *Service) MarkAbsent(ctx context.Context, scheduleID string) (Transition, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Transition{}, err
	}
	if sched.StudentID == "" {
		return Transition{}, ErrNoLinkedStudent
	}
	if sched.Status != StatusUnattended && sched.Status != StatusAttended {
		return Transition{}, fmt.Errorf("%w: cannot mark %s schedule absent", ErrInvalidTransition, sched.Status)
	}

	if err := s.store.UpdateScheduleStatus(ctx, scheduleID, StatusAbsent, "", ""); err != nil {
		return Transition{}, err
	}
	stu, err := s.store.GetStudent(ctx, sched.StudentID)
	if err != nil {
		return Transition{}, err
	}
	absent := stu.AbsentCount + 1
	upd := CounterUpdate{AbsentCount: &absent}
	if sched.Status != StatusAttended {
		total := stu.TotalClassCount + 1
		upd.TotalClassCount = &total
	}
	if err := s.store.UpdateStudent(ctx, stu.ID, upd); err != nil {
		return Transition{}, err
	}

	metrics.Transitions.WithLabelValues(string(StatusAbsent)).Inc()
	return Transition{
		ScheduleID: scheduleID,
		StudentID:  stu.ID,
		From:       sched.Status,
		To:         StatusAbsent,
		Date:       sched.Date,
		Time:       sched.Time,
	}, nil
}

// Reschedule moves a schedule to a new date and time. The target slot must
// not be occupied by any other schedule; on conflict nothing is mutated.
// totalClassCount is not incremented because the lesson has not happened
// yet at its new slot.
func (s *Service) Reschedule(ctx context.Context, scheduleID, date, clock string) (Transition, error) {
	if _, err := time.Parse("15:04", clock); err != nil {
		return Transition{}, fmt.Errorf("invalid time %q", clock)
	}
	date = kst.Date(date)

	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Transition{}, err
	}
	if sched.StudentID == "" {
		return Transition{}, ErrNoLinkedStudent
	}

	taken, err := s.store.SchedulesAt(ctx, date, clock)
	if err != nil {
		return Transition{}, err
	}
	for _, other := range taken {
		if other.ID != scheduleID {
			return Transition{}, ErrSlotTaken
		}
	}

	if err := s.store.UpdateScheduleStatus(ctx, scheduleID, StatusRescheduled, date, clock); err != nil {
		return Transition{}, err
	}
	stu, err := s.store.GetStudent(ctx, sched.StudentID)
	if err != nil {
		return Transition{}, err
	}
	resched := stu.RescheduledCount + 1
	if err := s.store.UpdateStudent(ctx, stu.ID, CounterUpdate{RescheduledCount: &resched}); err != nil {
		return Transition{}, err
	}

	metrics.Transitions.WithLabelValues(string(StatusRescheduled)).Inc()
	return Transition{
		ScheduleID: scheduleID,
		StudentID:  stu.ID,
		From:       sched.Status,
		To:         StatusRescheduled,
		Date:       date,
		Time:       clock,
	}, nil
}

// UpdateStudent applies a partial student update (name, lessonsPerWeek or
// raw counter values).
func (s *Service) UpdateStudent(ctx context.Context, studentID string, upd CounterUpdate) error {
	return s.store.UpdateStudent(ctx, studentID, upd)
}
