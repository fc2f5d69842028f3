package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tutorattend/internal/kst"
	"tutorattend/internal/schedule"
)

// fakeStore is an in-memory Store for service tests.
type fakeStore struct {
	students  map[string]Student
	schedules map[string]Schedule
	order     []string
	nextID    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students:  map[string]Student{},
		schedules: map[string]Schedule{},
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeStore) CreateStudent(_ context.Context, name string, lessonsPerWeek int, registrationDate string) (string, error) {
	id := f.id("stu")
	f.students[id] = Student{ID: id, Name: name, LessonsPerWeek: lessonsPerWeek, RegistrationDate: registrationDate}
	return id, nil
}

func (f *fakeStore) CreateSchedule(_ context.Context, studentID, title, date, clock string) (string, error) {
	if _, ok := f.students[studentID]; !ok {
		return "", fmt.Errorf("student %s not found", studentID)
	}
	id := f.id("sch")
	f.schedules[id] = Schedule{ID: id, StudentID: studentID, Title: title, Date: date, Time: clock, Status: StatusUnattended}
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeStore) UpdateScheduleStatus(_ context.Context, id string, status Status, date, clock string) error {
	sc, ok := f.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	sc.Status = status
	if date != "" {
		sc.Date = date
	}
	if clock != "" {
		sc.Time = clock
	}
	f.schedules[id] = sc
	return nil
}

func (f *fakeStore) UpdateStudent(_ context.Context, id string, upd CounterUpdate) error {
	stu, ok := f.students[id]
	if !ok {
		return fmt.Errorf("student %s not found", id)
	}
	if upd.Name != nil {
		stu.Name = *upd.Name
	}
	if upd.LessonsPerWeek != nil {
		stu.LessonsPerWeek = *upd.LessonsPerWeek
	}
	if upd.AttendanceCount != nil {
		stu.AttendanceCount = *upd.AttendanceCount
	}
	if upd.AbsentCount != nil {
		stu.AbsentCount = *upd.AbsentCount
	}
	if upd.RescheduledCount != nil {
		stu.RescheduledCount = *upd.RescheduledCount
	}
	if upd.TotalClassCount != nil {
		stu.TotalClassCount = *upd.TotalClassCount
	}
	f.students[id] = stu
	return nil
}

func (f *fakeStore) ListStudents(context.Context) ([]Student, error) {
	var res []Student
	for _, stu := range f.students {
		for _, id := range f.order {
			if f.schedules[id].StudentID == stu.ID {
				stu.Schedules = append(stu.Schedules, f.schedules[id])
			}
		}
		res = append(res, stu)
	}
	return res, nil
}

func (f *fakeStore) SchedulesOn(_ context.Context, date string) ([]ScheduleWithStudent, error) {
	var res []ScheduleWithStudent
	for _, id := range f.order {
		sc := f.schedules[id]
		if sc.Date != date {
			continue
		}
		res = append(res, ScheduleWithStudent{Schedule: sc, Student: f.students[sc.StudentID]})
	}
	return res, nil
}

func (f *fakeStore) SchedulesAt(_ context.Context, date, clock string) ([]Schedule, error) {
	var res []Schedule
	for _, id := range f.order {
		sc := f.schedules[id]
		if sc.Date == date && sc.Time == clock {
			res = append(res, sc)
		}
	}
	return res, nil
}

func (f *fakeStore) GetStudent(_ context.Context, id string) (Student, error) {
	stu, ok := f.students[id]
	if !ok {
		return Student{}, fmt.Errorf("student %s not found", id)
	}
	return stu, nil
}

func (f *fakeStore) GetSchedule(_ context.Context, id string) (Schedule, error) {
	sc, ok := f.schedules[id]
	if !ok {
		return Schedule{}, fmt.Errorf("schedule %s not found", id)
	}
	return sc, nil
}

// seed adds a student and one schedule directly, bypassing registration.
func (f *fakeStore) seed(lessonsPerWeek, total, att int, date, clock string, status Status) (string, string) {
	stuID := f.id("stu")
	f.students[stuID] = Student{
		ID: stuID, Name: "seed", LessonsPerWeek: lessonsPerWeek,
		AttendanceCount: att, TotalClassCount: total,
	}
	schID := f.id("sch")
	f.schedules[schID] = Schedule{ID: schID, StudentID: stuID, Date: date, Time: clock, Status: status}
	f.order = append(f.order, schID)
	return stuID, schID
}

// Monday 2025-06-16 10:00 KST.
var testNow = time.Date(2025, time.June, 16, 10, 0, 0, 0, kst.Zone)

func newTestService(f *fakeStore) *Service {
	svc := NewService(f)
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestRegisterStudent(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)

	res, err := svc.RegisterStudent(context.Background(), "Jiwoo", []schedule.Slot{
		{Weekday: time.Monday, Time: "09:00"},
		{Weekday: time.Thursday, Time: "16:30"},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.Created != 8 || len(res.Failures) != 0 {
		t.Fatalf("expected 8 created occurrences, got %d (failures %v)", res.Created, res.Failures)
	}

	stu := f.students[res.StudentID]
	if stu.LessonsPerWeek != 2 {
		t.Fatalf("lessonsPerWeek = %d, want 2", stu.LessonsPerWeek)
	}
	if stu.AttendanceCount+stu.AbsentCount+stu.RescheduledCount+stu.TotalClassCount != 0 {
		t.Fatalf("counters must start at zero")
	}
	if stu.RegistrationDate != "2025-06-16" {
		t.Fatalf("registrationDate = %s", stu.RegistrationDate)
	}
	for _, sc := range f.schedules {
		if sc.Status != StatusUnattended {
			t.Fatalf("new occurrence must be unattended, got %s", sc.Status)
		}
	}
	// Registration on a Monday: the Monday slot starts next week.
	if len(f.order) == 0 || f.schedules[f.order[0]].Date == "2025-06-16" {
		t.Fatalf("same-day occurrence must not be created")
	}
}

func TestRegisterStudentValidation(t *testing.T) {
	svc := newTestService(newFakeStore())
	if _, err := svc.RegisterStudent(context.Background(), "", []schedule.Slot{{Weekday: time.Monday, Time: "09:00"}}); err == nil {
		t.Fatalf("empty name must fail")
	}
	if _, err := svc.RegisterStudent(context.Background(), "A", nil); err == nil {
		t.Fatalf("empty pattern must fail")
	}
	if _, err := svc.RegisterStudent(context.Background(), "A", []schedule.Slot{{Weekday: time.Monday, Time: "9am"}}); err == nil {
		t.Fatalf("bad slot time must fail")
	}
}

func TestSweepMarksDueAttended(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 3, 3, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	applied, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(applied))
	}
	if f.schedules[schID].Status != StatusAttended {
		t.Fatalf("status = %s, want attended", f.schedules[schID].Status)
	}
	stu := f.students[stuID]
	if stu.AttendanceCount != 4 || stu.TotalClassCount != 4 {
		t.Fatalf("counters = %d/%d, want 4/4", stu.AttendanceCount, stu.TotalClassCount)
	}
}

func TestSweepQuotaGuard(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 4, 4, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	applied, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("quota-exhausted student must not be attended")
	}
	if f.schedules[schID].Status != StatusUnattended {
		t.Fatalf("status changed despite exhausted quota")
	}
	if f.students[stuID].TotalClassCount != 4 {
		t.Fatalf("counters mutated despite exhausted quota")
	}
}

func TestSweepSkipsFutureAndSettled(t *testing.T) {
	f := newFakeStore()
	f.seed(1, 0, 0, "2025-06-16", "23:59", StatusUnattended) // not yet due
	f.seed(1, 1, 1, "2025-06-16", "09:00", StatusAttended)   // already attended
	f.seed(1, 1, 0, "2025-06-16", "09:00", StatusAbsent)     // absent stays absent
	svc := newTestService(f)

	applied, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no transitions, got %d", len(applied))
	}
}

func TestSweepAttendsDueRescheduled(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 0, 0, "2025-06-16", "08:00", StatusRescheduled)
	svc := newTestService(f)

	if _, err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if f.schedules[schID].Status != StatusAttended {
		t.Fatalf("due rescheduled lesson must become attended")
	}
	if f.students[stuID].TotalClassCount != 1 {
		t.Fatalf("total = %d, want 1", f.students[stuID].TotalClassCount)
	}
}

func TestSweepIdempotent(t *testing.T) {
	f := newFakeStore()
	stuID, _ := f.seed(2, 0, 0, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	if _, err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	after := f.students[stuID]
	applied, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("second sweep applied %d transitions", len(applied))
	}
	again := f.students[stuID]
	if again.AttendanceCount != after.AttendanceCount || again.TotalClassCount != after.TotalClassCount {
		t.Fatalf("second sweep mutated counters: %+v vs %+v", again, after)
	}
}

func TestSweepTwoLessonsSameStudent(t *testing.T) {
	f := newFakeStore()
	stuID, _ := f.seed(2, 0, 0, "2025-06-16", "08:00", StatusUnattended)
	schID2 := f.id("sch")
	f.schedules[schID2] = Schedule{ID: schID2, StudentID: stuID, Date: "2025-06-16", Time: "09:30", Status: StatusUnattended}
	f.order = append(f.order, schID2)
	svc := newTestService(f)

	applied, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected both lessons attended, got %d", len(applied))
	}
	stu := f.students[stuID]
	if stu.AttendanceCount != 2 || stu.TotalClassCount != 2 {
		t.Fatalf("second increment lost: %d/%d", stu.AttendanceCount, stu.TotalClassCount)
	}
}

func TestSweepQuotaExhaustsMidSweep(t *testing.T) {
	// lessonsPerWeek=1 means quota 4; the first due lesson brings total to
	// 4 and must block the second in the same sweep.
	f := newFakeStore()
	stuID, _ := f.seed(1, 3, 3, "2025-06-16", "08:00", StatusUnattended)
	schID2 := f.id("sch")
	f.schedules[schID2] = Schedule{ID: schID2, StudentID: stuID, Date: "2025-06-16", Time: "09:30", Status: StatusUnattended}
	f.order = append(f.order, schID2)
	svc := newTestService(f)

	applied, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected quota to block second lesson, got %d transitions", len(applied))
	}
	if f.schedules[schID2].Status != StatusUnattended {
		t.Fatalf("second lesson must stay unattended")
	}
}

func TestMarkAbsentFromUnattended(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 0, 0, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	tr, err := svc.MarkAbsent(context.Background(), schID)
	if err != nil {
		t.Fatalf("mark absent failed: %v", err)
	}
	if tr.From != StatusUnattended || tr.To != StatusAbsent {
		t.Fatalf("transition %s -> %s", tr.From, tr.To)
	}
	stu := f.students[stuID]
	if stu.AbsentCount != 1 || stu.TotalClassCount != 1 {
		t.Fatalf("counters = absent %d total %d, want 1/1", stu.AbsentCount, stu.TotalClassCount)
	}
}

func TestMarkAbsentFromAttendedKeepsTotal(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 1, 1, "2025-06-16", "09:00", StatusAttended)
	svc := newTestService(f)

	if _, err := svc.MarkAbsent(context.Background(), schID); err != nil {
		t.Fatalf("mark absent failed: %v", err)
	}
	stu := f.students[stuID]
	if stu.AbsentCount != 1 {
		t.Fatalf("absent = %d, want 1", stu.AbsentCount)
	}
	if stu.TotalClassCount != 1 {
		t.Fatalf("total = %d, want unchanged 1", stu.TotalClassCount)
	}
}

func TestMarkAbsentRejectsSettledStates(t *testing.T) {
	f := newFakeStore()
	_, absentID := f.seed(1, 1, 0, "2025-06-16", "09:00", StatusAbsent)
	_, reschedID := f.seed(1, 0, 0, "2025-06-17", "09:00", StatusRescheduled)
	svc := newTestService(f)

	for _, id := range []string{absentID, reschedID} {
		if _, err := svc.MarkAbsent(context.Background(), id); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("schedule %s: expected ErrInvalidTransition, got %v", id, err)
		}
	}
}

func TestMarkAbsentNoLinkedStudent(t *testing.T) {
	f := newFakeStore()
	f.schedules["orphan"] = Schedule{ID: "orphan", Date: "2025-06-16", Time: "09:00", Status: StatusUnattended}
	f.order = append(f.order, "orphan")
	svc := newTestService(f)

	if _, err := svc.MarkAbsent(context.Background(), "orphan"); !errors.Is(err, ErrNoLinkedStudent) {
		t.Fatalf("expected ErrNoLinkedStudent, got %v", err)
	}
}

func TestReschedule(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 0, 0, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	tr, err := svc.Reschedule(context.Background(), schID, "2025-06-20", "11:00")
	if err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if tr.To != StatusRescheduled {
		t.Fatalf("transition to %s", tr.To)
	}
	sc := f.schedules[schID]
	if sc.Status != StatusRescheduled || sc.Date != "2025-06-20" || sc.Time != "11:00" {
		t.Fatalf("schedule not moved: %+v", sc)
	}
	stu := f.students[stuID]
	if stu.RescheduledCount != 1 {
		t.Fatalf("rescheduled = %d, want 1", stu.RescheduledCount)
	}
	if stu.TotalClassCount != 0 {
		t.Fatalf("total must not change on reschedule, got %d", stu.TotalClassCount)
	}
}

func TestRescheduleConflictMutatesNothing(t *testing.T) {
	f := newFakeStore()
	stuID, schID := f.seed(1, 0, 0, "2025-06-16", "09:00", StatusUnattended)
	otherStu, otherSch := f.seed(1, 0, 0, "2025-06-20", "11:00", StatusUnattended)
	svc := newTestService(f)

	_, err := svc.Reschedule(context.Background(), schID, "2025-06-20", "11:00")
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if sc := f.schedules[schID]; sc.Date != "2025-06-16" || sc.Status != StatusUnattended {
		t.Fatalf("source schedule mutated: %+v", sc)
	}
	if sc := f.schedules[otherSch]; sc.Date != "2025-06-20" || sc.Status != StatusUnattended {
		t.Fatalf("occupying schedule mutated: %+v", sc)
	}
	if f.students[stuID].RescheduledCount != 0 || f.students[otherStu].RescheduledCount != 0 {
		t.Fatalf("counters mutated on conflict")
	}
}

func TestRescheduleOwnSlotAllowed(t *testing.T) {
	f := newFakeStore()
	_, schID := f.seed(1, 0, 0, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	// Moving a schedule onto the slot it already occupies conflicts only
	// with itself and must succeed.
	if _, err := svc.Reschedule(context.Background(), schID, "2025-06-16", "09:00"); err != nil {
		t.Fatalf("reschedule onto own slot failed: %v", err)
	}
}

func TestCounterInvariant(t *testing.T) {
	f := newFakeStore()
	svc := newTestService(f)

	res, err := svc.RegisterStudent(context.Background(), "Mina", []schedule.Slot{
		{Weekday: time.Monday, Time: "09:00"},
		{Weekday: time.Wednesday, Time: "14:00"},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// Pull two occurrences into today so the sweep can reach them, absent
	// a third, reschedule a fourth.
	ids := f.order
	_ = f.UpdateScheduleStatus(context.Background(), ids[0], StatusUnattended, "2025-06-16", "08:00")
	_ = f.UpdateScheduleStatus(context.Background(), ids[1], StatusUnattended, "2025-06-16", "09:30")
	if _, err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if _, err := svc.MarkAbsent(context.Background(), ids[2]); err != nil {
		t.Fatalf("mark absent failed: %v", err)
	}
	if _, err := svc.Reschedule(context.Background(), ids[3], "2025-08-01", "10:00"); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	// Reverse one attendance into an absence.
	if _, err := svc.MarkAbsent(context.Background(), ids[0]); err != nil {
		t.Fatalf("mark absent on attended failed: %v", err)
	}

	stu := f.students[res.StudentID]
	settled := 0
	for _, id := range f.order {
		if s := f.schedules[id].Status; s == StatusAttended || s == StatusAbsent {
			settled++
		}
	}
	if stu.TotalClassCount != settled {
		t.Fatalf("total %d != settled schedules %d", stu.TotalClassCount, settled)
	}
	if stu.AttendanceCount != 2 || stu.AbsentCount != 2 || stu.RescheduledCount != 1 {
		t.Fatalf("counters = %d/%d/%d, want 2/2/1", stu.AttendanceCount, stu.AbsentCount, stu.RescheduledCount)
	}
}

func TestTodaySchedulesAppliesSweep(t *testing.T) {
	f := newFakeStore()
	_, schID := f.seed(1, 3, 3, "2025-06-16", "09:00", StatusUnattended)
	svc := newTestService(f)

	rows, applied, err := svc.TodaySchedules(context.Background())
	if err != nil {
		t.Fatalf("today schedules failed: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("expected sweep to run, got %d transitions", len(applied))
	}
	if len(rows) != 1 || rows[0].ID != schID {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[0].Status != StatusAttended {
		t.Fatalf("returned rows must reflect the sweep, got %s", rows[0].Status)
	}
	if rows[0].QuotaExhausted != true {
		t.Fatalf("quota flag not computed")
	}
}
