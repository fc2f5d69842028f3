package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tutorattend/internal/attendance"
)

const (
	defaultBaseURL = "https://api.notion.com"
	apiVersion     = "2022-06-28"
)

// Status names as stored on the Notion status property. The databases were
// set up in Korean by the original mobile client.
var statusNames = map[attendance.Status]string{
	attendance.StatusUnattended:  "미출석",
	attendance.StatusAttended:    "출석",
	attendance.StatusAbsent:      "결석",
	attendance.StatusRescheduled: "연기",
}

func statusFromName(name string) attendance.Status {
	for status, n := range statusNames {
		if n == name {
			return status
		}
	}
	return attendance.StatusUnattended
}

// Client is the Notion-backed store. Students and schedules live as pages
// in two Notion databases linked by a relation property.
type Client struct {
	BaseURL    string
	HTTP       *http.Client
	apiKey     string
	studentDB  string
	scheduleDB string
}

// New creates a client. The API key and both database ids are required;
// nothing works without them.
func New(baseURL, apiKey, studentDB, scheduleDB string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("notion api key not set")
	}
	if studentDB == "" {
		return nil, errors.New("notion student database id not set")
	}
	if scheduleDB == "" {
		return nil, errors.New("notion schedule database id not set")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		BaseURL:    baseURL,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		apiKey:     apiKey,
		studentDB:  studentDB,
		scheduleDB: scheduleDB,
	}, nil
}

// --- wire types ---

type page struct {
	ID         string              `json:"id"`
	Properties map[string]property `json:"properties"`
}

type property struct {
	Title    []textFragment `json:"title,omitempty"`
	RichText []textFragment `json:"rich_text,omitempty"`
	Number   *float64       `json:"number,omitempty"`
	Date     *dateValue     `json:"date,omitempty"`
	Status   *statusValue   `json:"status,omitempty"`
	Relation []relationRef  `json:"relation,omitempty"`
}

type textFragment struct {
	PlainText string `json:"plain_text,omitempty"`
	Text      struct {
		Content string `json:"content"`
	} `json:"text"`
}

type dateValue struct {
	Start string `json:"start"`
}

type statusValue struct {
	Name string `json:"name"`
}

type relationRef struct {
	ID string `json:"id"`
}

type queryResponse struct {
	Results []page `json:"results"`
}

func (p property) text() string {
	for _, frag := range append(p.Title, p.RichText...) {
		if frag.PlainText != "" {
			return frag.PlainText
		}
		if frag.Text.Content != "" {
			return frag.Text.Content
		}
	}
	return ""
}

func (p property) number() int {
	if p.Number == nil {
		return 0
	}
	return int(*p.Number)
}

func titleProp(s string) property {
	var frag textFragment
	frag.Text.Content = s
	return property{Title: []textFragment{frag}}
}

func richTextProp(s string) property {
	var frag textFragment
	frag.Text.Content = s
	return property{RichText: []textFragment{frag}}
}

func numberProp(n int) property {
	f := float64(n)
	return property{Number: &f}
}

// --- transport ---

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notion error %s: %s", resp.Status, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode notion response: %w", err)
	}
	return nil
}

func (c *Client) createPage(ctx context.Context, databaseID string, props map[string]property) (string, error) {
	body := map[string]any{
		"parent":     map[string]any{"database_id": databaseID},
		"properties": props,
	}
	var created page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *Client) updatePage(ctx context.Context, pageID string, props map[string]property) error {
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, map[string]any{"properties": props}, nil)
}

func (c *Client) retrievePage(ctx context.Context, pageID string) (page, error) {
	var p page
	err := c.do(ctx, http.MethodGet, "/v1/pages/"+pageID, nil, &p)
	return p, err
}

func (c *Client) queryDatabase(ctx context.Context, databaseID string, filter any) ([]page, error) {
	body := map[string]any{}
	if filter != nil {
		body["filter"] = filter
	}
	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, "/v1/databases/"+databaseID+"/query", body, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// --- attendance.Store ---

// CreateStudent adds a student page with zeroed counters.
func (c *Client) CreateStudent(ctx context.Context, name string, lessonsPerWeek int, registrationDate string) (string, error) {
	return c.createPage(ctx, c.studentDB, map[string]property{
		"name":             titleProp(name),
		"lessonsPerWeek":   numberProp(lessonsPerWeek),
		"attendanceCount":  numberProp(0),
		"absentCount":      numberProp(0),
		"rescheduledCount": numberProp(0),
		"totalClassCount":  numberProp(0),
		"registrationDate": {Date: &dateValue{Start: registrationDate}},
	})
}

// CreateSchedule adds a schedule page linked to a student, status 미출석.
func (c *Client) CreateSchedule(ctx context.Context, studentID, title, date, clock string) (string, error) {
	return c.createPage(ctx, c.scheduleDB, map[string]property{
		"title":   titleProp(title),
		"Student": {Relation: []relationRef{{ID: studentID}}},
		"date":    {Date: &dateValue{Start: date}},
		"time":    richTextProp(clock),
		"status":  {Status: &statusValue{Name: statusNames[attendance.StatusUnattended]}},
	})
}

// UpdateScheduleStatus patches a schedule's status, and its date/time when
// non-empty.
func (c *Client) UpdateScheduleStatus(ctx context.Context, id string, status attendance.Status, date, clock string) error {
	name, ok := statusNames[status]
	if !ok {
		return fmt.Errorf("unknown status %q", status)
	}
	props := map[string]property{
		"status": {Status: &statusValue{Name: name}},
	}
	if date != "" {
		props["date"] = property{Date: &dateValue{Start: date}}
	}
	if clock != "" {
		props["time"] = richTextProp(clock)
	}
	return c.updatePage(ctx, id, props)
}

// UpdateStudent patches the provided student fields.
func (c *Client) UpdateStudent(ctx context.Context, id string, upd attendance.CounterUpdate) error {
	props := map[string]property{}
	if upd.Name != nil {
		props["name"] = titleProp(*upd.Name)
	}
	if upd.LessonsPerWeek != nil {
		props["lessonsPerWeek"] = numberProp(*upd.LessonsPerWeek)
	}
	if upd.AttendanceCount != nil {
		props["attendanceCount"] = numberProp(*upd.AttendanceCount)
	}
	if upd.AbsentCount != nil {
		props["absentCount"] = numberProp(*upd.AbsentCount)
	}
	if upd.RescheduledCount != nil {
		props["rescheduledCount"] = numberProp(*upd.RescheduledCount)
	}
	if upd.TotalClassCount != nil {
		props["totalClassCount"] = numberProp(*upd.TotalClassCount)
	}
	if len(props) == 0 {
		return nil
	}
	return c.updatePage(ctx, id, props)
}

// ListStudents queries the student database and resolves each student's
// schedule relations.
func (c *Client) ListStudents(ctx context.Context) ([]attendance.Student, error) {
	pages, err := c.queryDatabase(ctx, c.studentDB, nil)
	if err != nil {
		return nil, err
	}
	students := make([]attendance.Student, 0, len(pages))
	for _, p := range pages {
		stu := studentFromPage(p)
		for _, rel := range p.Properties["Schedule"].Relation {
			sp, err := c.retrievePage(ctx, rel.ID)
			if err != nil {
				return nil, err
			}
			stu.Schedules = append(stu.Schedules, scheduleFromPage(sp, stu.ID))
		}
		students = append(students, stu)
	}
	return students, nil
}

// SchedulesOn queries schedules by date and joins each with its student.
// A schedule page without a student relation is malformed data and fails
// the call.
func (c *Client) SchedulesOn(ctx context.Context, date string) ([]attendance.ScheduleWithStudent, error) {
	pages, err := c.queryDatabase(ctx, c.scheduleDB, map[string]any{
		"property": "date",
		"date":     map[string]any{"equals": date},
	})
	if err != nil {
		return nil, err
	}
	res := make([]attendance.ScheduleWithStudent, 0, len(pages))
	for _, p := range pages {
		rels := p.Properties["Student"].Relation
		if len(rels) == 0 {
			return nil, fmt.Errorf("schedule %s: %w", p.ID, errNoStudentRelation)
		}
		sp, err := c.retrievePage(ctx, rels[0].ID)
		if err != nil {
			return nil, err
		}
		stu := studentFromPage(sp)
		res = append(res, attendance.ScheduleWithStudent{
			Schedule: scheduleFromPage(p, stu.ID),
			Student:  stu,
		})
	}
	return res, nil
}

var errNoStudentRelation = errors.New("no linked student")

// SchedulesAt queries schedules by exact date and time, for the reschedule
// conflict check.
func (c *Client) SchedulesAt(ctx context.Context, date, clock string) ([]attendance.Schedule, error) {
	pages, err := c.queryDatabase(ctx, c.scheduleDB, map[string]any{
		"and": []any{
			map[string]any{"property": "date", "date": map[string]any{"equals": date}},
			map[string]any{"property": "time", "rich_text": map[string]any{"equals": clock}},
		},
	})
	if err != nil {
		return nil, err
	}
	res := make([]attendance.Schedule, 0, len(pages))
	for _, p := range pages {
		studentID := ""
		if rels := p.Properties["Student"].Relation; len(rels) > 0 {
			studentID = rels[0].ID
		}
		res = append(res, scheduleFromPage(p, studentID))
	}
	return res, nil
}

// GetStudent retrieves a student page without its schedules.
func (c *Client) GetStudent(ctx context.Context, id string) (attendance.Student, error) {
	p, err := c.retrievePage(ctx, id)
	if err != nil {
		return attendance.Student{}, err
	}
	return studentFromPage(p), nil
}

// GetSchedule retrieves a schedule page.
func (c *Client) GetSchedule(ctx context.Context, id string) (attendance.Schedule, error) {
	p, err := c.retrievePage(ctx, id)
	if err != nil {
		return attendance.Schedule{}, err
	}
	studentID := ""
	if rels := p.Properties["Student"].Relation; len(rels) > 0 {
		studentID = rels[0].ID
	}
	return scheduleFromPage(p, studentID), nil
}

func studentFromPage(p page) attendance.Student {
	stu := attendance.Student{
		ID:               p.ID,
		Name:             p.Properties["name"].text(),
		LessonsPerWeek:   p.Properties["lessonsPerWeek"].number(),
		AttendanceCount:  p.Properties["attendanceCount"].number(),
		AbsentCount:      p.Properties["absentCount"].number(),
		RescheduledCount: p.Properties["rescheduledCount"].number(),
		TotalClassCount:  p.Properties["totalClassCount"].number(),
	}
	if d := p.Properties["registrationDate"].Date; d != nil {
		stu.RegistrationDate = d.Start
	}
	return stu
}

func scheduleFromPage(p page, studentID string) attendance.Schedule {
	sc := attendance.Schedule{
		ID:        p.ID,
		StudentID: studentID,
		Title:     p.Properties["title"].text(),
		Time:      p.Properties["time"].text(),
		Status:    attendance.StatusUnattended,
	}
	if d := p.Properties["date"].Date; d != nil {
		sc.Date = d.Start
	}
	if s := p.Properties["status"].Status; s != nil {
		sc.Status = statusFromName(s.Name)
	}
	return sc
}
