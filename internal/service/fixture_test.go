package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/rollcall/attendance-server-go/internal/expiry"
	"github.com/rollcall/attendance-server-go/internal/model"
	"github.com/rollcall/attendance-server-go/internal/realtime"
	"github.com/rollcall/attendance-server-go/internal/registry"
	"github.com/rollcall/attendance-server-go/internal/shortcode"
	"github.com/rollcall/attendance-server-go/internal/token"
)

const stubImage = "data:image/png;base64,c3R1Yg=="

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type publishedEvent struct {
	Room  string
	Event realtime.Event
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, room string, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Room: room, Event: ev})
	return nil
}

func (p *recordingPublisher) ofType(eventType string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []publishedEvent
	for _, e := range p.events {
		if e.Event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingMirror struct {
	mu  sync.Mutex
	ops []string
}

func (m *recordingMirror) record(op string) {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	m.mu.Unlock()
}

func (m *recordingMirror) CreateSession(s model.Session) { m.record("create-session:" + s.ID) }
func (m *recordingMirror) UpdateSession(s model.Session) { m.record("update-session:" + s.ID) }
func (m *recordingMirror) SaveToken(t model.Token)       { m.record("save-token:" + t.ID) }
func (m *recordingMirror) SaveShortCode(t model.Token)   { m.record("save-code:" + t.ShortCode) }
func (m *recordingMirror) Retired(t model.Token)         { m.record("retired:" + t.ID) }
func (m *recordingMirror) MarkPresent(rec model.PresenceRecord) {
	m.record(fmt.Sprintf("present:%s:%s:%s", rec.SessionID, rec.StudentID, rec.Source))
}

func (m *recordingMirror) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

type mockEnrollmentRepo struct {
	mock.Mock
}

func (m *mockEnrollmentRepo) ListEnrolledStudentIDs(ctx context.Context, courseID string) ([]string, error) {
	args := m.Called(ctx, courseID)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

func (m *mockEnrollmentRepo) IsEnrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	args := m.Called(ctx, courseID, studentID)
	return args.Bool(0), args.Error(1)
}

type mockStudentRepo struct {
	mock.Mock
}

func (m *mockStudentRepo) FindByIdentity(ctx context.Context, id string) (*model.Student, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*model.Student)
	return s, args.Error(1)
}

type serviceFixture struct {
	clock       *testClock
	timers      *expiry.Manual
	reg         *registry.Registry
	enrollments *mockEnrollmentRepo
	students    *mockStudentRepo
	publisher   *recordingPublisher
	mirror      *recordingMirror
	sessions    *SessionService
	scans       *ScanService
}

type fixtureOption func(*SessionConfig)

func withAutoCreate() fixtureOption {
	return func(c *SessionConfig) { c.AutoCreate = true }
}

func withRender(fn func(string) (string, error)) fixtureOption {
	return func(c *SessionConfig) { c.Render = fn }
}

// newServiceFixture wires both services over a real registry. Course C1
// enrolls S1 and S2 (CSE, 2nd Year); S3 is an ECE student enrolled in C1 and
// S4 is a CSE student outside the course. The first short code drawn is
// ABC123.
func newServiceFixture(t *testing.T, opts ...fixtureOption) *serviceFixture {
	t.Helper()

	clock := &testClock{t: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)}
	codec := token.NewCodec("service-test-secret-0123456789abcdef", token.WithClock(clock.Now))

	draws := 0
	codes := shortcode.NewAllocator(shortcode.WithGenerator(func() (string, error) {
		draws++
		if draws == 1 {
			return "ABC123", nil
		}
		return fmt.Sprintf("Z%05d", draws), nil
	}))

	timers := expiry.NewManual()
	reg := registry.New(codec, codes, timers, registry.WithClock(clock.Now))

	enrollments := new(mockEnrollmentRepo)
	enrollments.On("ListEnrolledStudentIDs", mock.Anything, "C1").Return([]string{"S1", "S2", "S3"}, nil)
	enrollments.On("ListEnrolledStudentIDs", mock.Anything, mock.Anything).Return([]string{}, nil)
	enrollments.On("IsEnrolled", mock.Anything, "C1", "S4").Return(false, nil)
	enrollments.On("IsEnrolled", mock.Anything, "C1", mock.Anything).Return(true, nil)
	enrollments.On("IsEnrolled", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	students := new(mockStudentRepo)
	for _, s := range []model.Student{
		{Identity: "S1", RegNo: "REG-001", Name: "Asha", Department: "CSE", Year: "2nd Year"},
		{Identity: "S2", RegNo: "REG-002", Name: "Bilal", Department: "CSE", Year: "2nd Year"},
		{Identity: "S3", RegNo: "REG-003", Name: "Chen", Department: "ECE", Year: "2nd Year"},
		{Identity: "S4", RegNo: "REG-004", Name: "Dara", Department: "CSE", Year: "2nd Year"},
	} {
		s := s
		students.On("FindByIdentity", mock.Anything, s.Identity).Return(&s, nil)
	}
	students.On("FindByIdentity", mock.Anything, mock.Anything).Return(nil, nil)

	cfg := SessionConfig{
		DefaultWindow: 30 * time.Second,
		MaxWindow:     10 * time.Minute,
		Render:        func(string) (string, error) { return stubImage, nil },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	publisher := &recordingPublisher{}
	mirror := &recordingMirror{}

	sessions := NewSessionService(reg, enrollments, publisher, mirror, cfg)
	scans := NewScanService(reg, codec, students, enrollments, publisher, mirror)
	scans.now = clock.Now

	return &serviceFixture{
		clock:       clock,
		timers:      timers,
		reg:         reg,
		enrollments: enrollments,
		students:    students,
		publisher:   publisher,
		mirror:      mirror,
		sessions:    sessions,
		scans:       scans,
	}
}

func (f *serviceFixture) session(t *testing.T, in CreateSessionInput) model.Session {
	t.Helper()
	if in.CourseID == "" {
		in.CourseID = "C1"
	}
	s, err := f.sessions.CreateSession(context.Background(), in)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *serviceFixture) rotate(t *testing.T, sessionID string) *CodeResult {
	t.Helper()
	code, err := f.sessions.Rotate(context.Background(), RotateInput{SessionID: sessionID})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	return code
}

func (f *serviceFixture) scan(credential, studentID string) (*ScanResult, error) {
	return f.scans.Scan(context.Background(), ScanInput{
		Credential:        credential,
		StudentID:         studentID,
		SessionDepartment: "CSE",
		SessionYear:       "2nd Year",
	})
}
