package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/livinlefevreloca/testbed/internal/db"
	"github.com/livinlefevreloca/testbed/internal/report"
)

// ResultView is the latest result of a test as shown to clients
type ResultView struct {
	Test       string    `json:"test"`
	Machine    string    `json:"machine"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Output     string    `json:"output"`
	ExecutedAt time.Time `json:"executed_at"`
	Executed   string    `json:"executed"`
}

// TestView is a test with its latest result, if it ever ran
type TestView struct {
	Test string      `json:"test"`
	Week int         `json:"week,omitempty"`
	Last *ResultView `json:"last"`
}

// ScheduleView describes the next unrun slot
type ScheduleView struct {
	Next          *time.Time `json:"next"`
	NextFormatted string     `json:"next_formatted"`
}

// StatusView is the dashboard overview
type StatusView struct {
	Schedule ScheduleView           `json:"schedule"`
	Weeks    []report.WeekReport    `json:"weeks"`
	Machines []report.MachineReport `json:"machines"`
	Summary  report.Summary         `json:"summary"`
}

func (s *Server) resultView(r *db.TestResult) *ResultView {
	return &ResultView{
		Test:       r.Test,
		Machine:    r.Machine,
		Passed:     r.Passed,
		Failed:     r.Failed,
		Output:     r.Output,
		ExecutedAt: r.ExecutedAt.UTC(),
		Executed:   report.FormatDate(r.ExecutedAt, s.now()),
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	reqID := RequestIDFromContext(r.Context())
	s.logger.Error(msg, "error", err, "request_id", reqID)
	respondError(w, reqID, http.StatusInternalServerError, ErrInternal, msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	if err := s.store.PingContext(r.Context()); err != nil {
		s.logger.Warn("store unreachable", "error", err)
		respondError(w, reqID, http.StatusServiceUnavailable, ErrUnavailable, "store unreachable")
		return
	}

	respondOK(w, reqID, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) schedule(r *http.Request) (ScheduleView, error) {
	next, ok, err := s.reporter.NextScheduled(r.Context())
	if err != nil {
		return ScheduleView{}, err
	}

	view := ScheduleView{NextFormatted: report.FormatNext(next, ok, s.now())}
	if ok {
		utc := next.UTC()
		view.Next = &utc
	}
	return view, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sched, err := s.schedule(r)
	if err != nil {
		s.internalError(w, r, "failed to load schedule", err)
		return
	}
	weeks, err := s.reporter.WeekReports(ctx)
	if err != nil {
		s.internalError(w, r, "failed to load weeks", err)
		return
	}
	machines, err := s.reporter.MachineReports(ctx)
	if err != nil {
		s.internalError(w, r, "failed to load machines", err)
		return
	}

	var total report.Summary
	for _, wr := range weeks {
		total.Passed += wr.Summary.Passed
		total.Failed += wr.Summary.Failed
	}

	respondOK(w, RequestIDFromContext(ctx), StatusView{
		Schedule: sched,
		Weeks:    weeks,
		Machines: machines,
		Summary:  total,
	})
}

func (s *Server) handleWeeks(w http.ResponseWriter, r *http.Request) {
	weeks, err := s.reporter.WeekReports(r.Context())
	if err != nil {
		s.internalError(w, r, "failed to load weeks", err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), weeks)
}

func (s *Server) handleWeekTests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := RequestIDFromContext(ctx)

	week, err := strconv.Atoi(chi.URLParam(r, "week"))
	if err != nil || week <= 0 {
		respondError(w, reqID, http.StatusBadRequest, ErrValidation, "week must be a positive integer")
		return
	}

	tests, err := s.reporter.TestsInWeek(ctx, week)
	if err != nil {
		s.internalError(w, r, "failed to load tests", err)
		return
	}

	views := make([]TestView, 0, len(tests))
	for _, test := range tests {
		view := TestView{Test: test, Week: week}
		last, err := s.reporter.LastResult(ctx, test, "")
		switch {
		case err == nil:
			view.Last = s.resultView(last)
		case !db.IsNotFound(err):
			s.internalError(w, r, "failed to load result", err)
			return
		}
		views = append(views, view)
	}
	respondOK(w, reqID, views)
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.reporter.MachineReports(r.Context())
	if err != nil {
		s.internalError(w, r, "failed to load machines", err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), machines)
}

func (s *Server) handleMachineTests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	machine := chi.URLParam(r, "vm")

	tests, err := s.reporter.TestsOfMachine(ctx, machine)
	if err != nil {
		s.internalError(w, r, "failed to load tests", err)
		return
	}

	views := make([]TestView, 0, len(tests))
	for _, mt := range tests {
		view := TestView{Test: mt.Test, Week: mt.Week}
		last, err := s.reporter.LastResult(ctx, mt.Test, machine)
		switch {
		case err == nil:
			view.Last = s.resultView(last)
		case !db.IsNotFound(err):
			s.internalError(w, r, "failed to load result", err)
			return
		}
		views = append(views, view)
	}
	respondOK(w, RequestIDFromContext(ctx), views)
}

func (s *Server) handleLastResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := RequestIDFromContext(ctx)
	test := chi.URLParam(r, "test")

	last, err := s.reporter.LastResult(ctx, test, r.URL.Query().Get("vm"))
	if db.IsNotFound(err) {
		respondError(w, reqID, http.StatusNotFound, ErrNotFound, "no result for test "+test)
		return
	}
	if err != nil {
		s.internalError(w, r, "failed to load result", err)
		return
	}
	respondOK(w, reqID, s.resultView(last))
}

const (
	defaultHistoryWindow = 7 * 24 * time.Hour
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := RequestIDFromContext(ctx)
	q := r.URL.Query()

	since := s.now().Add(-defaultHistoryWindow)
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, ErrValidation, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}

	limit := defaultHistoryLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			respondError(w, reqID, http.StatusBadRequest, ErrValidation,
				"limit must be an integer between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	results, err := s.reporter.History(ctx, chi.URLParam(r, "test"), chi.URLParam(r, "vm"), since, limit)
	if err != nil {
		s.internalError(w, r, "failed to load history", err)
		return
	}

	views := make([]*ResultView, 0, len(results))
	for i := range results {
		views = append(views, s.resultView(&results[i]))
	}
	respondOK(w, reqID, views)
}

func (s *Server) handleNextScheduled(w http.ResponseWriter, r *http.Request) {
	sched, err := s.schedule(r)
	if err != nil {
		s.internalError(w, r, "failed to load schedule", err)
		return
	}
	respondOK(w, RequestIDFromContext(r.Context()), sched)
}

func (s *Server) handleRanSince(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := RequestIDFromContext(ctx)

	raw := r.URL.Query().Get("since")
	if raw == "" {
		respondError(w, reqID, http.StatusBadRequest, ErrValidation, "since is required")
		return
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, ErrValidation, "since must be an RFC 3339 timestamp")
		return
	}

	ran, err := s.reporter.RanSince(ctx, since, s.now())
	if err != nil {
		s.internalError(w, r, "failed to load schedule", err)
		return
	}
	respondOK(w, reqID, map[string]bool{"ran": ran})
}
