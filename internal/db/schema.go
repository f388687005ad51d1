package db

import "time"

// SchedulerActor is the by_user value of slots created by the schedule generator
const SchedulerActor = "scheduler"

// LockedPassword is the pw_hash of users that cannot log in
const LockedPassword = "*"

// ScheduleSlot is one point in time at which due work is evaluated
type ScheduleSlot struct {
	ScheduledBy  string
	ScheduledOn  time.Time
	ScheduledFor time.Time
	Run          bool
}

// WorkAssignment says which test runs on which machine
type WorkAssignment struct {
	Test    string
	Machine string
}

// TestResult is the outcome of one remote test execution
type TestResult struct {
	Test       string
	Machine    string
	Passed     int
	Failed     int
	Output     string
	ExecutedAt time.Time
}

// Week groups tests for the reporting views
type Week struct {
	Test    string
	Week    int
	WeekNum int
}

// MachineTest pairs a test with the week it belongs to
type MachineTest struct {
	Week int
	Test string
}

// User is an actor that may schedule slots by hand
type User struct {
	Username string
	Admin    bool
}
