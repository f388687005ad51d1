// Package topology imports the fleet layout: machines, tests, the weeks
// tests are reported under and which machines each test runs on.
package topology

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/livinlefevreloca/testbed/internal/db"
)

// Column widths of the vms and weeks tables
const (
	maxMachineName = 8
	maxTestName    = 48
)

// Fleet is the content of a fleet file
type Fleet struct {
	VMs   []string `yaml:"vms"`
	Users []User   `yaml:"users"`
	Tests []Test   `yaml:"tests"`
}

// Test places a test in a reporting week and lists the machines it runs on
type Test struct {
	Name    string   `yaml:"name"`
	Week    int      `yaml:"week"`
	WeekNum int      `yaml:"week_num"`
	RunOn   []string `yaml:"run_on"`
}

// User is an actor allowed to request test rounds
type User struct {
	Name  string `yaml:"name"`
	Admin bool   `yaml:"admin"`
}

// Parse decodes and validates a fleet document. Unknown keys are rejected.
func Parse(data []byte) (*Fleet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var fleet Fleet
	if err := dec.Decode(&fleet); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse fleet: %w", err)
	}

	if err := fleet.Validate(); err != nil {
		return nil, err
	}
	return &fleet, nil
}

// Load reads a fleet file
func Load(path string) (*Fleet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	return Parse(data)
}

// Validate checks names, week placement and machine references
func (f *Fleet) Validate() error {
	machines := make(map[string]bool, len(f.VMs))
	for _, vm := range f.VMs {
		if vm == "" {
			return fmt.Errorf("vm name must not be empty")
		}
		if len(vm) > maxMachineName {
			return fmt.Errorf("vm name %q is longer than %d characters", vm, maxMachineName)
		}
		if machines[vm] {
			return fmt.Errorf("vm %q is listed twice", vm)
		}
		machines[vm] = true
	}

	tests := make(map[string]bool, len(f.Tests))
	slots := make(map[[2]int]string, len(f.Tests))
	for _, t := range f.Tests {
		if t.Name == "" {
			return fmt.Errorf("test name must not be empty")
		}
		if len(t.Name) > maxTestName {
			return fmt.Errorf("test name %q is longer than %d characters", t.Name, maxTestName)
		}
		if tests[t.Name] {
			return fmt.Errorf("test %q is listed twice", t.Name)
		}
		tests[t.Name] = true

		if t.Week <= 0 || t.WeekNum <= 0 {
			return fmt.Errorf("test %q: week and week_num must be positive", t.Name)
		}
		key := [2]int{t.Week, t.WeekNum}
		if other, ok := slots[key]; ok {
			return fmt.Errorf("tests %q and %q share week %d number %d", other, t.Name, t.Week, t.WeekNum)
		}
		slots[key] = t.Name

		seen := make(map[string]bool, len(t.RunOn))
		for _, vm := range t.RunOn {
			if !machines[vm] {
				return fmt.Errorf("test %q runs on undeclared vm %q", t.Name, vm)
			}
			if seen[vm] {
				return fmt.Errorf("test %q lists vm %q twice", t.Name, vm)
			}
			seen[vm] = true
		}
	}

	for _, u := range f.Users {
		if u.Name == "" {
			return fmt.Errorf("user name must not be empty")
		}
		if u.Name == db.SchedulerActor {
			return fmt.Errorf("user name %q is reserved", u.Name)
		}
	}

	return nil
}

// Store applies writes in a single transaction
type Store interface {
	WithTransaction(ctx context.Context, fn func(*db.Tx) error) error
}

// Stats counts what a fleet file declared
type Stats struct {
	VMs         int
	Tests       int
	Assignments int
	Users       int
}

// Apply upserts the fleet into store atomically. Entries already present are
// left in place, tests moved to another week are updated, and nothing is
// removed.
func Apply(ctx context.Context, store Store, fleet *Fleet) (Stats, error) {
	var stats Stats

	err := store.WithTransaction(ctx, func(tx *db.Tx) error {
		for _, vm := range fleet.VMs {
			if err := tx.AddVM(ctx, vm); err != nil {
				return fmt.Errorf("add vm %s: %w", vm, err)
			}
			stats.VMs++
		}

		for _, u := range fleet.Users {
			if err := tx.PutUser(ctx, db.User{Username: u.Name, Admin: u.Admin}); err != nil {
				return fmt.Errorf("put user %s: %w", u.Name, err)
			}
			stats.Users++
		}

		for _, t := range fleet.Tests {
			if err := tx.PutWeek(ctx, db.Week{Test: t.Name, Week: t.Week, WeekNum: t.WeekNum}); err != nil {
				return fmt.Errorf("put week of %s: %w", t.Name, err)
			}
			stats.Tests++

			for _, vm := range t.RunOn {
				if err := tx.AddAssignment(ctx, db.WorkAssignment{Test: t.Name, Machine: vm}); err != nil {
					return fmt.Errorf("assign %s to %s: %w", t.Name, vm, err)
				}
				stats.Assignments++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	return stats, nil
}
