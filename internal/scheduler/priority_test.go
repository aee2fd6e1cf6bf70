package scheduler_test

import (
	"testing"
	"time"

	"github.com/tokspider/tokspider/internal/model"
	"github.com/tokspider/tokspider/internal/scheduler"
)

func ptrS(s string) *string { return &s }
func ptrI(i int64) *int64   { return &i }

func TestPriorityTime(t *testing.T) {
	tests := []struct {
		name string
		row  model.AccountRow
		want int64
	}{
		{"never fetched", model.AccountRow{Handle: "a"}, 0},
		{"fetched", model.AccountRow{Handle: "a", UpdatedAtS: ptrI(1000), Comments: ptrS(model.StatusFetched)}, 1600},
		{"failed", model.AccountRow{Handle: "a", UpdatedAtS: ptrI(1000), Comments: ptrS(model.StatusFailed)}, 2800},
		{"not exists", model.AccountRow{Handle: "a", UpdatedAtS: ptrI(1000), Comments: ptrS(model.StatusNotExists)}, 22600},
		{"nil comments", model.AccountRow{Handle: "a", UpdatedAtS: ptrI(1000)}, 1600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scheduler.PriorityTime(tt.row); got != tt.want {
				t.Fatalf("PriorityTime = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUniqueID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"somecreator", "somecreator"},
		{"Jane Doe@somecreator", "somecreator"},
		{"a@b@final handle", "finalhandle"},
		{"spaced name", "spacedname"},
	}
	for _, tt := range tests {
		if got := scheduler.UniqueID(tt.in); got != tt.want {
			t.Errorf("UniqueID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEligibleFiltersAndSorts(t *testing.T) {
	now := time.Unix(10000, 0)
	rows := []model.AccountRow{
		{Handle: "recent", UpdatedAtS: ptrI(9950), Comments: ptrS(model.StatusFetched)},  // due at 10550: future
		{Handle: "due", UpdatedAtS: ptrI(9000), Comments: ptrS(model.StatusFetched)},     // due at 9600
		{Handle: "never"},                                                                // priority 0
		{Handle: "old fail", UpdatedAtS: ptrI(7000), Comments: ptrS(model.StatusFailed)}, // due at 8800
	}

	tasks := scheduler.Eligible(rows, now)
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3", len(tasks))
	}
	want := []string{"never", "oldfail", "due"}
	for i, w := range want {
		if tasks[i].UniqueID != w {
			t.Errorf("tasks[%d] = %q, want %q", i, tasks[i].UniqueID, w)
		}
	}
}

func TestEligibleStableOnTies(t *testing.T) {
	rows := []model.AccountRow{
		{Handle: "first"},
		{Handle: "second"},
		{Handle: "third"},
	}
	tasks := scheduler.Eligible(rows, time.Unix(100, 0))
	for i, w := range []string{"first", "second", "third"} {
		if tasks[i].Handle != w {
			t.Fatalf("tasks[%d] = %q, want %q", i, tasks[i].Handle, w)
		}
	}
}
