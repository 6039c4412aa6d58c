package schedule

import (
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	tests := []struct {
		name         string
		scheduleType string
		value        string
		want         string
		wantErr      bool
	}{
		{
			name:         "cron every five minutes",
			scheduleType: store.ScheduleCron,
			value:        "*/5 * * * *",
			want:         "2026-03-01T12:05:00.000Z",
		},
		{
			name:         "interval milliseconds",
			scheduleType: store.ScheduleInterval,
			value:        "60000",
			want:         "2026-03-01T12:01:30.000Z",
		},
		{
			name:         "once rfc3339",
			scheduleType: store.ScheduleOnce,
			value:        "2026-03-02T08:00:00Z",
			want:         "2026-03-02T08:00:00.000Z",
		},
		{name: "bad cron", scheduleType: store.ScheduleCron, value: "not cron", wantErr: true},
		{name: "bad interval", scheduleType: store.ScheduleInterval, value: "-5", wantErr: true},
		{name: "bad once", scheduleType: store.ScheduleOnce, value: "tomorrow", wantErr: true},
		{name: "unknown type", scheduleType: "weekly", value: "x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextRun(tt.scheduleType, tt.value, now, time.UTC)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NextRun() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NextRun() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("NextRun() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextRunCronStrictlyAfter(t *testing.T) {
	// When now sits exactly on a boundary the next fire must be the
	// following occurrence, not now itself.
	now := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	got, err := NextRun(store.ScheduleCron, "*/5 * * * *", now, time.UTC)
	if err != nil {
		t.Fatalf("NextRun() error = %v", err)
	}
	if got != "2026-03-01T12:10:00.000Z" {
		t.Errorf("NextRun() = %q, want strictly-after occurrence", got)
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		scheduleType string
		value        string
		wantErr      string // substring, "" = valid
	}{
		{name: "valid cron", scheduleType: store.ScheduleCron, value: "0 9 * * 1"},
		{name: "valid interval", scheduleType: store.ScheduleInterval, value: "30000"},
		{name: "valid once", scheduleType: store.ScheduleOnce, value: "2026-06-01T00:00:00Z"},
		{name: "cron junk", scheduleType: store.ScheduleCron, value: "every day", wantErr: "invalid cron"},
		{name: "interval words", scheduleType: store.ScheduleInterval, value: "5s", wantErr: "positive millisecond"},
		{name: "once in the past", scheduleType: store.ScheduleOnce, value: "2020-01-01T00:00:00Z", wantErr: "in the past"},
		{name: "unknown type", scheduleType: "hourly", value: "1", wantErr: "schedule type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.scheduleType, tt.value, now)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestTaskBanner(t *testing.T) {
	got := TaskBanner("check the backups")
	if !strings.Contains(got, "not a message from a user") {
		t.Errorf("banner missing disclaimer: %q", got)
	}
	if !strings.HasSuffix(got, "check the backups") {
		t.Errorf("banner should end with the prompt: %q", got)
	}
}
