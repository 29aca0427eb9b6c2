package server

import (
	"testing"
	"time"
)

func TestIsDueDaily(t *testing.T) {
	if !isDue("@daily", nil) {
		t.Fatalf("never-run schedule should be due")
	}
	recent := time.Now().Add(-time.Hour)
	if isDue("@daily", &recent) {
		t.Fatalf("ran an hour ago, daily should not be due")
	}
	old := time.Now().Add(-25 * time.Hour)
	if !isDue("@daily", &old) {
		t.Fatalf("ran 25h ago, daily should be due")
	}
}

func TestIsDueHourly(t *testing.T) {
	recent := time.Now().Add(-10 * time.Minute)
	if isDue("@hourly", &recent) {
		t.Fatalf("ran 10m ago, hourly should not be due")
	}
	old := time.Now().Add(-2 * time.Hour)
	if !isDue("@hourly", &old) {
		t.Fatalf("ran 2h ago, hourly should be due")
	}
}

func TestIsDueCronExpr(t *testing.T) {
	// Every minute: anything older than a minute is due.
	old := time.Now().Add(-5 * time.Minute)
	if !isDue("* * * * *", &old) {
		t.Fatalf("every-minute cron should be due after 5m")
	}
	if !isDue("* * * * *", nil) {
		t.Fatalf("never-run cron should be due")
	}
}

func TestIsDueInvalidSpecFallsBackToDaily(t *testing.T) {
	recent := time.Now().Add(-time.Hour)
	if isDue("not a cron", &recent) {
		t.Fatalf("invalid spec should behave like daily")
	}
	old := time.Now().Add(-25 * time.Hour)
	if !isDue("not a cron", &old) {
		t.Fatalf("invalid spec should be due after a day")
	}
}

func TestValidateCronSpec(t *testing.T) {
	for _, ok := range []string{"@daily", "@hourly", "*/5 * * * *"} {
		if err := validateCronSpec(ok); err != nil {
			t.Fatalf("spec %q rejected: %v", ok, err)
		}
	}
	if err := validateCronSpec("whenever"); err == nil {
		t.Fatalf("invalid spec accepted")
	}
}
