package keepawake

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"testing"
)

func lookPathWith(available ...string) LookPathFunc {
	return func(file string) (string, error) {
		for _, a := range available {
			if a == file {
				return "/usr/bin/" + file, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

// trialRecorder records trial runs and fails them with err.
type trialRecorder struct {
	calls [][]string
	err   error
}

func (r *trialRecorder) run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.err
}

func TestDetect(t *testing.T) {
	tests := []struct {
		goos      string
		available []string
		wantTool  string
	}{
		{"darwin", []string{"caffeinate"}, "caffeinate"},
		{"darwin", nil, ""},
		{"linux", []string{"systemd-inhibit"}, "systemd-inhibit"},
		{"linux", []string{"caffeinate"}, ""},
		{"windows", []string{"caffeinate", "systemd-inhibit"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.wantTool, func(t *testing.T) {
			inh, err := Detect(context.Background(), lookPathWith(tt.available...), (&trialRecorder{}).run, tt.goos)
			if err != nil {
				t.Fatalf("Detect returned error: %v", err)
			}
			if tt.wantTool == "" {
				if inh.Available() {
					t.Errorf("Expected no facility, got %+v", inh)
				}
				return
			}
			if !inh.Available() || inh.Tool != tt.wantTool {
				t.Errorf("Expected %s, got %+v", tt.wantTool, inh)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	inh, err := Detect(context.Background(), lookPathWith("caffeinate"), (&trialRecorder{}).run, "darwin")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}

	name, args := inh.Wrap("/venv/bin/python", []string{"-u", "bot.py", "--live"})
	if name != "/usr/bin/caffeinate" {
		t.Errorf("Expected caffeinate to lead, got %s", name)
	}
	want := []string{"-i", "/venv/bin/python", "-u", "bot.py", "--live"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("Wrap args = %v, want %v", args, want)
	}
}

func TestWrap_NoFacilityIsIdentity(t *testing.T) {
	var inh *Inhibitor

	name, args := inh.Wrap("python", []string{"bot.py"})
	if name != "python" || !reflect.DeepEqual(args, []string{"bot.py"}) {
		t.Errorf("Expected unchanged argv, got %s %v", name, args)
	}
}

func TestDetect_TrialRunsWrappedTrue(t *testing.T) {
	trial := &trialRecorder{}
	inh, err := Detect(context.Background(), lookPathWith("systemd-inhibit"), trial.run, "linux")
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if !inh.Available() {
		t.Fatal("Expected systemd-inhibit to be used")
	}
	if len(trial.calls) != 1 {
		t.Fatalf("Expected one trial run, got %d", len(trial.calls))
	}
	argv := trial.calls[0]
	if argv[0] != "/usr/bin/systemd-inhibit" || argv[len(argv)-1] != "true" {
		t.Errorf("Unexpected trial argv %v", argv)
	}
}

func TestDetect_FailedTrialMeansNoFacility(t *testing.T) {
	tests := []struct {
		goos string
		tool string
	}{
		{"linux", "systemd-inhibit"},
		{"darwin", "caffeinate"},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			trial := &trialRecorder{err: errors.New("Failed to connect to bus: No such file or directory")}
			inh, err := Detect(context.Background(), lookPathWith(tt.tool), trial.run, tt.goos)
			if inh != nil {
				t.Errorf("Expected nil inhibitor, got %+v", inh)
			}
			if err == nil {
				t.Error("Expected the rejection reason")
			}

			// The worker argv is untouched.
			name, args := inh.Wrap("python", []string{"bot.py"})
			if name != "python" || !reflect.DeepEqual(args, []string{"bot.py"}) {
				t.Errorf("Expected direct launch, got %s %v", name, args)
			}
		})
	}
}

func TestDetect_NoToolSkipsTrial(t *testing.T) {
	trial := &trialRecorder{}
	inh, err := Detect(context.Background(), lookPathWith(), trial.run, "linux")
	if inh != nil || err != nil {
		t.Errorf("Expected nothing, got %+v, %v", inh, err)
	}
	if len(trial.calls) != 0 {
		t.Errorf("Expected no trial run, got %v", trial.calls)
	}
}
