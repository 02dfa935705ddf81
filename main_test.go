package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kwv/meshreg/mesh"
)

type mockApp struct {
	opts       AppOptions
	called     map[string]bool
	mode       mesh.Mode
	configPath string
	err        error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts; m.called["ApplyOptions"] = true }

func (m *mockApp) RunRegistration(_ context.Context, mode mesh.Mode) error {
	m.called["RunRegistration"] = true
	m.mode = mode
	return m.err
}

func (m *mockApp) WriteDefaultConfig(path string) error {
	m.called["WriteDefaultConfig"] = true
	m.configPath = path
	return m.err
}

func runArgs(args ...string) []string {
	return append(args, "--moving", "a.json", "--target", "b.json", "--out", "c.json")
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantMode   mesh.Mode
		verifyOpts func(*testing.T, AppOptions)
	}{
		{
			name:     "Rigid",
			args:     runArgs("rigid"),
			wantMode: mesh.ModeRigid,
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.MovingPath != "a.json" || opts.TargetPath != "b.json" || opts.OutputPath != "c.json" {
					t.Errorf("paths = %q %q %q", opts.MovingPath, opts.TargetPath, opts.OutputPath)
				}
				if opts.LogFormat != "text" {
					t.Errorf("expected default LogFormat text, got %s", opts.LogFormat)
				}
				if opts.MqttMode || opts.Verbose {
					t.Error("expected MqttMode and Verbose false by default")
				}
			},
		},
		{
			name:     "NonRigidWithConfig",
			args:     runArgs("nonrigid", "--config", "reg.yaml", "--iterations", "25", "--result", "res.json"),
			wantMode: mesh.ModeNonRigid,
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "reg.yaml" {
					t.Errorf("expected ConfigFile reg.yaml, got %s", opts.ConfigFile)
				}
				if opts.Iterations != 25 {
					t.Errorf("expected Iterations 25, got %d", opts.Iterations)
				}
				if opts.ResultPath != "res.json" {
					t.Errorf("expected ResultPath res.json, got %s", opts.ResultPath)
				}
			},
		},
		{
			name:     "FastDeformObservability",
			args:     runArgs("fastdeform", "--mqtt", "--run-id", "scan-7", "--http", ":9090", "--metrics-out", "m.prom"),
			wantMode: mesh.ModeFastDeform,
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.RunID != "scan-7" {
					t.Errorf("expected RunID scan-7, got %s", opts.RunID)
				}
				if opts.HTTPAddr != ":9090" {
					t.Errorf("expected HTTPAddr :9090, got %s", opts.HTTPAddr)
				}
				if opts.MetricsPath != "m.prom" {
					t.Errorf("expected MetricsPath m.prom, got %s", opts.MetricsPath)
				}
			},
		},
		{
			name:     "PersistentLogFlags",
			args:     runArgs("-v", "--log-format", "json", "rigid"),
			wantMode: mesh.ModeRigid,
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.Verbose {
					t.Error("expected Verbose true")
				}
				if opts.LogFormat != "json" {
					t.Errorf("expected LogFormat json, got %s", opts.LogFormat)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(context.Background(), tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called["ApplyOptions"] || !app.called["RunRegistration"] {
				t.Errorf("expected ApplyOptions and RunRegistration to be called, got %v", app.called)
			}
			if app.mode != tt.wantMode {
				t.Errorf("mode = %s, want %s", app.mode, tt.wantMode)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"missing required flags", []string{"rigid", "--moving", "a.json"}, "required flag"},
		{"bad log format", runArgs("rigid", "--log-format", "xml"), "unknown log format"},
		{"unknown command", []string{"affine"}, "unknown command"},
		{"positional args", append(runArgs("rigid"), "extra"), "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(context.Background(), tt.args, &out, app)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
			if app.called["RunRegistration"] {
				t.Error("RunRegistration should not run on bad input")
			}
		})
	}
}

func TestRun_PropagatesRunError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	if err := run(context.Background(), runArgs("rigid"), &out, app); !errors.Is(err, app.err) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestRun_ConfigInit(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"config", "init", "meshreg.yaml"}, &out, app); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if app.configPath != "meshreg.yaml" {
		t.Errorf("config path = %q", app.configPath)
	}
	if !strings.Contains(out.String(), "Wrote default configuration to meshreg.yaml") {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--help"}, &out, app); err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	for _, want := range []string{"meshreg", "rigid", "nonrigid", "fastdeform", "config"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected help to mention %q, got: %s", want, out.String())
		}
	}
}

func TestRun_Version(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--version"}, &out, app); err != nil {
		t.Fatalf("--version failed: %v", err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
