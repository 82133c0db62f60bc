package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeProperties(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.properties")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing property file: %v", err)
	}
	return path
}

const minimalProperties = `
queueSize = 64
skipFrameSize = 300
classifierFile = "cascade.xml"
sourceFile = "clip.mp4"
logLevel = "INFO"
`

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.QueueSize != 64 {
		t.Errorf("expected queue size 64, got %d", cfg.QueueSize)
	}
	if cfg.Processing.Threads != 5 {
		t.Errorf("expected 5 threads, got %d", cfg.Processing.Threads)
	}
	if cfg.Tracker.MaxTracks != 3 || cfg.Tracker.HistoryCount != 15 {
		t.Errorf("unexpected tracker defaults: %+v", cfg.Tracker)
	}
	if cfg.Classifier.ScaleFactor != 1.09 {
		t.Errorf("expected scale factor 1.09, got %f", cfg.Classifier.ScaleFactor)
	}
}

func TestLoadMinimal(t *testing.T) {
	path := writeProperties(t, minimalProperties)
	cfg, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if cfg.ClassifierFile != "cascade.xml" || cfg.SourceFile != "clip.mp4" {
		t.Errorf("file keys not loaded: %+v", cfg)
	}
	// Unset sections keep their defaults.
	if cfg.VideoShow.WindowName != "Object Detection" {
		t.Errorf("expected default window name, got %q", cfg.VideoShow.WindowName)
	}
}

func TestLoadFullSections(t *testing.T) {
	path := writeProperties(t, minimalProperties+`
[classifierProps]
minObjectSize = [24, 24]
maxObjectSize = [200, 200]
scaleFactor = 1.2
minNeighbors = 5
minLevel = 2.0

[videoShowProps]
windowName = "kb"
showTime = true

[processingProps]
threads = 8
processDims = [960, 540]
finishDims = [1280, 720]

[trackerProps]
maxTracks = 4
historyCount = 20
`)
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Classifier.MinObjectSize != [2]int{24, 24} {
		t.Errorf("minObjectSize = %v", cfg.Classifier.MinObjectSize)
	}
	if cfg.Classifier.ScaleFactor != 1.2 || cfg.Classifier.MinNeighbors != 5 {
		t.Errorf("classifier props = %+v", cfg.Classifier)
	}
	if !cfg.VideoShow.ShowTime || cfg.VideoShow.WindowName != "kb" {
		t.Errorf("video show props = %+v", cfg.VideoShow)
	}
	if cfg.Processing.Threads != 8 || cfg.Processing.ProcessDims != [2]int{960, 540} {
		t.Errorf("processing props = %+v", cfg.Processing)
	}
	if cfg.Tracker.MaxTracks != 4 || cfg.Tracker.HistoryCount != 20 {
		t.Errorf("tracker props = %+v", cfg.Tracker)
	}
}

func TestLoadUnknownKeyWarns(t *testing.T) {
	path := writeProperties(t, minimalProperties+"\nbogusKey = 1\n")
	_, warnings, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "bogusKey") {
		t.Errorf("expected a bogusKey warning, got %v", warnings)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.properties")); err == nil {
		t.Error("expected an error for a missing property file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.QueueSize = 0 }},
		{"zero skip frames", func(c *Config) { c.SkipFrameSize = 0 }},
		{"missing classifier file", func(c *Config) { c.ClassifierFile = "" }},
		{"missing source file", func(c *Config) { c.SourceFile = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "CHATTY" }},
		{"bad scale factor", func(c *Config) { c.Classifier.ScaleFactor = 1.0 }},
		{"zero threads", func(c *Config) { c.Processing.Threads = 0 }},
		{"zero tracks", func(c *Config) { c.Tracker.MaxTracks = 0 }},
		{"zero history", func(c *Config) { c.Tracker.HistoryCount = 0 }},
		{"servo without port", func(c *Config) { c.Servo.Enabled = true; c.Servo.Port = "" }},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.ClassifierFile = "cascade.xml"
		cfg.SourceFile = "clip.mp4"
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tt.name)
		}
	}

	good := Default()
	good.ClassifierFile = "cascade.xml"
	good.SourceFile = "clip.mp4"
	if err := good.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestLogLevelCaseInsensitive(t *testing.T) {
	cfg := Default()
	cfg.ClassifierFile = "c.xml"
	cfg.SourceFile = "s.mp4"
	cfg.LogLevel = "warning"
	if err := cfg.Validate(); err != nil {
		t.Errorf("lower-case level rejected: %v", err)
	}
}
