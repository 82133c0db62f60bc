// Package config provides TOML property loading for the vision-tracking
// applications.
//
// The property file keeps the historical key names:
//
//	queueSize = 64
//	skipFrameSize = 300
//	classifierFile = "cascade/cascade-24stage.xml"
//	sourceFile = "clips/fr-trans2.mp4"
//	logLevel = "INFO"
//
//	[classifierProps]
//	minObjectSize = [18, 18]
//	maxObjectSize = [128, 128]
//	scaleFactor = 1.09
//	minNeighbors = 3
//	minLevel = 1.5
//
//	[videoShowProps]
//	windowName = "Object Detection"
//	clipCaptureDir = "clips/capture"
//	showTime = false
//	showOutput = true
//	timeColor = [10, 255, 10]
//	timeThickness = 2
//
//	[processingProps]
//	threads = 5
//	processDims = [960, 540]
//	finishDims = [960, 540]
//
// Unknown keys are warnings at parse time; missing or ill-typed required
// keys are fatal.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ValidLogLevels are the accepted logLevel values.
var ValidLogLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// Config represents the complete property set for an application.
type Config struct {
	QueueSize      int             `toml:"queueSize"`
	SkipFrameSize  int             `toml:"skipFrameSize"`
	ClassifierFile string          `toml:"classifierFile"`
	SourceFile     string          `toml:"sourceFile"`
	LogLevel       string          `toml:"logLevel"`
	Classifier     ClassifierProps `toml:"classifierProps"`
	VideoShow      VideoShowProps  `toml:"videoShowProps"`
	Processing     ProcessingProps `toml:"processingProps"`
	Tracker        TrackerProps    `toml:"trackerProps"`
	Servo          ServoProps      `toml:"servoProps"`
}

// ClassifierProps tunes the detection cascade.
type ClassifierProps struct {
	MinObjectSize [2]int  `toml:"minObjectSize"`
	MaxObjectSize [2]int  `toml:"maxObjectSize"`
	ScaleFactor   float64 `toml:"scaleFactor"`
	MinNeighbors  int     `toml:"minNeighbors"`
	MinLevel      float32 `toml:"minLevel"`
}

// VideoShowProps tunes the display sink.
type VideoShowProps struct {
	WindowName     string `toml:"windowName"`
	ClipCaptureDir string `toml:"clipCaptureDir"`
	ShowTime       bool   `toml:"showTime"`
	ShowOutput     bool   `toml:"showOutput"`
	TimeColor      [3]int `toml:"timeColor"`
	TimeThickness  int    `toml:"timeThickness"`
}

// ProcessingProps tunes the worker pool and frame geometry.
type ProcessingProps struct {
	Threads     int    `toml:"threads"`
	FrameDims   [2]int `toml:"frameDims"`
	ProcessDims [2]int `toml:"processDims"`
	FinishDims  [2]int `toml:"finishDims"`
}

// TrackerProps tunes the ROI correlator.
type TrackerProps struct {
	MaxTracks      int     `toml:"maxTracks"`
	HistoryCount   int     `toml:"historyCount"`
	MinCorrelation float64 `toml:"minCorrelation"`
}

// ServoProps configures the optional pan/tilt platform.
type ServoProps struct {
	Enabled         bool       `toml:"enabled"`
	Port            string     `toml:"port"`
	Pan             int        `toml:"pan"`
	Tilt            int        `toml:"tilt"`
	HorizSlack      float64    `toml:"horizSlack"`
	VertSlack       float64    `toml:"vertSlack"`
	CenterOffset    [2]float64 `toml:"centerOffset"`
	Smoothing       float64    `toml:"smoothing"`
	CalibrationFile string     `toml:"calibrationFile"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		QueueSize:     64,
		SkipFrameSize: 300,
		LogLevel:      "INFO",
		Classifier: ClassifierProps{
			MinObjectSize: [2]int{18, 18},
			MaxObjectSize: [2]int{128, 128},
			ScaleFactor:   1.09,
			MinNeighbors:  3,
			MinLevel:      1.5,
		},
		VideoShow: VideoShowProps{
			WindowName:     "Object Detection",
			ClipCaptureDir: "clips/capture",
			ShowTime:       false,
			ShowOutput:     true,
			TimeColor:      [3]int{10, 255, 10},
			TimeThickness:  2,
		},
		Processing: ProcessingProps{
			Threads: 5,
		},
		Tracker: TrackerProps{
			MaxTracks:      3,
			HistoryCount:   15,
			MinCorrelation: 0.5,
		},
		Servo: ServoProps{
			Pan:          4,
			Tilt:         5,
			HorizSlack:   0.03,
			VertSlack:    0.05,
			CenterOffset: [2]float64{0.0, 0.2},
		},
	}
}

// RequiredKeys are the top-level properties a property file must define.
var RequiredKeys = []string{"queueSize", "skipFrameSize", "classifierFile", "sourceFile", "logLevel"}

// Load reads and parses a TOML property file over the defaults. Unknown
// keys are returned as warnings; a missing required key is an error, and
// the loaded values must pass Validate.
func Load(path string) (*Config, []string, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading property file: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing property file: %w", err)
	}

	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown property %q ignored", key.String()))
	}

	for _, key := range RequiredKeys {
		if !md.IsDefined(key) {
			return nil, warnings, fmt.Errorf("property %s is required", key)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("validating properties: %w", err)
	}
	return cfg, warnings, nil
}

// Validate checks the configuration for missing or invalid values.
func (c *Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("queueSize must be positive, got %d", c.QueueSize)
	}
	if c.SkipFrameSize <= 0 {
		return fmt.Errorf("skipFrameSize must be positive, got %d", c.SkipFrameSize)
	}
	if c.ClassifierFile == "" {
		return fmt.Errorf("classifierFile is required")
	}
	if c.SourceFile == "" {
		return fmt.Errorf("sourceFile is required")
	}
	if !validLogLevel(c.LogLevel) {
		return fmt.Errorf("logLevel must be one of %v, got %q", ValidLogLevels, c.LogLevel)
	}
	if c.Classifier.ScaleFactor <= 1.0 {
		return fmt.Errorf("classifierProps.scaleFactor must be greater than 1.0, got %f", c.Classifier.ScaleFactor)
	}
	if c.Classifier.MinNeighbors < 0 {
		return fmt.Errorf("classifierProps.minNeighbors must not be negative, got %d", c.Classifier.MinNeighbors)
	}
	if c.Processing.Threads <= 0 {
		return fmt.Errorf("processingProps.threads must be positive, got %d", c.Processing.Threads)
	}
	if c.Tracker.MaxTracks <= 0 {
		return fmt.Errorf("trackerProps.maxTracks must be positive, got %d", c.Tracker.MaxTracks)
	}
	if c.Tracker.HistoryCount <= 0 {
		return fmt.Errorf("trackerProps.historyCount must be positive, got %d", c.Tracker.HistoryCount)
	}
	if c.Servo.Enabled && c.Servo.Port == "" {
		return fmt.Errorf("servoProps.port is required when the servo is enabled")
	}
	return nil
}

func validLogLevel(level string) bool {
	for _, l := range ValidLogLevels {
		if strings.EqualFold(level, l) {
			return true
		}
	}
	return false
}
