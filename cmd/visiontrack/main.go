// Package main provides the CLI wrapper for the vision-tracking pipeline:
// read a video source, run the detection cascade and ROI correlator on a
// worker pool, display annotated frames in source order, and optionally
// steer a pan/tilt platform at the best track.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wildbillh/vision-tracking/internal/config"
	"github.com/wildbillh/vision-tracking/internal/logging"
	"github.com/wildbillh/vision-tracking/pkg/annotate"
	"github.com/wildbillh/vision-tracking/pkg/capture"
	"github.com/wildbillh/vision-tracking/pkg/detect"
	"github.com/wildbillh/vision-tracking/pkg/display"
	"github.com/wildbillh/vision-tracking/pkg/pipeline"
	"github.com/wildbillh/vision-tracking/pkg/servo"
	"github.com/wildbillh/vision-tracking/pkg/track"
)

var version = "0.1.0"

func main() {
	propertiesPath := flag.String("properties", "./app.properties", "Path to TOML property file")
	sourceFile := flag.String("sourceFile", "", "Video source file (overrides properties)")
	classifierFile := flag.String("classifierFile", "", "Cascade classifier file (overrides properties)")
	skipFrames := flag.Int("skipFrames", 0, "Frames to jump on rewind/fast-forward (overrides properties)")
	showTime := flag.Bool("showTime", false, "Overlay the source timecode")
	showVersion := flag.Bool("version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "visiontrack - pipelined video object tracking\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nKeys in the display window:\n")
		fmt.Fprintf(os.Stderr, "  q quit, p pause, f capture frame, , rewind, . fast-forward\n")
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("visiontrack version %s\n", version)
		os.Exit(0)
	}

	cfg, warnings, err := config.Load(*propertiesPath)
	if err != nil {
		log.Fatalf("Failed to load properties: %v", err)
	}
	if *sourceFile != "" {
		cfg.SourceFile = *sourceFile
	}
	if *classifierFile != "" {
		cfg.ClassifierFile = *classifierFile
	}
	if *skipFrames > 0 {
		cfg.SkipFrameSize = *skipFrames
	}
	if *showTime {
		cfg.VideoShow.ShowTime = true
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logger.Sync()
	for _, w := range warnings {
		logger.Warn(w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// The two queues are the only shared state between the three stages.
	startQueue := pipeline.NewQueue[*capture.Frame](cfg.QueueSize)
	finishQueue := pipeline.NewQueue[*capture.Frame](cfg.QueueSize)

	source := capture.NewFileSource(cfg.SkipFrameSize)
	if err := source.Open(cfg.SourceFile); err != nil {
		return err
	}
	defer source.Close()
	width, height, fps := source.Properties()
	logger.Info("source opened",
		zap.String("file", cfg.SourceFile),
		zap.Int("width", width), zap.Int("height", height), zap.Int("fps", fps))

	reader := capture.NewThreadedReader(source, startQueue, logger)

	detector, err := detect.NewCascadeDetector(cfg.ClassifierFile, detect.Properties{
		MinObjectSize: image.Pt(cfg.Classifier.MinObjectSize[0], cfg.Classifier.MinObjectSize[1]),
		MaxObjectSize: image.Pt(cfg.Classifier.MaxObjectSize[0], cfg.Classifier.MaxObjectSize[1]),
		ScaleFactor:   cfg.Classifier.ScaleFactor,
		MinNeighbors:  cfg.Classifier.MinNeighbors,
		MinLevel:      cfg.Classifier.MinLevel,
	}, logger)
	if err != nil {
		return err
	}
	defer detector.Close()

	tracker := track.NewROITracker(cfg.Tracker.MaxTracks, cfg.Tracker.HistoryCount, logger)
	if cfg.Tracker.MinCorrelation > 0 {
		tracker.SetMinCorrelation(cfg.Tracker.MinCorrelation)
	}

	annotator := annotate.NewAnnotator(detector, tracker, annotate.Config{
		ProcessDims: dims(cfg.Processing.ProcessDims),
		FinishDims:  dims(cfg.Processing.FinishDims),
		DrawLabels:  true,
	}, logger)

	videoShow := display.NewVideoShow(finishQueue, display.Config{
		WindowName:     cfg.VideoShow.WindowName,
		ClipCaptureDir: cfg.VideoShow.ClipCaptureDir,
		ShowTime:       cfg.VideoShow.ShowTime,
		ShowOutput:     cfg.VideoShow.ShowOutput,
		TimeColor:      rgba(cfg.VideoShow.TimeColor),
		TimeThickness:  cfg.VideoShow.TimeThickness,
	}, logger)
	videoShow.SeekFunc = reader.Seek

	coordinator := pipeline.NewCoordinator[*capture.Frame, *capture.Frame](
		startQueue, finishQueue, reader, videoShow, annotator,
		pipeline.Config{
			WarmupSleep:      2 * time.Millisecond,
			WarmupIterations: 20,
			Threads:          cfg.Processing.Threads,
			LoopWait:         100 * time.Microsecond,
		}, logger)
	coordinator.ReleaseIn = func(f *capture.Frame) { f.Close() }
	coordinator.ReleaseOut = func(f *capture.Frame) { f.Close() }

	stopSteering, err := startSteering(cfg, annotator, fps, logger)
	if err != nil {
		return err
	}
	defer stopSteering()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", zap.Stringer("signal", sig))
		coordinator.Stop()
	}()

	if err := reader.Start(); err != nil {
		return err
	}
	if err := videoShow.Start(); err != nil {
		return err
	}

	err = coordinator.Run()

	// Join order: workers (inside Run), then source, then sink.
	reader.Stop()
	videoShow.Stop()

	stats := videoShow.Stats()
	logger.Info("run complete",
		zap.Int("sourceFrames", source.FramesRead()),
		zap.Int("shownFrames", stats.FrameCount),
		zap.Float64("fps", stats.AchievedFPS),
		zap.Int("framesWithoutHits", annotator.FramesWithoutHits()))
	return err
}

// startSteering wires the optional pan/tilt platform: a poller follows the
// annotator's best-track target at the source frame rate. Returns a stop
// function; a no-op when the servo is disabled.
func startSteering(cfg *config.Config, annotator *annotate.Annotator, fps int, logger *zap.Logger) (func(), error) {
	if !cfg.Servo.Enabled {
		return func() {}, nil
	}

	controller := servo.NewController(logger)
	if err := controller.Open(cfg.Servo.Port, servo.DefaultBaudRate); err != nil {
		return nil, err
	}
	platform, err := servo.NewPanTilt(controller, cfg.Servo.Pan, cfg.Servo.Tilt)
	if err != nil {
		controller.Close()
		return nil, err
	}
	if err := platform.Initialize(); err != nil {
		controller.Close()
		return nil, err
	}
	if cfg.Servo.CalibrationFile != "" {
		for _, ch := range []int{cfg.Servo.Pan, cfg.Servo.Tilt} {
			if err := controller.Calibrate(ch, cfg.Servo.CalibrationFile); err != nil {
				controller.Close()
				return nil, err
			}
		}
	}

	frameDims := cfg.Processing.FinishDims
	if frameDims == [2]int{} {
		frameDims = cfg.Processing.FrameDims
	}
	trackerCfg := servo.DefaultTrackerConfig(frameDims[0], frameDims[1])
	trackerCfg.HorizSlack = cfg.Servo.HorizSlack
	trackerCfg.VertSlack = cfg.Servo.VertSlack
	trackerCfg.CenterOffset = cfg.Servo.CenterOffset
	trackerCfg.Smoothing = cfg.Servo.Smoothing
	panTilt, err := servo.NewPanTiltTracker(platform, trackerCfg, logger)
	if err != nil {
		controller.Close()
		return nil, err
	}

	if fps <= 0 {
		fps = 30
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		lastFrame := -1
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				target, ok := annotator.LastTarget()
				if !ok || target.Frame == lastFrame {
					continue
				}
				lastFrame = target.Frame
				if _, _, err := panTilt.Correct(target.Center, fps); err != nil {
					logger.Warn("servo correction failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		if err := controller.Close(); err != nil {
			logger.Warn("closing servo controller", zap.Error(err))
		}
	}, nil
}

func dims(d [2]int) image.Point {
	if d == [2]int{} {
		return image.Point{}
	}
	return image.Pt(d[0], d[1])
}

func rgba(c [3]int) color.RGBA {
	return color.RGBA{R: uint8(c[0]), G: uint8(c[1]), B: uint8(c[2]), A: 255}
}
