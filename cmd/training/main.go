// Package main extracts training imagery from a video clip: negative
// frames with no subject, or positive frames with detection rectangles
// recorded in the cascade trainer's list format
// (path N x1 y1 w1 h1 [x2 y2 w2 h2 ...]).
package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"github.com/wildbillh/vision-tracking/pkg/capture"
	"github.com/wildbillh/vision-tracking/pkg/detect"
)

func main() {
	program := flag.String("mode", "extract-negatives", "extract-negatives or extract-positives")
	sourceFile := flag.String("sourceFile", "", "Video clip to extract from")
	classifierFile := flag.String("classifierFile", "", "Cascade file (positives mode)")
	targetDir := flag.String("targetDir", "training/clips", "Directory for extracted JPEGs")
	listFile := flag.String("listFile", "training/pos.txt", "List file for positives")
	every := flag.Int("every", 5, "Extract every Nth frame")
	width := flag.Int("width", 960, "Output frame width")
	height := flag.Int("height", 540, "Output frame height")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "training - extract cascade training imagery from a clip\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -mode extract-positives -sourceFile clip.mp4 [options]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *sourceFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	positives := *program == "extract-positives"
	if !positives && *program != "extract-negatives" {
		log.Fatalf("Unknown mode %q", *program)
	}
	if positives && *classifierFile == "" {
		log.Fatalf("extract-positives requires -classifierFile")
	}

	if err := run(positives, *sourceFile, *classifierFile, *targetDir, *listFile, *every, image.Pt(*width, *height)); err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}
}

func run(positives bool, sourceFile, classifierFile, targetDir, listFile string, every int, size image.Point) error {
	source := capture.NewFileSource(0)
	if err := source.Open(sourceFile); err != nil {
		return err
	}
	defer source.Close()

	var detector *detect.CascadeDetector
	if positives {
		var err error
		detector, err = detect.NewCascadeDetector(classifierFile, detect.DefaultProperties(), nil)
		if err != nil {
			return err
		}
		defer detector.Close()
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}

	var list *os.File
	if positives {
		var err error
		list, err = os.OpenFile(listFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening list file: %w", err)
		}
		defer list.Close()
	}

	prefix := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile))
	extracted := 0
	for {
		frame, err := source.Read()
		if err != nil {
			break
		}
		if every > 1 && frame.Meta.Index%every != 0 {
			frame.Close()
			continue
		}

		resized := gocv.NewMat()
		gocv.Resize(frame.Mat, &resized, size, 0, 0, gocv.InterpolationArea)

		filename := filepath.Join(targetDir, fmt.Sprintf("%s-%d.jpg", prefix, frame.Meta.Index))

		if positives {
			gray := gocv.NewMat()
			gocv.CvtColor(resized, &gray, gocv.ColorBGRToGray)
			rects, _ := detector.Detect(gray)
			gray.Close()
			if len(rects) == 0 {
				resized.Close()
				frame.Close()
				continue
			}
			if !gocv.IMWrite(filename, resized) {
				resized.Close()
				frame.Close()
				return fmt.Errorf("could not write %s", filename)
			}
			fmt.Fprintln(list, listEntry(filename, rects))
		} else {
			if !gocv.IMWrite(filename, resized) {
				resized.Close()
				frame.Close()
				return fmt.Errorf("could not write %s", filename)
			}
		}
		extracted++
		resized.Close()
		frame.Close()
	}

	log.Printf("Extracted %d frames to %s", extracted, targetDir)
	return nil
}

// listEntry formats one cascade-trainer list line.
func listEntry(filename string, rects []image.Rectangle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", filename, len(rects))
	for _, r := range rects {
		fmt.Fprintf(&b, " %d %d %d %d", r.Min.X, r.Min.Y, r.Dx(), r.Dy())
	}
	return b.String()
}
