// Package main provides an interactive classifier tuner: step through a
// clip frame by frame and inspect what the cascade finds with the current
// parameters.
package main

import (
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"

	"gocv.io/x/gocv"

	"github.com/wildbillh/vision-tracking/pkg/capture"
	"github.com/wildbillh/vision-tracking/pkg/detect"
)

func main() {
	sourceFile := flag.String("sourceFile", "", "Video clip to step through")
	classifierFile := flag.String("classifierFile", "", "Cascade classifier file")
	scaleFactor := flag.Float64("scaleFactor", 1.09, "Cascade scale factor")
	minNeighbors := flag.Int("minNeighbors", 3, "Minimum neighbor count")
	minLevel := flag.Float64("minLevel", 1.5, "Minimum detection score")
	minSize := flag.Int("minSize", 18, "Minimum object size")
	maxSize := flag.Int("maxSize", 128, "Maximum object size")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "classifier-tool - step a clip through the cascade\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -sourceFile clip.mp4 -classifierFile cascade.xml [options]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nKeys: n next frame, r re-run current frame, q quit\n")
	}
	flag.Parse()

	if *sourceFile == "" || *classifierFile == "" {
		flag.Usage()
		os.Exit(2)
	}

	source := capture.NewFileSource(0)
	if err := source.Open(*sourceFile); err != nil {
		log.Fatalf("Failed to open source: %v", err)
	}
	defer source.Close()

	detector, err := detect.NewCascadeDetector(*classifierFile, detect.Properties{
		MinObjectSize: image.Pt(*minSize, *minSize),
		MaxObjectSize: image.Pt(*maxSize, *maxSize),
		ScaleFactor:   *scaleFactor,
		MinNeighbors:  *minNeighbors,
		MinLevel:      float32(*minLevel),
	}, nil)
	if err != nil {
		log.Fatalf("Failed to load classifier: %v", err)
	}
	defer detector.Close()

	window := gocv.NewWindow("classifier-tool")
	defer window.Close()

	bestColor := color.RGBA{G: 255, A: 255}
	otherColor := color.RGBA{B: 255, A: 255}

	frame, err := source.Read()
	if err != nil {
		log.Fatalf("Empty source: %v", err)
	}
	for {
		display := frame.Mat.Clone()
		gray := gocv.NewMat()
		gocv.CvtColor(frame.Mat, &gray, gocv.ColorBGRToGray)

		rects, scores := detector.Detect(gray)
		gray.Close()
		log.Printf("frame %d: %d detections %v", frame.Meta.Index, len(rects), scores)

		best := 0
		for i, s := range scores {
			if s > scores[best] {
				best = i
			}
		}
		for i, r := range rects {
			clr := otherColor
			if i == best {
				clr = bestColor
			}
			gocv.Rectangle(&display, r, clr, 3)
		}
		window.IMShow(display)
		display.Close()

		advance := false
		for !advance {
			switch byte(window.WaitKey(0) & 0xFF) {
			case 'q':
				frame.Close()
				return
			case 'n':
				frame.Close()
				frame, err = source.Read()
				if err != nil {
					log.Printf("End of clip: %v", err)
					return
				}
				advance = true
			case 'r':
				advance = true
			}
		}
	}
}
