package servo

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// calibrationSweepDegrees is the range the calibration sweep measures.
const calibrationSweepDegrees = 45

// Calibrate measures (or loads) the wall-clock cost of moving a channel
// 0..45 degrees at its current speed/acceleration pair. When a file is
// given, a previously stored entry under the key
// "{channel}-{speed}-{acceleration}" is loaded instead of re-measuring;
// a fresh sweep is added to the stored entries and the file is rewritten
// with all entries sorted by key.
func (c *Controller) Calibrate(channel int, calibrationFile string) error {
	if err := c.checkChannel(channel); err != nil {
		return err
	}

	if calibrationFile == "" {
		c.log.Info("calibrating servo", zap.Int("channel", channel))
		_, err := c.calibrateSweep(channel)
		return err
	}

	c.mu.Lock()
	key := fmt.Sprintf("%d-%d-%d", channel, c.props[channel].Speed, c.props[channel].Acceleration)
	c.mu.Unlock()

	entries, err := loadCalibrationFile(calibrationFile)
	if err != nil {
		return err
	}
	if entries == nil {
		c.log.Info("calibration file not found, building", zap.String("file", calibrationFile))
		entries = map[string][]float64{}
	}

	if stored, ok := entries[key]; ok {
		c.mu.Lock()
		c.props[channel].Calibration = stored
		c.mu.Unlock()
		c.log.Info("using stored calibration values",
			zap.Int("channel", channel), zap.String("key", key))
		return nil
	}

	c.log.Info("calibrating servo", zap.Int("channel", channel))
	sweep, err := c.calibrateSweep(channel)
	if err != nil {
		return err
	}
	entries[key] = sweep
	return storeCalibrationFile(calibrationFile, entries)
}

// calibrateSweep drives the servo through alternating ±0..45 degree moves,
// timing each, and caches the resulting table on the channel.
func (c *Controller) calibrateSweep(channel int) ([]float64, error) {
	c.mu.Lock()
	originalPos := c.props[channel].Pos
	c.mu.Unlock()

	sweep := make([]float64, 0, calibrationSweepDegrees+1)
	for deg := 0; deg <= calibrationSweepDegrees; deg++ {
		offset := float64(deg)
		if deg%2 != 0 {
			offset = -offset
		}
		start := time.Now()
		if _, err := c.SetRelative(channel, offset, Degrees, true); err != nil {
			return nil, err
		}
		sweep = append(sweep, time.Since(start).Seconds())
	}

	if _, err := c.SetPositionSync(channel, originalPos, 0); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.props[channel].Calibration = sweep
	c.mu.Unlock()
	return sweep, nil
}

// MovementTime estimates the wall-clock seconds and frame count needed to
// move a channel by the given degrees at the source frame rate. Requires a
// prior Calibrate on the channel.
func (c *Controller) MovementTime(channel int, degrees float64, fps int) (float64, int, error) {
	if err := c.checkChannel(channel); err != nil {
		return 0, 0, err
	}
	c.mu.Lock()
	cal := c.props[channel].Calibration
	c.mu.Unlock()
	if cal == nil {
		return 0, 0, fmt.Errorf("channel %d has no calibration", channel)
	}
	deg := math.Abs(degrees)
	if deg > calibrationSweepDegrees {
		deg = calibrationSweepDegrees
	}
	idx := int(math.Ceil(deg))
	if idx >= len(cal) {
		idx = len(cal) - 1
	}
	seconds := cal[idx]
	frames := int(math.Ceil(float64(fps) * seconds))
	return seconds, frames, nil
}

// loadCalibrationFile parses a key=value calibration file whose values are
// JSON float arrays. A missing file returns nil without error.
func loadCalibrationFile(path string) (map[string][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening calibration file: %w", err)
	}
	defer f.Close()

	entries := map[string][]float64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		var sweep []float64
		if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &sweep); err != nil {
			return nil, fmt.Errorf("parsing calibration entry %q: %w", key, err)
		}
		entries[strings.TrimSpace(key)] = sweep
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}
	return entries, nil
}

func storeCalibrationFile(path string, entries map[string][]float64) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		value, err := json.Marshal(entries[k])
		if err != nil {
			return fmt.Errorf("encoding calibration entry %q: %w", k, err)
		}
		fmt.Fprintf(&b, "%s=%s\n", k, value)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}
	return nil
}
