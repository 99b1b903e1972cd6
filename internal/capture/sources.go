package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"

	"github.com/sjawhar/ghost-minutes/internal/storage"
)

// DefaultFormat is the ffmpeg input format used for capture on this platform.
func DefaultFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

// ListSources enumerates capture devices for format with `ffmpeg -sources`.
// avfoundation does not implement -sources, so its device list is parsed instead.
func (f *FFmpeg) ListSources(ctx context.Context, format string) ([]storage.Source, error) {
	if strings.TrimSpace(format) == "" {
		format = DefaultFormat()
	}
	if _, err := exec.LookPath(f.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, f.Binary)
	}

	if format == "avfoundation" {
		// -list_devices always exits non-zero because there is no output file.
		out, _ := exec.CommandContext(ctx, f.Binary, "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "").CombinedOutput()
		sources := parseAVFoundationDevices(string(out))
		if len(sources) == 0 {
			return nil, errors.New("no avfoundation audio devices found")
		}
		return sources, nil
	}

	out, err := exec.CommandContext(ctx, f.Binary, "-hide_banner", "-sources", format).CombinedOutput()
	sources := parseSources(format, string(out))
	if len(sources) == 0 {
		if err != nil {
			return nil, fmt.Errorf("list %s sources: %w: %s", format, err, strings.TrimSpace(string(out)))
		}
		return nil, fmt.Errorf("no %s sources found", format)
	}
	return sources, nil
}

// parseSources reads the `ffmpeg -sources` listing:
//
//	Auto-detected sources for pulse:
//	* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
//	  alsa_output.pci-0000_00_1f.3.analog-stereo.monitor [Monitor of Built-in Audio]
func parseSources(format, output string) []storage.Source {
	var sources []storage.Source
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))

		device, label := line, ""
		if open := strings.Index(line, " ["); open > 0 && strings.HasSuffix(line, "]") {
			device = line[:open]
			label = line[open+2 : len(line)-1]
		}
		if device == "" || strings.ContainsAny(device, " \t") {
			continue
		}
		sources = append(sources, storage.Source{Format: format, Device: device, Label: label})
	}
	return sources
}

var avfoundationDevice = regexp.MustCompile(`\[(\d+)\]\s+(.+)$`)

func parseAVFoundationDevices(output string) []storage.Source {
	var sources []storage.Source
	inAudio := false
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		m := avfoundationDevice.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		sources = append(sources, storage.Source{
			Format: "avfoundation",
			Device: ":" + m[1],
			Label:  strings.TrimSpace(m[2]),
		})
	}
	return sources
}
