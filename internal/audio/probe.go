// Package audio inspects uploaded audio before it is stored.
package audio

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/tcolgate/mp3"
)

// ErrUndecodable is returned when an MP3 upload has no decodable frame.
var ErrUndecodable = errors.New("audio: no decodable mp3 frame")

// Info summarises a probed file.
type Info struct {
	Frames   int
	Duration time.Duration
}

// Seconds returns the duration in seconds.
func (i Info) Seconds() float64 {
	return i.Duration.Seconds()
}

// IsMP3 reports whether an upload should be probed as MP3, by sniffed
// content type or file extension.
func IsMP3(fileName, contentType string) bool {
	if strings.HasPrefix(contentType, "audio/mpeg") || strings.HasPrefix(contentType, "audio/mp3") {
		return true
	}
	return strings.EqualFold(path.Ext(fileName), ".mp3")
}

// ProbeMP3 decodes r frame by frame and sums the frame durations. At least
// one frame must decode.
func ProbeMP3(r io.Reader) (Info, error) {
	dec := mp3.NewDecoder(r)
	var (
		info    Info
		frame   mp3.Frame
		skipped int
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if info.Frames == 0 {
				return Info{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
			}
			// Trailing garbage after valid frames is tolerated.
			break
		}
		info.Frames++
		info.Duration += frame.Duration()
	}
	if info.Frames == 0 {
		return Info{}, ErrUndecodable
	}
	return info, nil
}
