package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Video bitrate bounds accepted at start and by live bitrate changes
const (
	MinVideoBitrate = 64_000
	MaxVideoBitrate = 50_000_000
)

// StreamConfig is the immutable per-session configuration
type StreamConfig struct {
	URL          string  `json:"url" validate:"required,rtmpurl"`                                      // Endpoint, e.g. rtmp://host/live
	StreamKey    string  `json:"-" validate:"required,max=512"`                                        // Secret publishing name
	Width        int     `json:"width" validate:"gte=16,lte=7680,even"`                                // Target width in pixels
	Height       int     `json:"height" validate:"gte=16,lte=4320,even"`                               // Target height in pixels
	Bitrate      int     `json:"bitrate" validate:"gte=64000,lte=50000000"`                            // Video bits/sec
	FrameRate    int     `json:"frameRate" validate:"gte=1,lte=120"`                                   // Frames/sec
	SampleRate   int     `json:"sampleRate" validate:"oneof=8000 16000 22050 24000 32000 44100 48000"` // Audio Hz
	Channels     int     `json:"channels" validate:"oneof=1 2"`                                        // Audio channels
	AudioBitrate int     `json:"audioBitrate" validate:"gte=16000,lte=512000"`                         // Audio bits/sec
	MaxZoom      float64 `json:"maxZoom" validate:"gte=1,lte=100"`                                     // Upper zoom bound
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("rtmpurl", func(fl validator.FieldLevel) bool {
		return checkEndpoint(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("even", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%2 == 0
	})
	return v
}

// Validate checks every field and reports all violations at once as a ConfigError
func (c StreamConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: ConfigError, Cause: CauseInvalidConfig, Err: err}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "rtmpurl":
			problems = append(problems, fmt.Sprintf("%s: %v", fe.Field(), checkEndpoint(c.URL)))
		case "required":
			problems = append(problems, fe.Field()+": is required")
		default:
			if fe.Param() != "" {
				problems = append(problems, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			} else {
				problems = append(problems, fmt.Sprintf("%s: must be %s", fe.Field(), fe.Tag()))
			}
		}
	}
	return &Error{Kind: ConfigError, Cause: CauseInvalidConfig, Detail: strings.Join(problems, "; ")}
}

// Resolution renders the target resolution, e.g. "1280x720"
func (c StreamConfig) Resolution() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// checkEndpoint accepts rtmp://host[:port]/app[/instance]
func checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "rtmp":
	case "rtmps", "srt":
		return fmt.Errorf("scheme %q is not supported", u.Scheme)
	default:
		return fmt.Errorf("scheme %q is not an rtmp endpoint", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("missing application path")
	}
	return nil
}
