package synth

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"
)

type EngineType string

const (
	EngineTypeMock   EngineType = "mock"
	EngineTypeESpeak EngineType = "espeak"
	EngineTypeGoogle EngineType = "google"
	EngineTypeHTTP   EngineType = "http"
	EngineTypeExec   EngineType = "exec"
	EngineTypeAuto   EngineType = "auto" // Automatically choose best for platform
)

func (e EngineType) String() string {
	return string(e)
}

// Config selects and configures a backend.
type Config struct {
	Type   string
	Voice  string
	Speed  float64
	Volume float64

	Google  GoogleOptions
	Command string
	Format  string

	HTTPEndpoint string
	HTTPAPIKey   string
}

// NewEngine creates the backend named by config.Type.
func NewEngine(ctx context.Context, config Config, logger logrus.FieldLogger) (Synthesizer, error) {
	if config.Type == "" || config.Type == EngineTypeAuto.String() {
		config.Type = getBestEngine(config).String()
		logger.WithField("engine", config.Type).Debug("Auto-selected synthesis engine")
	}

	switch config.Type {
	case EngineTypeMock.String():
		return NewMock(), nil

	case EngineTypeGoogle.String():
		opts := config.Google
		if opts.SpeakingRate == 0 {
			opts.SpeakingRate = config.Speed
		}
		if opts.VolumeGainDb == 0 {
			opts.VolumeGainDb = volumeGainDb(config.Volume)
		}
		return NewGoogle(ctx, opts, logger)

	case EngineTypeESpeak.String():
		return NewESpeak(config.Speed)

	case EngineTypeHTTP.String():
		return NewHTTP(config.HTTPEndpoint,
			WithAPIKey(config.HTTPAPIKey),
			WithHTTPFormat(formatOrDefault(config.Format, FormatMP3)))

	case EngineTypeExec.String():
		return NewCommand(config.Command, formatOrDefault(config.Format, FormatWAV))

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEngine, config.Type)
	}
}

// volumeGainDb converts a volume multiplier to the gain Cloud TTS takes,
// clamped to its accepted range of -96 to 16 dB.
func volumeGainDb(volume float64) float64 {
	if volume <= 0 || volume == 1 {
		return 0
	}
	return min(16, max(-96, 20*math.Log10(volume)))
}

func formatOrDefault(name string, def AudioFormat) AudioFormat {
	switch AudioFormat(name) {
	case FormatMP3, FormatWAV:
		return AudioFormat(name)
	default:
		return def
	}
}

// getBestEngine prefers the cloud backend when credentials exist, then a
// configured endpoint or command, then eSpeak.
func getBestEngine(config Config) EngineType {
	if config.Google.CredentialsFile != "" || hasGoogleCredentials() {
		return EngineTypeGoogle
	}
	if config.HTTPEndpoint != "" {
		return EngineTypeHTTP
	}
	if config.Command != "" {
		return EngineTypeExec
	}
	return EngineTypeESpeak // Cross-platform fallback
}

// GetAvailableEngines returns the engines usable on this host.
func GetAvailableEngines() []EngineType {
	engines := []EngineType{EngineTypeMock, EngineTypeHTTP, EngineTypeExec}

	if hasGoogleCredentials() {
		engines = append(engines, EngineTypeGoogle)
	}
	if _, err := findESpeakExecutable(); err == nil {
		engines = append(engines, EngineTypeESpeak)
	}

	return engines
}

func hasGoogleCredentials() bool {
	_, ok := os.LookupEnv("GOOGLE_APPLICATION_CREDENTIALS")
	return ok
}

// DefaultVoice picks a voice for the engine when the user gave none. Local
// engines take a language code, cloud ones a full voice name.
func DefaultVoice(engine, voice, language string) string {
	if voice != "" && voice != "default" {
		return voice
	}
	switch EngineType(engine) {
	case EngineTypeESpeak, EngineTypeExec:
		if language == "" {
			return "en"
		}
		return language
	default:
		return VoiceFor("", language)
	}
}
