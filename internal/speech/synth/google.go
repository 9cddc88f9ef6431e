package synth

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	googleBackend = "google"
	// googleMaxInputBytes is the Cloud TTS limit on the text of one request.
	googleMaxInputBytes = 5000
)

// GoogleOptions configures the Cloud Text-to-Speech client.
type GoogleOptions struct {
	// CredentialsFile is a service account key. Empty means application
	// default credentials.
	CredentialsFile string
	// Endpoint overrides the API endpoint.
	Endpoint     string
	SpeakingRate float64
	VolumeGainDb float64
}

// Google synthesizes MP3 audio with Google Cloud Text-to-Speech.
type Google struct {
	client *texttospeech.Client
	opts   GoogleOptions
	logger logrus.FieldLogger
}

func NewGoogle(ctx context.Context, opts GoogleOptions, logger logrus.FieldLogger) (*Google, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	client, err := texttospeech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create TTS client: %w", err)
	}

	return &Google{
		client: client,
		opts:   opts,
		logger: logger.WithField("backend", googleBackend),
	}, nil
}

func (g *Google) Name() string        { return googleBackend }
func (g *Google) Format() AudioFormat { return FormatMP3 }

func (g *Google) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}

	audioCfg := &texttospeechpb.AudioConfig{
		AudioEncoding: texttospeechpb.AudioEncoding_MP3,
	}
	// Chirp voices reject speakingRate and volume tuning.
	if !strings.Contains(strings.ToLower(req.Voice), "chirp") {
		if g.opts.SpeakingRate > 0 {
			audioCfg.SpeakingRate = g.opts.SpeakingRate
		}
		audioCfg.VolumeGainDb = g.opts.VolumeGainDb
	}

	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: LanguageFromVoice(req.Voice),
			Name:         req.Voice,
		},
		AudioConfig: audioCfg,
	})
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	if len(resp.AudioContent) == 0 {
		return nil, NewSynthesisError(googleBackend, "", "empty response", ErrEmptyAudio, true)
	}

	g.logger.WithFields(logrus.Fields{
		"chunk": req.Index,
		"bytes": len(resp.AudioContent),
	}).Debug("Synthesized chunk")

	return resp.AudioContent, nil
}

func (g *Google) Voices(ctx context.Context) ([]Voice, error) {
	resp, err := g.client.ListVoices(ctx, &texttospeechpb.ListVoicesRequest{})
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	voices := make([]Voice, 0, len(resp.Voices))
	for _, v := range resp.Voices {
		lang := ""
		if len(v.LanguageCodes) > 0 {
			lang = v.LanguageCodes[0]
		}
		voices = append(voices, Voice{
			Name:     v.Name,
			Language: lang,
			Gender:   strings.ToLower(v.SsmlGender.String()),
		})
	}
	return voices, nil
}

func (g *Google) MaxInputBytes() int { return googleMaxInputBytes }

func (g *Google) Fingerprint() string {
	return fmt.Sprintf("rate=%g gain=%g", g.opts.SpeakingRate, g.opts.VolumeGainDb)
}

func (g *Google) Close() error {
	return g.client.Close()
}

func classifyGoogleError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewSynthesisError(googleBackend, "", "request failed", err, true)
	}

	switch st.Code() {
	case codes.Canceled:
		return err
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return NewSynthesisError(googleBackend, st.Code().String(), st.Message(), err, true)
	case codes.ResourceExhausted:
		return NewSynthesisError(googleBackend, st.Code().String(), st.Message(), ErrRateLimited, true)
	default:
		return NewSynthesisError(googleBackend, st.Code().String(), st.Message(), err, false)
	}
}
