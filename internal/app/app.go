// Package app wires the configuration, the synthesis backends and the
// pipeline into the readaloud command handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"readaloud/internal/cache"
	"readaloud/internal/cli/scheme/colours"
	"readaloud/internal/config"
	"readaloud/internal/speech/orchestrator"
	"readaloud/internal/speech/pipeline"
	"readaloud/internal/speech/planner"
	"readaloud/internal/speech/playback"
	"readaloud/internal/speech/synth"
	"readaloud/internal/telemetry"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ReadAloud main application structure
type ReadAloud struct {
	cfg     config.Config
	logger  *logrus.Logger
	metrics *telemetry.Metrics

	stdin  *os.File
	out    io.Writer
	errOut io.Writer

	ctx    context.Context
	Cancel context.CancelFunc
}

func New(cfg config.Config, logger *logrus.Logger) *ReadAloud {
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadAloud{
		cfg:     cfg,
		logger:  logger,
		metrics: telemetry.NewMetrics(),
		stdin:   os.Stdin,
		out:     os.Stdout,
		errOut:  os.Stderr,
		ctx:     ctx,
		Cancel:  cancel,
	}
}

func (ra *ReadAloud) ShowWelcome() {
	fmt.Fprintln(ra.out)
	colours.Title.Fprintln(ra.out, "🔊 Welcome to readaloud! 🔊")
	fmt.Fprintln(ra.out)
	colours.Info.Fprintln(ra.out, "📚 Available commands:")
	fmt.Fprintln(ra.out, "  • readaloud speak [text]  - Read text aloud and/or save it")
	fmt.Fprintln(ra.out, "  • readaloud plan [text]   - Show how the text would be chunked")
	fmt.Fprintln(ra.out, "  • readaloud voices        - List the voices of the engine")
	fmt.Fprintln(ra.out, "  • readaloud cache status  - Inspect the audio cache")
	fmt.Fprintln(ra.out)
	colours.Prompt.Fprintln(ra.out, "✨ Pipe a file in or pass --file to get started ✨")
}

// Speak synthesizes the input, streams it to the speaker and/or writes the
// merged audio file.
func (ra *ReadAloud) Speak(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	text, err := readInput(file, args, ra.stdin)
	if err != nil {
		return err
	}
	if text == "" {
		colours.Warning.Fprintln(ra.out, "🤐 Nothing to read.")
		return nil
	}

	engine, closeEngine, err := ra.newSynthesizer()
	if err != nil {
		return err
	}
	defer closeEngine()

	voice := synth.DefaultVoice(engine.Name(), ra.cfg.Engine.Voice, ra.cfg.Engine.Language)
	if ra.cfg.Cache.Enabled {
		if engine, err = ra.withCache(engine); err != nil {
			return err
		}
	}

	opts, err := ra.pipelineOptions(text, voice, synthBackend(engine))
	if err != nil {
		return err
	}

	var device playback.Device
	if opts.Streaming || opts.PlayAfter {
		device = ra.detectDevice()
	}

	progress := newProgressPrinter(ra.errOut)
	p := pipeline.New(engine, ra.logger,
		pipeline.WithDevice(device),
		pipeline.WithMetrics(ra.metrics),
		pipeline.WithObserver(progress),
	)

	fmt.Fprintln(ra.out)
	colours.Title.Fprintf(ra.out, "🎙️ Reading %d words with %s", len(strings.Fields(text)), engine.Name())
	colours.Voice.Fprintf(ra.out, " (%s)\n", voice)

	result, err := p.Run(ra.ctx, text, opts)
	progress.Finish()
	ra.writeMetrics()

	if errors.Is(err, context.Canceled) {
		colours.Warning.Fprintln(ra.out, "👋 Stopped. Unfinished audio was cleaned up.")
		return nil
	}
	printResult(ra.out, result)
	if opts.Retain && result.WorkDir != "" {
		colours.Info.Fprintf(ra.out, "📁 Chunk files kept in %s\n", result.WorkDir)
	}
	return err
}

// Plan prints the chunks the text would be split into without synthesizing
// anything.
func (ra *ReadAloud) Plan(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	text, err := readInput(file, args, ra.stdin)
	if err != nil {
		return err
	}

	plannerOpts, concurrency := ra.tuning(text, 0)
	chunks := planner.Plan(text, plannerOpts)

	fmt.Fprintln(ra.out)
	colours.Title.Fprintln(ra.out, "🧩 Chunk plan 🧩")
	fmt.Fprintln(ra.out)
	if len(chunks) == 0 {
		colours.Warning.Fprintln(ra.out, "🤐 Nothing to read.")
		return nil
	}

	var total float64
	for _, c := range chunks {
		total += c.EstimatedDuration.Seconds()
		fmt.Fprintf(ra.out, "  %d. ", c.Index+1)
		colours.Info.Fprintf(ra.out, "~%.0fs, %d words, %d chars\n", c.EstimatedDuration.Seconds(), c.Words(), len([]rune(c.Text)))
		fmt.Fprintf(ra.out, "     💬 %s\n", preview(c.Text, 70))
	}
	fmt.Fprintln(ra.out)
	colours.Success.Fprintf(ra.out, "✨ %d chunks, ~%.0fs of speech, %d workers ✨\n", len(chunks), total, concurrency)
	return nil
}

// Voices lists the voices of the configured engine.
func (ra *ReadAloud) Voices(cmd *cobra.Command, args []string) error {
	engine, closeEngine, err := ra.newSynthesizer()
	if err != nil {
		return err
	}
	defer closeEngine()

	fmt.Fprintln(ra.out)
	colours.Title.Fprintf(ra.out, "🗣️ Voices for %s 🗣️\n", engine.Name())
	fmt.Fprintln(ra.out)

	lister, ok := engine.(synth.VoiceLister)
	if !ok {
		colours.Info.Fprintln(ra.out, "This engine takes a language code, the defaults are:")
		languages := make([]string, 0, len(synth.DefaultVoices))
		for lang := range synth.DefaultVoices {
			languages = append(languages, lang)
		}
		sort.Strings(languages)
		for _, lang := range languages {
			fmt.Fprintf(ra.out, "  • %s  ", lang)
			colours.Voice.Fprintln(ra.out, synth.DefaultVoices[lang])
		}
		return nil
	}

	voices, err := lister.Voices(ra.ctx)
	if err != nil {
		return fmt.Errorf("failed to list voices: %w", err)
	}
	for _, v := range voices {
		fmt.Fprintf(ra.out, "  • ")
		colours.Voice.Fprintf(ra.out, "%s", v.Name)
		fmt.Fprintf(ra.out, "  %s %s\n", v.Language, strings.ToLower(v.Gender))
	}
	colours.Success.Fprintf(ra.out, "✨ %d voices ✨\n", len(voices))
	return nil
}

func (ra *ReadAloud) CacheStatus(cmd *cobra.Command, args []string) error {
	c, err := cache.New(ra.cfg.Cache.Dir, ra.cfg.Cache.MaxAge, ra.logger)
	if err != nil {
		return err
	}
	info, err := c.Info()
	if err != nil {
		return err
	}

	fmt.Fprintln(ra.out)
	colours.Title.Fprintln(ra.out, "🗄️ Audio cache 🗄️")
	fmt.Fprintln(ra.out)
	state := "disabled"
	if ra.cfg.Cache.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(ra.out, "  📁 Directory: %s (%s)\n", info.Dir, state)
	fmt.Fprintf(ra.out, "  📦 Files: %d, %s\n", info.Files, humanBytes(info.Size))
	if info.MaxAge > 0 {
		fmt.Fprintf(ra.out, "  ⏳ Max age: %s\n", info.MaxAge)
	}
	if !info.Oldest.IsZero() {
		fmt.Fprintf(ra.out, "  🕰️ Oldest: %s\n", info.Oldest.Format("2006-01-02 15:04"))
	}

	backends := make([]string, 0, len(info.Backends))
	for name := range info.Backends {
		backends = append(backends, name)
	}
	sort.Strings(backends)
	for _, name := range backends {
		colours.Info.Fprintf(ra.out, "     %s: %d\n", name, info.Backends[name])
	}
	return nil
}

func (ra *ReadAloud) CacheClear(cmd *cobra.Command, args []string) error {
	c, err := cache.New(ra.cfg.Cache.Dir, ra.cfg.Cache.MaxAge, ra.logger)
	if err != nil {
		return err
	}
	if err := c.Clear(); err != nil {
		return err
	}
	colours.Success.Fprintf(ra.out, "🧹 Cleared %s\n", c.Dir())
	return nil
}

func (ra *ReadAloud) CachePrune(cmd *cobra.Command, args []string) error {
	c, err := cache.New(ra.cfg.Cache.Dir, ra.cfg.Cache.MaxAge, ra.logger)
	if err != nil {
		return err
	}
	removed, err := c.Prune()
	if err != nil {
		return err
	}
	colours.Success.Fprintf(ra.out, "🧹 Removed %d expired entries\n", removed)
	return nil
}

// newSynthesizer builds the configured backend. The returned func releases
// it.
func (ra *ReadAloud) newSynthesizer() (synth.Synthesizer, func(), error) {
	e := ra.cfg.Engine
	engine, err := synth.NewEngine(ra.ctx, synth.Config{
		Type:   e.Type,
		Voice:  e.Voice,
		Speed:  e.Speed,
		Volume: e.Volume,
		Google: synth.GoogleOptions{
			CredentialsFile: e.GoogleCredentials,
			Endpoint:        e.GoogleEndpoint,
		},
		Command:      e.Command,
		Format:       e.Format,
		HTTPEndpoint: e.HTTPEndpoint,
		HTTPAPIKey:   e.HTTPAPIKey,
	}, ra.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create synthesis engine: %w", err)
	}

	release := func() {}
	if closer, ok := engine.(io.Closer); ok {
		release = func() {
			if err := closer.Close(); err != nil {
				ra.logger.WithError(err).Debug("Failed to close synthesis engine")
			}
		}
	}
	return engine, release, nil
}

func (ra *ReadAloud) withCache(engine synth.Synthesizer) (synth.Synthesizer, error) {
	c, err := cache.New(ra.cfg.Cache.Dir, ra.cfg.Cache.MaxAge, ra.logger)
	if err != nil {
		return nil, err
	}
	if removed, err := c.Prune(); err != nil {
		ra.logger.WithError(err).Warn("Failed to prune audio cache")
	} else if removed > 0 {
		ra.logger.WithField("removed", removed).Debug("Pruned audio cache")
	}
	return c.Wrap(engine), nil
}

// tuning applies the configured chunking and falls back to the
// recommendation for the text length where a value is left at zero. A
// positive maxBytes lowers the rune ceiling so a chunk of this text fits in
// that many bytes.
func (ra *ReadAloud) tuning(text string, maxBytes int) (planner.Options, int) {
	rec := planner.Recommend(text)

	ch := ra.cfg.Chunking
	opts := planner.Options{
		TargetSeconds:  ch.TargetSeconds,
		MaxChars:       ch.MaxChars,
		MinChars:       ch.MinChars,
		WordsPerMinute: ch.WordsPerMinute,
	}
	if opts.TargetSeconds == 0 {
		opts.TargetSeconds = rec.TargetSeconds
	}
	opts.MaxChars = fitBytes(opts.MaxChars, maxBytes, text)

	concurrency := ra.cfg.Synthesis.Concurrency
	if concurrency == 0 {
		concurrency = rec.Concurrency
	}
	return opts, concurrency
}

func (ra *ReadAloud) pipelineOptions(text, voice string, engine synth.Synthesizer) (pipeline.Options, error) {
	output, err := outputPath(ra.cfg.Output.Path, engine.Format())
	if err != nil {
		return pipeline.Options{}, err
	}

	maxBytes := 0
	if l, ok := engine.(synth.InputLimiter); ok {
		maxBytes = l.MaxInputBytes()
	}
	plannerOpts, concurrency := ra.tuning(text, maxBytes)
	s := ra.cfg.Synthesis
	return pipeline.Options{
		Planner: plannerOpts,
		Synthesis: orchestrator.Options{
			Voice:             voice,
			Concurrency:       concurrency,
			MaxRetries:        s.MaxRetries,
			PerTaskTimeout:    s.PerTaskTimeout,
			RetryBackoff:      s.RetryBackoff,
			RequestsPerSecond: s.RequestsPerSecond,
		},
		Streaming:     ra.cfg.Playback.Streaming,
		OutputPath:    output,
		Retain:        ra.cfg.Output.Retain,
		WorkDirParent: ra.cfg.Output.WorkDir,
		StaleAfter:    ra.cfg.Output.StaleAfter,
		GapSilence:    ra.cfg.Output.GapSilence,
		PlayAfter:     ra.cfg.Playback.PlayAfter,
		Deadline:      ra.cfg.Deadline,
	}, nil
}

// fitBytes lowers maxChars so that maxChars runes of the widest rune in text
// stay within maxBytes.
func fitBytes(maxChars, maxBytes int, text string) int {
	if maxBytes <= 0 || maxChars <= 0 {
		return maxChars
	}
	widest := 1
	for _, r := range text {
		widest = max(widest, utf8.RuneLen(r))
	}
	return max(1, min(maxChars, maxBytes/widest))
}

// synthBackend looks through the cache wrapper.
func synthBackend(s synth.Synthesizer) synth.Synthesizer {
	if w, ok := s.(interface{ Unwrap() synth.Synthesizer }); ok {
		return w.Unwrap()
	}
	return s
}

// outputPath gives a bare path the engine's extension and refuses one that
// names a different container.
func outputPath(path string, format synth.AudioFormat) (string, error) {
	if path == "" {
		return "", nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case "":
		return path + format.Ext(), nil
	case format.Ext():
		return path, nil
	default:
		return "", fmt.Errorf("output %s does not match the %s audio this engine produces", path, format)
	}
}

func (ra *ReadAloud) detectDevice() playback.Device {
	device, err := playback.Detect(ra.cfg.Playback.Player, ra.logger)
	if err != nil {
		colours.Warning.Fprintf(ra.out, "🔇 %v, generating audio only\n", err)
		return nil
	}
	return device
}

func (ra *ReadAloud) writeMetrics() {
	if ra.cfg.MetricsFile == "" {
		return
	}
	if err := ra.metrics.WriteTextfile(ra.cfg.MetricsFile); err != nil {
		ra.logger.WithError(err).Warn("Failed to write metrics file")
	}
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
