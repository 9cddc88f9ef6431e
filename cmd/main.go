package main

import (
	"fmt"
	"os"
	"os/signal"
	"readaloud/internal/app"
	"readaloud/internal/cli/scheme/colours"
	"readaloud/internal/config"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	v := viper.GetViper()
	config.Init(v)

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var ra *app.ReadAloud

	rootCmd := &cobra.Command{
		Use:   "readaloud",
		Short: "🔊 Read long texts aloud",
		Long: `
┌─────────────────────────────────────┐
│  🔊 readaloud                       │
│  Long texts, spoken without waiting │
└─────────────────────────────────────┘

readaloud splits a text into chunks, synthesizes them in parallel and starts
speaking as soon as the first chunk is ready. Pass -o to also save the whole
reading as a single audio file.
		`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				v.SetConfigFile(path)
			}
			if noStream, _ := cmd.Flags().GetBool("no-stream"); noStream {
				v.Set("playback.streaming", false)
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			level, err := logrus.ParseLevel(cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
			}
			logger.SetLevel(level)

			ra = app.New(cfg, logger)
			handleSignals(ra)
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			ra.ShowWelcome()
		},
	}

	// Speak command
	speakCmd := &cobra.Command{
		Use:   "speak [text]",
		Short: "🎙️ Read text aloud",
		Long:  "Synthesize text in parallel chunks, play it as it arrives and optionally save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ra.Speak(cmd, args)
		},
	}

	// Plan command
	planCmd := &cobra.Command{
		Use:   "plan [text]",
		Short: "🧩 Show the chunk plan",
		Long:  "Split the text the way speak would and print the chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ra.Plan(cmd, args)
		},
	}

	// Voices command
	voicesCmd := &cobra.Command{
		Use:   "voices",
		Short: "🗣️ List voices",
		Long:  "List the voices offered by the configured engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ra.Voices(cmd, args)
		},
	}

	// Cache commands
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "🗄️ Manage the audio cache",
	}
	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show cache usage",
			RunE: func(cmd *cobra.Command, args []string) error {
				return ra.CacheStatus(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached chunk",
			RunE: func(cmd *cobra.Command, args []string) error {
				return ra.CacheClear(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Remove expired cached chunks",
			RunE: func(cmd *cobra.Command, args []string) error {
				return ra.CachePrune(cmd, args)
			},
		},
	)

	// Add flags
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default $HOME/.readaloud/readaloud.yaml)")
	pf.StringP("engine", "e", "auto", "Synthesis engine: auto, mock, espeak, google, http or exec")
	pf.StringP("voice", "v", "", "Voice to read with. See the voices command for options")
	pf.StringP("language", "l", "en", "Language used to pick a default voice")
	pf.String("log-level", "warn", "Log level: debug, info, warn or error")
	pf.String("metrics-file", "", "Write Prometheus metrics to this file after a run")
	pf.Bool("cache", false, "Reuse previously synthesized chunks")
	pf.Float64("target-seconds", 0, "Target speaking time per chunk, 0 picks one from the text length")
	pf.Int("max-chars", 4800, "Hard limit of characters per chunk")

	for _, cmd := range []*cobra.Command{speakCmd, planCmd} {
		cmd.Flags().StringP("file", "f", "", "Read the text from a file, - for stdin")
	}

	sf := speakCmd.Flags()
	sf.StringP("output", "o", "", "Save the reading to this audio file")
	sf.Bool("no-stream", false, "Do not play while synthesizing, only write the output")
	sf.Bool("play-after", false, "Play the saved file once it is complete")
	sf.String("player", "auto", "Playback: auto, speaker, command, none or a player command line")
	sf.IntP("concurrency", "c", 0, "Parallel synthesis requests, 0 picks one from the text length")
	sf.Int("retries", 2, "Extra attempts for a failing chunk")
	sf.Duration("timeout", 0, "Timeout of a single synthesis request")
	sf.Float64("rps", 0, "Maximum synthesis requests per second, 0 is unlimited")
	sf.Bool("retain", false, "Keep the per-chunk audio files")
	sf.Duration("gap-silence", 0, "Silence inserted for a missing chunk in WAV output")
	sf.Duration("deadline", 0, "Give up on the whole run after this long")
	sf.String("format", "mp3", "Audio format for the exec and http engines: mp3 or wav")

	bind(v, "engine.type", pf.Lookup("engine"))
	bind(v, "engine.voice", pf.Lookup("voice"))
	bind(v, "engine.language", pf.Lookup("language"))
	bind(v, "log.level", pf.Lookup("log-level"))
	bind(v, "metrics_file", pf.Lookup("metrics-file"))
	bind(v, "cache.enabled", pf.Lookup("cache"))
	bind(v, "chunking.target_seconds", pf.Lookup("target-seconds"))
	bind(v, "chunking.max_chars", pf.Lookup("max-chars"))
	bind(v, "engine.format", sf.Lookup("format"))
	bind(v, "output.path", sf.Lookup("output"))
	bind(v, "output.retain", sf.Lookup("retain"))
	bind(v, "output.gap_silence", sf.Lookup("gap-silence"))
	bind(v, "playback.play_after", sf.Lookup("play-after"))
	bind(v, "playback.player", sf.Lookup("player"))
	bind(v, "synthesis.concurrency", sf.Lookup("concurrency"))
	bind(v, "synthesis.max_retries", sf.Lookup("retries"))
	bind(v, "synthesis.per_task_timeout", sf.Lookup("timeout"))
	bind(v, "synthesis.requests_per_second", sf.Lookup("rps"))
	bind(v, "deadline", sf.Lookup("deadline"))

	rootCmd.AddCommand(speakCmd, planCmd, voicesCmd, cacheCmd)

	if err := rootCmd.Execute(); err != nil {
		colours.Error.Printf("❌ Error: %v\n", err)
		os.Exit(1)
	}
}

// bind ties a config key to a flag. The flag only overrides the config file
// and environment when it was given.
func bind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		logrus.WithError(err).Fatalf("failed to bind flag for %s", key)
	}
}

// handleSignals cancels the run on the first interrupt and exits on the
// second.
func handleSignals(ra *app.ReadAloud) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		ra.Cancel()
		fmt.Fprintln(os.Stderr, "\n"+colours.Warning.Sprint("👋 Stopping, cleaning up..."))
		<-sigChan
		os.Exit(130)
	}()
}
