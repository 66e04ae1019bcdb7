package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/libinterview/audio"
	"github.com/bosley/libinterview/config"
	"github.com/bosley/libinterview/control"
	"github.com/bosley/libinterview/proctor"
	"github.com/bosley/libinterview/protocol"
	"github.com/bosley/libinterview/session"
	"github.com/bosley/libinterview/stt"
	"github.com/bosley/libinterview/timer"
	"github.com/bosley/libinterview/video"
	"github.com/bosley/libinterview/voice"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "interview.yaml", "Path to the YAML config file")
	jobID := flag.String("job", "", "Job ID (falls back to INTERVIEW_JOB_ID)")
	resumeID := flag.String("resume", "", "Resume ID (falls back to INTERVIEW_RESUME_ID)")
	addr := flag.String("addr", "", "Control server address, overrides the config")
	playFile := flag.String("play", "", "Play a WAV file and exit")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	deviceID := flag.Int("device", -1, "Audio input device ID to use, overrides the config (-1 is the system default)")
	flag.Parse()

	if *playFile != "" {
		data, err := os.ReadFile(*playFile)
		if err != nil {
			slog.Error("Failed to read audio file", "error", err)
			os.Exit(1)
		}
		if err := audio.PlayWAV(context.Background(), data); err != nil {
			slog.Error("Failed to play audio file", "error", err)
		}
		return
	}

	if *listDevices {
		devices, err := audio.ListInputDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err, "path", *configPath)
		os.Exit(1)
	}
	level.Set(cfg.SlogLevel())

	cfg.Session.JobID = firstNonEmpty(*jobID, os.Getenv("INTERVIEW_JOB_ID"), cfg.Session.JobID)
	cfg.Session.ResumeID = firstNonEmpty(*resumeID, os.Getenv("INTERVIEW_RESUME_ID"), cfg.Session.ResumeID)
	if *addr != "" {
		cfg.Control.Addr = *addr
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "device" {
			cfg.Voice.DeviceID = *deviceID
		}
	})
	if cfg.Session.JobID == "" || cfg.Session.ResumeID == "" {
		slog.Error("Job and resume IDs are required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	go func() {
		err := config.Watch(ctx, *configPath, func(next *config.Config) {
			level.Set(next.SlogLevel())
			slog.Info("Log level updated", "level", next.SlogLevel())
		})
		if err != nil {
			slog.Warn("Config watch disabled", "error", err)
		}
	}()

	orch, archiver := build(cfg)
	defer func() {
		if archiver != nil {
			archiver.Close()
		}
	}()

	srv := control.New(cfg.Control.Addr, orch)
	go func() {
		if err := srv.Run(ctx); err != nil {
			slog.Error("Control server failed", "error", err)
			cancel()
		}
	}()

	go func() {
		<-orch.Done()
		st := orch.Snapshot()
		slog.Info("Interview finished",
			"reason", st.TerminationReason,
			"questions", st.QuestionCount,
			"tabSwitches", st.TabSwitches)
		// Give viewers a moment to see the final state.
		time.Sleep(time.Second)
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("Session failed", "error", err)
	}
	<-ctx.Done()

	slog.Debug("Program exiting")
}

// build wires the orchestrator to its hardware and network collaborators.
func build(cfg *config.Config) (*session.Orchestrator, *audio.Archiver) {
	id := uuid.NewString()

	voiceOpts := voice.Options{
		Tokens:      voice.NewHTTPTokenSource(cfg.Endpoints.Token),
		Microphone:  voice.PortAudio(audio.NewMicrophone(cfg.Voice.SampleRate, cfg.Voice.Chunk, cfg.Voice.DeviceID)),
		Transcriber: voice.Deepgram(stt.NewDeepgram(cfg.Endpoints.STT, cfg.Voice.Model, cfg.Voice.SampleRate)),
		Session:     id,
	}
	var archiver *audio.Archiver
	if cfg.RecordingsDir != "" {
		archiver = audio.NewArchiver(cfg.RecordingsDir, cfg.Voice.SampleRate)
		voiceOpts.Archive = archiver
	}

	monitor := proctor.NewMonitor(
		video.NewCamera(cfg.Proctor.FFmpegPath, cfg.Proctor.CameraDevice),
		proctor.NewDetectionClient(cfg.Endpoints.Detect, cfg.Endpoints.Health),
		proctor.MonitorConfig{
			Interval:      cfg.Proctor.PollInterval,
			ReadyAttempts: cfg.Proctor.ReadyAttempts,
			ReadyDelay:    cfg.Proctor.ReadyDelay,
		},
	)

	opts := session.Options{
		ID:             id,
		JobID:          cfg.Session.JobID,
		ResumeID:       cfg.Session.ResumeID,
		Conn:           protocol.NewClient(cfg.Endpoints.InterviewWS),
		Voice:          voice.NewEngine(voiceOpts),
		Visual:         monitor,
		Screens:        video.NewScreen(cfg.Proctor.FFmpegPath, cfg.Proctor.Display),
		Timer:          timer.New(int(cfg.Session.Duration/time.Second), time.Second),
		TabSwitchLimit: cfg.Session.TabSwitchLimit,
		MaxQuestions:   cfg.Session.MaxQuestions,
		Duration:       cfg.Session.Duration,
	}
	if cfg.Endpoints.TTS != "" {
		opts.Speaker = audio.NewSpeaker(cfg.Endpoints.TTS, nil)
	}

	return session.New(opts), archiver
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
