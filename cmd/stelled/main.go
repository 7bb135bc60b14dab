// Stelle - embodied chat orchestrator daemon
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/audio"
	"github.com/stelle3d/stelle/internal/bus"
	"github.com/stelle3d/stelle/internal/character"
	"github.com/stelle3d/stelle/internal/config"
	"github.com/stelle3d/stelle/internal/dialog"
	"github.com/stelle3d/stelle/internal/history"
	"github.com/stelle3d/stelle/internal/llm"
	"github.com/stelle3d/stelle/internal/logging"
	"github.com/stelle3d/stelle/internal/prompt"
	"github.com/stelle3d/stelle/internal/statesync"
	"github.com/stelle3d/stelle/internal/tts"
)

// app holds the wired pipeline. The orchestrator is rebuilt on config
// reload; the store, bus, character and player live for the process.
type app struct {
	mu           sync.Mutex
	orchestrator *dialog.Orchestrator

	store    *history.FileStore
	eventBus *bus.Bus
	chr      *character.Controller
	player   *audio.Player
	syslog   *logging.Logger
	noSpeech bool
}

// loadEnvFile loads API keys from ~/.stelle/.env into the process
// environment when they are not already set.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}

	file, err := os.Open(filepath.Join(home, ".stelle", ".env"))
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// fillCredentials backfills API keys from the environment when the config
// file leaves them empty, so keys never have to live in config.yaml.
func fillCredentials(cfg *config.Config) {
	if cfg.LLM.APIKey == "" {
		for _, key := range []string{"STELLE_LLM_API_KEY", "GEMINI_API_KEY"} {
			if v := os.Getenv(key); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
	if cfg.TTS.APIKey == "" {
		for _, key := range []string{"STELLE_TTS_API_KEY", "SILICONFLOW_API_KEY"} {
			if v := os.Getenv(key); v != "" {
				cfg.TTS.APIKey = v
				break
			}
		}
	}
}

// rebuild constructs the per-config parts of the pipeline and swaps in a
// fresh orchestrator.
func (a *app) rebuild(cfg *config.Config) {
	fillCredentials(cfg)

	model := llm.NewClient(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, a.syslog.Zerolog())

	synth := tts.New(&tts.Config{
		Backend:        tts.Backend(cfg.TTS.Backend),
		ServiceURL:     cfg.TTS.ServiceURL,
		APIKey:         cfg.TTS.APIKey,
		Model:          cfg.TTS.Model,
		Voice:          cfg.TTS.Voice,
		ResponseFormat: cfg.TTS.Format,
		SampleRate:     cfg.TTS.SampleRate,
		Speed:          cfg.TTS.Speed,
		Gain:           cfg.TTS.Gain,
		MaxTokens:      cfg.TTS.MaxTokens,
		Timeout:        cfg.TTS.Timeout,
	}, a.syslog.Zerolog())

	orchestrator := dialog.New(dialog.Deps{
		History:   a.store,
		LLM:       model,
		Synth:     synth,
		Character: a.chr,
		Player:    a.player,
		Bus:       a.eventBus,
		Logger:    a.syslog.Zerolog(),
		Builder: prompt.Builder{
			Persona:    cfg.Persona.Description,
			Language:   prompt.Language(cfg.Persona.Language),
			MaxHistory: cfg.LLM.MaxHistory,
		},
		SpeechEnabled: cfg.TTS.Enabled && !a.noSpeech,
		Fallback:      cfg.Persona.Fallback,
	})
	orchestrator.SetReplyHandler(func(text string) {
		fmt.Printf("%s: %s\n", cfg.Persona.Name, text)
	})

	a.mu.Lock()
	a.orchestrator = orchestrator
	a.mu.Unlock()
}

func (a *app) current() *dialog.Orchestrator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orchestrator
}

func main() {
	configDirFlag := flag.String("config", "", "config directory (default ~/.stelle)")
	noSpeech := flag.Bool("no-speech", false, "disable speech synthesis for this run")
	flag.Parse()

	loadEnvFile()

	configDir := *configDirFlag
	if configDir == "" {
		var err error
		configDir, err = config.Dir()
		if err != nil {
			log.Fatalf("Failed to resolve config directory: %v", err)
		}
	}

	cfg, err := config.LoadFrom(configDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	syslog, err := logging.New(&logging.Config{
		LogDir:  cfg.Log.Dir,
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer syslog.Close()

	mainLog := syslog.Component("main")
	mainLog.Info().Str("configDir", configDir).Msg("Stelle starting")

	eventBus := bus.New()
	chr := character.NewController(eventBus, syslog.Zerolog())
	store := history.NewFileStore(cfg.History.File, syslog.Zerolog())
	player := audio.NewPlayer(eventBus, syslog.Zerolog())

	a := &app{
		store:    store,
		eventBus: eventBus,
		chr:      chr,
		player:   player,
		syslog:   syslog,
		noSpeech: *noSpeech,
	}
	a.rebuild(cfg)

	if cfg.Sync.Enabled {
		feed := statesync.NewServer(cfg.Sync.Addr, eventBus, chr, syslog.Zerolog())
		if err := feed.Start(); err != nil {
			mainLog.Error().Err(err).Msg("State feed failed to start, continuing without it")
		} else {
			player.SetSink(feed.BroadcastClip)
			defer feed.Close()
		}
	}

	watcher, err := config.Watch(configDir, syslog.Zerolog(), a.rebuild)
	if err != nil {
		mainLog.Warn().Err(err).Msg("Config hot-reload unavailable")
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		mainLog.Info().Msg("Shutting down")
		player.Stop()
		cancel()
	}()

	// Pick the conversation back up where it left off.
	if last, ok := store.LastAssistant(); ok {
		fmt.Printf("%s: %s\n", cfg.Persona.Name, last.Content)
	}

	fmt.Println("Type a message and press enter. /clear resets the conversation, /quit exits.")
	runREPL(ctx, a, mainLog)
}

func runREPL(ctx context.Context, a *app, mainLog zerolog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return
		case line == "/clear":
			if err := a.current().Reset(); err != nil {
				fmt.Printf("clear failed: %v\n", err)
				continue
			}
			fmt.Println("Conversation cleared.")
		case strings.HasPrefix(line, "/"):
			fmt.Println("Commands: /clear, /quit")
		default:
			if err := a.current().HandleUserTurn(ctx, line); err != nil {
				mainLog.Warn().Err(err).Msg("Turn did not complete cleanly")
			}
		}
	}
}
