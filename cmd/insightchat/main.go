package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"InsightChat/internal/chatbot"
	"InsightChat/internal/config"
)

const defaultConfigFile = "insightchat.toml"

func main() {
	cfg := config.Default()

	var configPath string
	var apiBase, sessionID, dataDir, logDir string
	var debug bool

	flag.StringVar(&configPath, "config", defaultConfigFile, "Path to a TOML config file")
	flag.StringVar(&apiBase, "api-base", "", "Backend base URL (default "+config.DefaultAPIBase+")")
	flag.StringVar(&sessionID, "session-id", "", "Open an existing session by ID")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&dataDir, "data-dir", "", "Directory for the local snapshot database")
	flag.StringVar(&logDir, "log-dir", "", "Directory for logs, traces and metrics")
	flag.Parse()

	// The default file is optional; an explicit one must exist.
	if err := config.LoadTOML(&cfg, configPath); err != nil {
		if configPath != defaultConfigFile || !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg.ApplyEnv()

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-base":
			cfg.APIBase = apiBase
		case "session-id":
			cfg.SessionID = sessionID
		case "debug":
			cfg.Debug = debug
		case "data-dir":
			cfg.DataDir = dataDir
		case "log-dir":
			cfg.LogDir = logDir
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	bot, err := chatbot.NewChatBot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		os.Exit(1)
	}

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
