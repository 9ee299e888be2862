package main

import (
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"charchat/internal/api"
	"charchat/internal/app"
	"charchat/internal/chat"
	"charchat/internal/config"
	"charchat/internal/logging"
	"charchat/internal/mock"
	"charchat/internal/realtime"
)

func main() {
	cliApp := &cli.App{
		Name:  "charchat",
		Usage: "Terminal client for a character-chat backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Backend base URL (overrides config)",
			},
			&cli.StringFlag{
				Name:    "character",
				Aliases: []string{"c"},
				Usage:   "Character id to chat with (overrides config)",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Display name for the character",
				Value: "Character",
			},
		},
		Action: runChat,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the local mock backend",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "port",
						Value: 8600,
						Usage: "Port to listen on",
					},
				},
				Action: func(c *cli.Context) error {
					logger := logging.New(logging.LevelInfo, os.Stderr)
					srv := mock.NewServer(logger)
					logger.Info("mock backend listening", "port", c.Int("port"))
					return srv.Start(c.Int("port"))
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runChat(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if s := c.String("server"); s != "" {
		cfg.ServerURL = s
	}
	if id := c.String("character"); id != "" {
		cfg.CharacterID = id
	}
	if cfg.CharacterID == "" {
		return fmt.Errorf("no character configured, pass --character or set character_id")
	}

	logger := logging.Nop()
	if cfg.LogLevel != "" {
		logger = logging.New(logging.ParseLevel(cfg.LogLevel), os.Stderr)
	}

	client := api.NewClient(cfg.ServerURL, api.WithLogger(logger))
	appCtx := chat.NewAppContext(chat.Identity{
		ID:            cfg.UserID,
		Name:          cfg.UserName,
		Authenticated: cfg.Authenticated,
	})
	history := chat.NewHistoryStore(appCtx, client, cfg.MessagePageSize, logger)
	sessions := chat.NewSessionStore(appCtx, client, history, cfg.SessionPageSize, logger)
	pipeline := chat.NewPipeline(appCtx, client, sessions, history, logger,
		chat.WithAPIKey(cfg.APIKey),
		chat.WithSmoothing(cfg.PendingShowDelay, cfg.PendingMinHold),
	)
	sessions.SetCharacter(cfg.CharacterID)

	listener := realtime.NewListener(cfg.ServerURL, cfg.UserID, logger)
	if err := listener.Connect(); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	defer listener.Close()

	engine := &app.Engine{
		App:           appCtx,
		Sessions:      sessions,
		History:       history,
		Pipeline:      pipeline,
		Listener:      listener,
		CharacterName: c.String("name"),
	}

	model := app.New(engine)
	program := tea.NewProgram(&model, tea.WithAltScreen())
	model.SetProgram(program)

	_, err = program.Run()
	return err
}
