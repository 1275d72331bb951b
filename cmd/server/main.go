package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/qtrix/purge-server/internal/config"
	"github.com/qtrix/purge-server/internal/ws"
)

const (
	service = "purge-server"
	version = "v1.2.0"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`Purge - realtime arena coordination server

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 3001 or PORT env var)

Environment Variables:
  PORT              Port to listen on (preferred)
  WS_PORT           Port to listen on (fallback, default: 3001)
  NODE_ENV          "production" enables origin enforcement
  ALLOWED_ORIGINS   Comma-separated origin allow-list ("*" disables)
  LOG_FILE          Optional rolling log file path

Endpoints:
  ws://host:port/?gameId=<int>&playerId=<str>            arena room
  ws://host:port/battle?challengeId=<str>&playerId=<str> battle room
  GET /health                                            status JSON
`, os.Args[0])
		return
	}
	if *showVersion {
		fmt.Printf("%s %s\n", service, version)
		return
	}

	cfg := config.FromEnv()
	if *portFlag != "" {
		cfg.Port = *portFlag
	}

	setupLogging(cfg)

	srv := ws.New(cfg)
	srv.Start()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if ws.IsWebSocket(c.Request) {
			return
		}
		zerologlog.Info().Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	})

	r.GET("/health", func(c *gin.Context) { srv.Health(c, service, version) })
	r.GET("/", func(c *gin.Context) {
		if ws.IsWebSocket(c.Request) {
			srv.HandleArena(c)
			return
		}
		srv.Health(c, service, version)
	})
	r.GET("/battle", srv.HandleBattle)

	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		zerologlog.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zerologlog.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	zerologlog.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		zerologlog.Error().Err(err).Msg("http shutdown")
	}
	srv.Stop()
	zerologlog.Info().Msg("done")
}

// setupLogging configures the global zerolog writer: human-friendly
// console, plus a rolling file when LOG_FILE is set.
func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	var w io.Writer = cw
	if cfg.LogFile != "" {
		w = zerolog.MultiLevelWriter(cw, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		})
	}
	zerologlog.Logger = zerologlog.Output(w)
}

// cors applies the permissive browser policy: any origin may call the
// HTTP surface, and preflights get an empty 200.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
