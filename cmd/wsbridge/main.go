package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/wsbridge/bridge"
	"github.com/guseggert/wsbridge/bridge/client"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	defaults := bridge.DefaultConfig()
	app := &cli.App{
		Name:      "wsbridge",
		Usage:     "run a program for every WebSocket connection, relaying its stdin and stdout line by line",
		ArgsUsage: "[command [args...]]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file. Flags override its values.",
			},
			&cli.StringFlag{
				Name:  "address",
				Usage: "The address for the HTTP server to listen on.",
				Value: defaults.Addr,
			},
			&cli.StringFlag{
				Name:  "basepath",
				Usage: "The URL path prefix to serve under.",
				Value: defaults.BasePath,
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "Serve programs from this directory, resolved from the URL path, instead of a single command.",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Working directory of the programs.",
			},
			&cli.StringFlag{
				Name:  "staticdir",
				Usage: "Serve plain HTTP requests from this directory.",
			},
			&cli.StringFlag{
				Name:  "cgidir",
				Usage: "Serve plain HTTP requests by running CGI scripts from this directory.",
			},
			&cli.IntFlag{
				Name:  "maxforks",
				Usage: "Maximum number of programs running at once. 0 means no limit.",
			},
			&cli.Float64Flag{
				Name:  "max-rate",
				Usage: "Maximum number of new connections per second. 0 means no limit.",
			},
			&cli.BoolFlag{
				Name:  "sameorigin",
				Usage: "Only accept connections whose Origin matches the Host.",
			},
			&cli.StringSliceFlag{
				Name:  "origin",
				Usage: "Host patterns allowed in the Origin header. May be repeated.",
			},
			&cli.StringSliceFlag{
				Name:  "passenv",
				Usage: "Parent environment variables passed to programs. May be repeated.",
				Value: cli.NewStringSlice(defaults.PassEnv...),
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Extra NAME=value variables for programs. May be repeated.",
			},
			&cli.BoolFlag{
				Name:  "reverselookup",
				Usage: "Resolve REMOTE_HOST with a reverse DNS lookup.",
			},
			&cli.BoolFlag{
				Name:  "binary",
				Usage: "Relay binary messages and raw output instead of text lines.",
			},
			&cli.DurationFlag{
				Name:  "grace-period",
				Usage: "How long a finishing session waits for output and for the program to exit.",
				Value: defaults.GracePeriod,
			},
			&cli.Int64Flag{
				Name:  "readlimit",
				Usage: "Largest message accepted from clients, in bytes.",
				Value: defaults.ReadLimit,
			},
			&cli.StringFlag{
				Name:  "partial-lines",
				Usage: "What to do with unterminated output when a program exits. One of [flush,discard].",
				Value: defaults.PartialLines,
			},
			&cli.StringFlag{
				Name:  "exit-code-mapping",
				Usage: "How exit codes become close codes. One of [private,internal].",
				Value: defaults.ExitCodeMapping,
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:      "connect",
				Usage:     "connect stdin and stdout to a bridged endpoint, exiting with the program's exit code",
				ArgsUsage: "URL",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "wait",
						Usage: "Wait this long for the server to come up before connecting.",
					},
					&cli.StringFlag{
						Name:  "loglevel",
						Value: "warn",
					},
				},
				Action: connect,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(l))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func loadConfig(ctx *cli.Context) (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = bridge.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
	}

	setString := func(name string, dst *string) {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if ctx.IsSet(name) {
			*dst = ctx.Bool(name)
		}
	}
	setSlice := func(name string, dst *[]string) {
		if ctx.IsSet(name) {
			*dst = ctx.StringSlice(name)
		}
	}
	setString("address", &cfg.Addr)
	setString("basepath", &cfg.BasePath)
	setString("dir", &cfg.ScriptDir)
	setString("workdir", &cfg.WorkDir)
	setString("staticdir", &cfg.StaticDir)
	setString("cgidir", &cfg.CGIDir)
	setString("partial-lines", &cfg.PartialLines)
	setString("exit-code-mapping", &cfg.ExitCodeMapping)
	setBool("sameorigin", &cfg.SameOrigin)
	setBool("reverselookup", &cfg.ReverseLookup)
	setBool("binary", &cfg.Binary)
	setSlice("origin", &cfg.AllowOrigins)
	setSlice("passenv", &cfg.PassEnv)
	setSlice("env", &cfg.Env)
	if ctx.IsSet("maxforks") {
		cfg.MaxForks = ctx.Int("maxforks")
	}
	if ctx.IsSet("max-rate") {
		cfg.MaxRate = ctx.Float64("max-rate")
	}
	if ctx.IsSet("grace-period") {
		cfg.GracePeriod = ctx.Duration("grace-period")
	}
	if ctx.IsSet("readlimit") {
		cfg.ReadLimit = ctx.Int64("readlimit")
	}

	if ctx.NArg() > 0 {
		args := ctx.Args().Slice()
		cfg.Command = args[0]
		cfg.Args = args[1:]
	}
	return cfg, nil
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := buildLogger(ctx.String("loglevel"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	server, err := bridge.New(cfg, bridge.WithLogger(logger.Named("wsbridge")))
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod+5*time.Second)
		defer cancel()
		err := server.Stop(stopCtx)
		if err != nil {
			logger.Sugar().Warnf("error stopping server: %s", err)
		}
	}()

	err = server.ListenAndServe()
	if err != nil {
		return err
	}
	// Serve returns as soon as the listener closes; sessions are still draining
	<-stopped
	return nil
}

func connect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("expected exactly one URL")
	}
	logger, err := buildLogger(ctx.String("loglevel"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := client.New(ctx.Args().First(), client.WithLogger(logger))
	if err != nil {
		return err
	}
	if wait := ctx.Duration("wait"); wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx.Context, wait)
		err := c.WaitForServer(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("waiting for server: %w", err)
		}
	}

	conn, err := c.Dial(ctx.Context)
	if err != nil {
		return err
	}
	status, err := conn.Pipe(ctx.Context, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	if code := bridge.ExitCodeFromStatus(status); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}
