// Command factrcon issues console commands to a running game server over
// RCON, either one-shot, as an interactive shell, or through the typed
// game commands the RL harness uses.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/factai/factrcon/internal/controller"
	"github.com/factai/factrcon/internal/rcon"
	"github.com/factai/factrcon/internal/version"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, os.Args); err != nil {
		slog.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var cfg rcon.Config
	return newApp(&cfg).RunContext(ctx, args)
}

// newApp builds the CLI. Global flags populate cfg in the Before hook,
// before any subcommand action runs.
func newApp(cfg *rcon.Config) *cli.App {
	loglevel := "info"
	tlsMode := "off"

	return &cli.App{
		Name:    "factrcon",
		Usage:   "issue console commands to a running game server over RCON",
		Version: version.VERSION,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "host",
				Usage:       "server address",
				EnvVars:     []string{"FACTRCON_HOST"},
				Value:       "127.0.0.1",
				Destination: &cfg.Host,
			},
			&cli.IntFlag{
				Name:        "port",
				Usage:       "RCON port",
				EnvVars:     []string{"FACTRCON_PORT"},
				Value:       rcon.DefaultPort,
				Destination: &cfg.Port,
			},
			&cli.StringFlag{
				Name:        "password",
				Usage:       "RCON password",
				EnvVars:     []string{"FACTRCON_PASSWORD"},
				Required:    true,
				Destination: &cfg.Password,
			},
			&cli.StringFlag{
				Name:        "tls",
				Usage:       "transport security: off, verify, or insecure",
				EnvVars:     []string{"FACTRCON_TLS"},
				Value:       tlsMode,
				Destination: &tlsMode,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "read deadline per response; 0 blocks forever",
				Value:       10 * time.Second,
				Destination: &cfg.ReadTimeout,
			},
			&cli.DurationFlag{
				Name:        "delay",
				Usage:       "pause after each command; negative disables",
				Value:       rcon.DefaultCommandDelay,
				Destination: &cfg.CommandDelay,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Verbosity of log, valid values are: debug, info, warn, error",
				EnvVars:     []string{"FACTRCON_LOG_LEVEL"},
				Value:       loglevel,
				Destination: &loglevel,
			},
		},
		Before: func(cctx *cli.Context) error {
			level := slog.LevelInfo
			switch strings.ToLower(loglevel) {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
			logger := slog.New(slog.NewTextHandler(cctx.App.ErrWriter, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)
			cfg.Logger = logger

			sec, err := parseSecurity(tlsMode)
			if err != nil {
				return err
			}
			if sec == rcon.TLSInsecure {
				logger.Warn("TLS verification disabled; the connection has no authenticity guarantee")
			}
			cfg.Security = sec
			return nil
		},
		Commands: []*cli.Command{
			execCmd(cfg),
			shellCmd(cfg),
			gameCmd(cfg),
		},
	}
}

func parseSecurity(mode string) (rcon.Security, error) {
	switch strings.ToLower(mode) {
	case "off", "plaintext", "":
		return rcon.Plaintext, nil
	case "verify", "tls-verified":
		return rcon.TLSVerified, nil
	case "insecure", "tls-insecure":
		return rcon.TLSInsecure, nil
	default:
		return rcon.Plaintext, fmt.Errorf("unknown tls mode %q", mode)
	}
}

// withClient connects, runs fn, and disconnects on every exit path.
func withClient(cctx *cli.Context, cfg *rcon.Config, fn func(c *rcon.Client) error) error {
	c, err := rcon.Dial(cctx.Context, *cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

func execCmd(cfg *rcon.Config) *cli.Command {
	var binary bool
	return &cli.Command{
		Name:      "exec",
		Usage:     "connect, run one command, print the reply",
		ArgsUsage: "<command>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "binary",
				Usage:       "decode the reply as msgpack instead of text",
				Destination: &binary,
			},
		},
		Action: func(cctx *cli.Context) error {
			if cctx.NArg() == 0 {
				return errors.New("exec: no command given")
			}
			text := strings.Join(cctx.Args().Slice(), " ")

			return withClient(cctx, cfg, func(c *rcon.Client) error {
				if binary {
					v, err := c.CommandBinary(text)
					if err != nil {
						return err
					}
					fmt.Fprintf(cctx.App.Writer, "%v\n", v)
					return nil
				}
				out, err := c.Command(text)
				if err != nil {
					return err
				}
				fmt.Fprintln(cctx.App.Writer, out)
				return nil
			})
		},
	}
}

func shellCmd(cfg *rcon.Config) *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "interactive command loop; exit or EOF quits",
		Action: func(cctx *cli.Context) error {
			return withClient(cctx, cfg, func(c *rcon.Client) error {
				scanner := bufio.NewScanner(cctx.App.Reader)
				for {
					if err := cctx.Context.Err(); err != nil {
						return err
					}
					fmt.Fprint(cctx.App.ErrWriter, "rcon> ")
					if !scanner.Scan() {
						return scanner.Err()
					}
					line := strings.TrimSpace(scanner.Text())
					switch line {
					case "":
						continue
					case "exit", "quit":
						return nil
					}

					out, err := c.Command(line)
					if err != nil {
						return err
					}
					fmt.Fprintln(cctx.App.Writer, out)
				}
			})
		},
	}
}

// gameCmd exposes the typed harness commands: hello handshake, camera
// zoom, tick stepping, and observation polling.
func gameCmd(cfg *rcon.Config) *cli.Command {
	return &cli.Command{
		Name:  "game",
		Usage: "typed game commands used by the RL harness",
		Subcommands: []*cli.Command{
			{
				Name:  "hello",
				Usage: "run the post-connect handshake command",
				Action: func(cctx *cli.Context) error {
					return withClient(cctx, cfg, func(c *rcon.Client) error {
						out, err := controller.New(c).Hello()
						if err != nil {
							return err
						}
						fmt.Fprintln(cctx.App.Writer, out)
						return nil
					})
				},
			},
			{
				Name:  "zoom",
				Usage: "set the camera zoom and print the reported geometry",
				Flags: []cli.Flag{
					&cli.Float64Flag{Name: "zoom", Aliases: []string{"z"}, Value: controller.DefaultZoom},
				},
				Action: func(cctx *cli.Context) error {
					return withClient(cctx, cfg, func(c *rcon.Client) error {
						di, err := controller.New(c).Zoom(cctx.Float64("zoom"))
						if err != nil {
							return err
						}
						fmt.Fprintf(cctx.App.Writer, "window=%+v screen=%+v offset=%+v world=%+v\n",
							di.WindowDims, di.ScreenDims, di.CameraTLPlayerOffset, di.CameraWorldSpace)
						return nil
					})
				},
			},
			{
				Name:  "step",
				Usage: "advance the game by n ticks",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 1},
				},
				Action: func(cctx *cli.Context) error {
					return withClient(cctx, cfg, func(c *rcon.Client) error {
						out, err := controller.New(c).Step(cctx.Int("n"))
						if err != nil {
							return err
						}
						fmt.Fprintln(cctx.App.Writer, out)
						return nil
					})
				},
			},
			{
				Name:  "observe",
				Usage: "request n observation frames and print the decoded payload",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "n", Value: 1},
				},
				Action: func(cctx *cli.Context) error {
					return withClient(cctx, cfg, func(c *rcon.Client) error {
						v, err := controller.New(c).Observe(cctx.Int("n"))
						if err != nil {
							return err
						}
						fmt.Fprintf(cctx.App.Writer, "%v\n", v)
						return nil
					})
				},
			},
		},
	}
}
