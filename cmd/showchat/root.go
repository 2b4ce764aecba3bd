package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	showchat "github.com/ggoodman/showchat-go"
	"github.com/ggoodman/showchat-go/backend/httpbackend"
	"github.com/ggoodman/showchat-go/config"
	"github.com/ggoodman/showchat-go/streams"
	"github.com/ggoodman/showchat-go/streams/redishost"
	"github.com/ggoodman/showchat-go/streams/sqlitehost"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	clientKeyKey  = "client-key"
	showKeyKey    = "show-key"
	credentialKey = "credential"
	guestKey      = "guest"
	debugKey      = "debug"
	testModeKey   = "test-mode"
	dntKey        = "dnt"
	backendURLKey = "backend-url"
	timeoutKey    = "call-timeout"
	workersKey    = "workers"
	pageSizeKey   = "history-page-size"
	redisAddrKey  = "redis-addr"
	storeKey      = "store"
)

// settings is everything a subcommand needs to build a client.
type settings struct {
	Config    config.Config
	Runtime   config.Runtime
	RedisAddr string
	StorePath string
}

type app struct {
	v       *viper.Viper
	cfgFile string
	stderr  io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), stderr: os.Stderr}

	root := &cobra.Command{
		Use:   "showchat",
		Short: "Join a live show's chat from the terminal",
		Long: `showchat authenticates with a client key, resolves a show and joins its chat.

Every flag can also be set as SHOWCHAT_<FLAG> in the environment (dashes become
underscores) or in a YAML config file.

  showchat run   --client-key ck --show-key S1 --guest
  showchat tail  --client-key ck --show-key S1 --guest
  showchat send  --client-key ck --show-key S1 --credential $TOKEN "hello"
  showchat history --client-key ck --show-key S1 --guest --limit 50`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.showchat.yaml)")
	pf.String(clientKeyKey, "", "client key issued by the show service")
	pf.String(showKeyKey, "", "show to join")
	pf.String(credentialKey, "", "chat credential (JWT); ignored with --guest")
	pf.Bool(guestKey, false, "join chat as an anonymous guest")
	pf.Bool(debugKey, false, "debug logging, forwarded to the service as debugMode")
	pf.Bool(testModeKey, false, "forwarded to the service as testMode")
	pf.Bool(dntKey, false, "forwarded to the service as do-not-track")
	pf.String(backendURLKey, config.DefaultRuntime().BackendURL, "base URL of the show service")
	pf.Duration(timeoutKey, config.DefaultRuntime().CallTimeout, "timeout for each service call")
	pf.Int(workersKey, config.DefaultRuntime().Workers, "maximum concurrent service calls")
	pf.Int(pageSizeKey, config.DefaultRuntime().HistoryPageSize, "default history page size")
	pf.String(redisAddrKey, "", "Redis address for the chat stream host; overrides --store")
	pf.String(storeKey, "showchat.db", "SQLite file for the chat stream host")

	_ = a.v.BindPFlags(pf)

	root.AddCommand(
		newRunCmd(a),
		newTailCmd(a),
		newSendCmd(a),
		newHistoryCmd(a),
	)
	return root
}

// initConfig layers the config file and environment under the flags.
func (a *app) initConfig() error {
	a.v.SetEnvPrefix("SHOWCHAT")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		a.v.AddConfigPath(home)
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".showchat")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && a.cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (a *app) settings() settings {
	v := a.v
	return settings{
		Config: config.Config{
			ClientKey:  v.GetString(clientKeyKey),
			ShowKey:    v.GetString(showKeyKey),
			Credential: v.GetString(credentialKey),
			Guest:      v.GetBool(guestKey),
			Options: config.Options{
				DebugMode:  v.GetBool(debugKey),
				TestMode:   v.GetBool(testModeKey),
				DoNotTrack: v.GetBool(dntKey),
			},
		},
		Runtime: config.Runtime{
			CallTimeout:     v.GetDuration(timeoutKey),
			Workers:         v.GetInt(workersKey),
			BackendURL:      v.GetString(backendURLKey),
			HistoryPageSize: v.GetInt(pageSizeKey),
		},
		RedisAddr: v.GetString(redisAddrKey),
		StorePath: v.GetString(storeKey),
	}
}

func (a *app) logger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
}

type closableHost interface {
	streams.Host
	Close() error
}

func openHost(s settings) (closableHost, error) {
	if s.RedisAddr != "" {
		return redishost.New(redishost.Config{RedisAddr: s.RedisAddr})
	}
	dsn, err := sqlitehost.DSNForFile(s.StorePath)
	if err != nil {
		return nil, err
	}
	return sqlitehost.Open(dsn)
}

// started is a started client plus the resources behind it.
type started struct {
	client *showchat.Client
	stages *showchat.Stages
	host   closableHost
}

// start validates settings, builds the client and starts it.
func (a *app) start(ctx context.Context) (*started, error) {
	s := a.settings()
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	log := a.logger(s.Config.Options.DebugMode)

	b, err := httpbackend.NewClient(s.Runtime.BackendURL, httpbackend.WithClientLogger(log))
	if err != nil {
		return nil, err
	}
	host, err := openHost(s)
	if err != nil {
		return nil, fmt.Errorf("open stream host: %w", err)
	}
	c := showchat.New(b, host, showchat.WithLogger(log), showchat.WithRuntime(s.Runtime))
	log.Debug("showchat.start", slog.String("config", s.Config.String()))
	return &started{client: c, stages: c.Start(ctx, s.Config), host: host}, nil
}

func (s *started) close(ctx context.Context) error {
	return errors.Join(s.client.Close(ctx), s.host.Close())
}
