// Command showchatd serves the reference show service over HTTP. The show
// catalog is a YAML file, reloaded when it changes. Credentialed chat is
// enabled when a JWT issuer and a key source are configured.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/showchat-go/auth"
	"github.com/ggoodman/showchat-go/backend/httpbackend"
	"github.com/ggoodman/showchat-go/backend/memorybackend"
	"github.com/joeshaw/envdecode"
)

type serverConfig struct {
	Addr        string        `env:"SHOWCHATD_ADDR,default=127.0.0.1:8080"`
	CatalogPath string        `env:"SHOWCHATD_CATALOG,default=catalog.yaml"`
	Watch       bool          `env:"SHOWCHATD_WATCH,default=true"`
	GrantTTL    time.Duration `env:"SHOWCHATD_GRANT_TTL,default=1h"`
	Debug       bool          `env:"SHOWCHATD_DEBUG,default=false"`

	JWT struct {
		Issuer    string `env:"SHOWCHATD_JWT_ISSUER"`
		Audience  string `env:"SHOWCHATD_JWT_AUDIENCE,default=showchat"`
		Secret    string `env:"SHOWCHATD_JWT_SECRET"`
		JWKSURL   string `env:"SHOWCHATD_JWKS_URL"`
		Discovery bool   `env:"SHOWCHATD_OIDC_DISCOVERY,default=false"`
	}
}

func main() {
	printSchema := flag.Bool("schema", false, "print the catalog JSON schema and exit")
	issue := flag.String("issue", "", "print a symmetric chat credential for this user id and exit")
	flag.Parse()

	if *printSchema {
		b, err := memorybackend.CatalogSchema()
		if err != nil {
			fatal(err)
		}
		fmt.Println(string(b))
		return
	}

	var cfg serverConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		fatal(fmt.Errorf("decode environment: %w", err))
	}

	if *issue != "" {
		if cfg.JWT.Issuer == "" || cfg.JWT.Secret == "" {
			fatal(errors.New("SHOWCHATD_JWT_ISSUER and SHOWCHATD_JWT_SECRET are required to issue credentials"))
		}
		tok, err := auth.IssueSymmetric([]byte(cfg.JWT.Secret), cfg.JWT.Issuer, cfg.JWT.Audience, *issue, 24*time.Hour)
		if err != nil {
			fatal(err)
		}
		fmt.Println(tok)
		return
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("showchatd.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serverConfig, log *slog.Logger) error {
	opts := []memorybackend.Option{
		memorybackend.WithLogger(log),
		memorybackend.WithGrantTTL(cfg.GrantTTL),
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		return err
	}
	if verifier != nil {
		opts = append(opts, memorybackend.WithVerifier(verifier))
	} else {
		log.Warn("showchatd.auth.disabled", slog.String("reason", "no JWT issuer configured; only guest chat is available"))
	}

	b := memorybackend.New(opts...)
	if cfg.Watch {
		if err := b.WatchCatalog(ctx, cfg.CatalogPath); err != nil {
			return err
		}
	} else {
		cat, err := memorybackend.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
		b.SetCatalog(cat)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpbackend.NewHandler(b, httpbackend.WithLogger(log)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("showchatd.listen", slog.String("addr", cfg.Addr), slog.Int("shows", len(b.Catalog().Shows)))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("showchatd.shutdown")
	return srv.Shutdown(shutdownCtx)
}

func newVerifier(ctx context.Context, cfg serverConfig) (auth.Verifier, error) {
	j := cfg.JWT
	switch {
	case j.Issuer == "":
		return nil, nil
	case j.Secret != "":
		return auth.NewSymmetric(j.Issuer, j.Audience, []byte(j.Secret))
	case j.JWKSURL != "":
		return auth.NewStatic(ctx, j.Issuer, j.Audience, j.JWKSURL)
	case j.Discovery:
		return auth.NewFromDiscovery(ctx, j.Issuer, j.Audience, auth.WithLeeway(2*time.Minute))
	default:
		return nil, errors.New("SHOWCHATD_JWT_ISSUER needs SHOWCHATD_JWT_SECRET, SHOWCHATD_JWKS_URL or SHOWCHATD_OIDC_DISCOVERY")
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "showchatd:", err)
	os.Exit(1)
}
