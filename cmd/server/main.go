package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-session-authority/accounts"
	"github.com/jrsteele09/go-session-authority/accounts/postgres"
	fakeaccountrepo "github.com/jrsteele09/go-session-authority/accounts/repofake"
	"github.com/jrsteele09/go-session-authority/auth"
	"github.com/jrsteele09/go-session-authority/internal/config"
	"github.com/jrsteele09/go-session-authority/internal/metrics"
	"github.com/jrsteele09/go-session-authority/linking"
	"github.com/jrsteele09/go-session-authority/password"
	"github.com/jrsteele09/go-session-authority/server"
	"github.com/jrsteele09/go-session-authority/token"
	"github.com/jrsteele09/go-session-authority/token/refresh"
	"github.com/jrsteele09/go-session-authority/token/refresh/redisstore"
	refreshrepofake "github.com/jrsteele09/go-session-authority/token/refresh/repofake"
	"github.com/jrsteele09/go-session-authority/verification"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running server: %s\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			returnError = errors.Errorf("panic recovered: %v", r)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	displayAppname(cfg.AppName)
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mt := metrics.New("session_authority")

	accountRepo, closeAccounts, err := newAccountRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeAccounts()

	refreshRepo, closeRefresh, err := newRefreshRepo(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRefresh()

	hasher, err := newHasher(cfg)
	if err != nil {
		return err
	}

	signer, jwks, err := newSigner(cfg)
	if err != nil {
		return err
	}

	tokens := token.New(signer, refreshRepo, accountRepo,
		token.WithTTLs(cfg.AccessTTL(), cfg.RefreshTTL()),
		token.WithIssuer(cfg.Issuer),
		token.WithAudience(cfg.Audience),
		token.WithLegacyRefreshTokens(cfg.AllowLegacyTokens),
		token.WithLogger(logger.With().Str("component", "token").Logger()),
		token.WithMetrics(mt),
	)

	authService, err := auth.New(accountRepo, hasher, tokens,
		auth.WithLogger(logger.With().Str("component", "auth").Logger()),
		auth.WithMetrics(mt),
	)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Accounts:     accountRepo,
		Auth:         authService,
		Tokens:       tokens,
		Verification: verification.New(accountRepo, verification.WithLogger(logger.With().Str("component", "verification").Logger())),
		Linking:      linking.New(accountRepo, tokens, linking.WithLogger(logger.With().Str("component", "linking").Logger())),
		JWKS:         jwks,
	}
	if cfg.OIDCEnabled() {
		verifier, err := linking.NewOIDCVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCClientID,
			linking.WithOAuth2Client(cfg.OIDCClientSecret, cfg.OIDCRedirectURL,
				oidc.ScopeOpenID, "email", "profile"))
		if err != nil {
			return err
		}
		deps.External = verifier
	}

	handler, err := server.New(deps,
		server.WithEnv(cfg.Env),
		server.WithLogger(logger.With().Str("component", "http").Logger()),
		server.WithMetrics(mt),
		server.WithAdminKey(cfg.AdminAPIKey),
	)
	if err != nil {
		return err
	}

	go token.NewSweeper(tokens, cfg.SweepInterval(), logger.With().Str("component", "sweeper").Logger()).Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listenAndServe(httpServer, logger)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	return shutdown(httpServer, cfg.ShutdownTimeout)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("app", cfg.AppName).Logger()
}

func newAccountRepo(ctx context.Context, cfg *config.Config) (accounts.Repo, func(), error) {
	if cfg.DatabaseURL == "" {
		return fakeaccountrepo.NewFakeAccountRepo(), func() {}, nil
	}
	pool, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewAccountRepository(pool), pool.Close, nil
}

func newRefreshRepo(ctx context.Context, cfg *config.Config) (refresh.Repo, func(), error) {
	if cfg.RedisAddr == "" {
		return refreshrepofake.NewFakeRefreshTokenRepo(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, errors.Wrap(err, "[main.newRefreshRepo] ping redis")
	}
	return redisstore.New(rdb, cfg.RedisPrefix), func() { _ = rdb.Close() }, nil
}

func newHasher(cfg *config.Config) (password.Hasher, error) {
	if cfg.PasswordHasher == config.HasherArgon2id {
		hasher, err := password.NewArgon2id(password.DefaultArgon2Config())
		if err != nil {
			return nil, err
		}
		return hasher, nil
	}
	return password.NewBcrypt(cfg.BcryptCost), nil
}

func newSigner(cfg *config.Config) (token.Signer, *token.JWKS, error) {
	if cfg.SigningKeyFile == "" {
		return token.NewHMACSigner(cfg.TokenSecret), nil, nil
	}
	pemData, err := os.ReadFile(cfg.SigningKeyFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "[main.newSigner] read signing key")
	}
	kp, err := token.LoadKeyPairFromPEM(cfg.SigningKeyID, pemData)
	if err != nil {
		return nil, nil, err
	}
	signer := token.NewKeyPairSigner(kp)
	jwks, err := signer.JWKS()
	if err != nil {
		return nil, nil, err
	}
	return signer, jwks, nil
}

func listenAndServe(server *http.Server, logger zerolog.Logger) error {
	logger.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server.ListenAndServe")
	}
	return nil
}

func shutdown(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server.Shutdown")
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
