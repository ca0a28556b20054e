// Command nexusd starts the bulletin-board daemon: the session service and
// the transfer service, both TLS, backed by PostgreSQL.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/channel"
	"github.com/nexusbb/nexusd/internal/config"
	"github.com/nexusbb/nexusd/internal/crypto"
	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/gate"
	"github.com/nexusbb/nexusd/internal/migrate"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/repository/postgres"
	"github.com/nexusbb/nexusd/internal/server"
	"github.com/nexusbb/nexusd/internal/session"
	"github.com/nexusbb/nexusd/internal/ticket"
	"github.com/nexusbb/nexusd/internal/transfer"
	"github.com/nexusbb/nexusd/internal/transferserver"
	"github.com/nexusbb/nexusd/internal/vfs"
	"github.com/nexusbb/nexusd/internal/wire"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfgPath := flag.String("config", "nexusd.yaml", "configuration file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("config", *cfgPath),
	)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	sessionTLS, err := loadTLS(cfg.Session.TLS)
	if err != nil {
		logger.Fatal("session tls", zap.Error(err))
	}
	transferTLS, err := loadTLS(cfg.Transfer.TLS)
	if err != nil {
		logger.Fatal("transfer tls", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DSN); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	accountRepo := postgres.NewAccountRepo(db)
	banRepo := postgres.NewBanRepo(db)
	trustRepo := postgres.NewTrustRepo(db)
	settingsRepo := postgres.NewSettingsRepo(db)

	settings, err := loadSettings(ctx, settingsRepo, cfg)
	if err != nil {
		logger.Fatal("load settings", zap.Error(err))
	}
	if err := ensureGuest(ctx, accountRepo); err != nil {
		logger.Fatal("ensure guest account", zap.Error(err))
	}
	if err := ensureBootstrap(ctx, logger, accountRepo, cfg.Bootstrap); err != nil {
		logger.Fatal("ensure bootstrap account", zap.Error(err))
	}

	reg := session.NewRegistry(logger, accountRepo, settings.MaxConnsPerIP)
	g := gate.New(logger, banRepo, trustRepo, reg)
	if err := g.Load(ctx); err != nil {
		logger.Fatal("load ban tables", zap.Error(err))
	}
	router := channel.NewRouter(logger, cfg.Channels.Persistent)
	issuer := ticket.NewIssuer([]byte(cfg.TicketKey))
	resolver := vfs.NewResolver(cfg.Files.SharedRoot, cfg.Files.UsersRoot)
	index := transfer.NewIndex(logger, cfg.Files.SharedRoot)

	// Job transitions are forwarded to the owning chat session.
	notify := func(s transfer.Snapshot) {
		sess, ok := reg.Get(s.Owner)
		if !ok {
			return
		}
		env, err := wire.NewEnvelope(wire.TypeJobStatus, 0, transferserver.StatusMsg(s))
		if err != nil {
			return
		}
		sess.Send(env)
	}
	engine := transfer.NewEngine(logger, resolver, settings.MaxTransfersPerIP, notify)

	sessionSrv := server.New(logger, settings.Name, sessionTLS, reg, g, router, accountRepo, issuer, index)
	transferSrv := transferserver.New(logger, settings.Name, transferTLS, g, issuer, accountRepo, resolver, engine, index)

	sessionLn, err := net.Listen("tcp", cfg.Session.Bind)
	if err != nil {
		logger.Fatal("listen session", zap.Error(err))
	}
	transferLn, err := net.Listen("tcp", cfg.Transfer.Bind)
	if err != nil {
		logger.Fatal("listen transfer", zap.Error(err))
	}

	go g.RunSweeper(ctx, time.Minute)
	go index.Run(ctx, settings.ReindexInterval)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("session service listening", zap.String("addr", cfg.Session.Bind))
		errCh <- sessionSrv.Serve(ctx, sessionLn)
	}()
	go func() {
		logger.Info("transfer service listening", zap.String("addr", cfg.Transfer.Bind))
		errCh <- transferSrv.Serve(ctx, transferLn)
	}()

	select {
	case <-ctx.Done():
		// Listeners close via context; give in-flight teardown a moment.
		for _, s := range reg.All() {
			s.Close("server shutting down", "")
		}
		<-time.After(500 * time.Millisecond)
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}

func loadTLS(tc config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tc.CertPath, tc.KeyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadSettings returns the persisted settings row, seeding it from the
// config file on first startup. Afterwards the row wins over the file.
func loadSettings(ctx context.Context, repo *postgres.SettingsRepo, cfg config.Config) (*model.ServerSettings, error) {
	s, err := repo.Load(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	seeded := &model.ServerSettings{
		Name:              cfg.Name,
		Description:       cfg.Description,
		MaxConnsPerIP:     cfg.Limits.MaxConnsPerIP,
		MaxTransfersPerIP: cfg.Limits.MaxTransfersPerIP,
		ReindexInterval:   cfg.Limits.ReindexInterval,
	}
	if err := repo.Save(ctx, seeded); err != nil {
		return nil, err
	}
	return seeded, nil
}

// ensureGuest provisions the built-in guest account on first startup. It
// ships disabled; an admin enables it deliberately.
func ensureGuest(ctx context.Context, repo *postgres.AccountRepo) error {
	_, err := repo.GetByUsername(ctx, model.GuestUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	// Guest logs in with an empty password once enabled.
	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return err
	}
	return repo.Create(ctx, &model.Account{
		ID:        id,
		Username:  model.GuestUsername,
		PwdHash:   crypto.HashPassword(nil, salt),
		SaltAuth:  salt,
		Guest:     true,
		Shared:    true,
		Enabled:   false,
		CreatedAt: time.Now(),
	})
}

// ensureBootstrap seeds the configured operator account when no regular
// account exists yet. The guest row does not count. The account is created
// without admin; its first login promotes it.
func ensureBootstrap(ctx context.Context, log *zap.Logger, repo *postgres.AccountRepo, bc config.BootstrapConfig) error {
	if bc.Username == "" {
		return nil
	}
	n, err := repo.CountNonGuest(ctx)
	if err != nil || n > 0 {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return err
	}
	if err := repo.Create(ctx, &model.Account{
		ID:        id,
		Username:  bc.Username,
		PwdHash:   crypto.HashPassword([]byte(bc.Password), salt),
		SaltAuth:  salt,
		Enabled:   true,
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}
	log.Info("bootstrap account created", zap.String("username", bc.Username))
	return nil
}
