package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MarcoPoloResearchLab/patchset/internal/accounts"
	"github.com/MarcoPoloResearchLab/patchset/internal/approvals"
	"github.com/MarcoPoloResearchLab/patchset/internal/auth"
	"github.com/MarcoPoloResearchLab/patchset/internal/changekind"
	"github.com/MarcoPoloResearchLab/patchset/internal/changes"
	"github.com/MarcoPoloResearchLab/patchset/internal/config"
	"github.com/MarcoPoloResearchLab/patchset/internal/database"
	"github.com/MarcoPoloResearchLab/patchset/internal/events"
	"github.com/MarcoPoloResearchLab/patchset/internal/gitstore"
	"github.com/MarcoPoloResearchLab/patchset/internal/labels"
	"github.com/MarcoPoloResearchLab/patchset/internal/locks"
	"github.com/MarcoPoloResearchLab/patchset/internal/markup"
	"github.com/MarcoPoloResearchLab/patchset/internal/permissions"
	"github.com/MarcoPoloResearchLab/patchset/internal/rebase"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tokenAudience = "patchset-api"

// application holds every wired collaborator of the service.
type application struct {
	sqlDB           *sql.DB
	redis           *redis.Client
	labels          *labels.Store
	accounts        *accounts.Service
	permissions     *permissions.RuleBackend
	dispatcher      *events.Dispatcher
	store           *changes.Store
	changes         *changes.Service
	rebaser         *rebase.Executor
	recursiveCopier *approvals.RecursiveCopier
	markup          *markup.Renderer
	tokens          *auth.TokenIssuer
	sessions        *auth.SessionValidator
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(database.SQLiteConfig{Path: appConfig.DatabasePath, Logger: logger})
	if err != nil {
		return nil, err
	}
	app := &application{dispatcher: events.NewDispatcher(), markup: markup.NewRenderer()}
	if app.sqlDB, err = db.DB(); err != nil {
		return nil, err
	}
	fail := func(err error) (*application, error) {
		app.Close()
		return nil, err
	}

	objects, err := openObjectStore(appConfig)
	if err != nil {
		return fail(err)
	}
	if appConfig.ObjectsBackend == config.ObjectsBackendMemory {
		logger.Warn("git objects are kept in memory and do not survive a restart")
	}
	locker, err := app.openLocker(ctx, appConfig, logger)
	if err != nil {
		return fail(err)
	}

	if app.labels, err = labels.NewStore(db); err != nil {
		return fail(err)
	}
	if app.accounts, err = accounts.NewService(accounts.ServiceConfig{Database: db}); err != nil {
		return fail(err)
	}
	if app.permissions, err = permissions.NewRuleBackend(appConfig.Permissions); err != nil {
		return fail(err)
	}
	classifier, err := changekind.NewClassifier(changekind.ClassifierConfig{
		CacheSize: appConfig.ChangeKindCache,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	copier, err := approvals.NewCopier(approvals.CopierConfig{Labels: app.labels, Classifier: classifier, Logger: logger})
	if err != nil {
		return fail(err)
	}
	if app.store, err = changes.NewStore(changes.StoreConfig{
		Database: db,
		Objects:  objects,
		Locker:   locker,
		Copier:   copier,
		Listener: app.dispatcher,
		ServerIdent: gitstore.Ident{
			Name:  appConfig.ServerIdentityName,
			Email: appConfig.ServerIdentityMail,
		},
		Logger: logger,
	}); err != nil {
		return fail(err)
	}
	if app.changes, err = changes.NewService(changes.ServiceConfig{
		Store:       app.store,
		Labels:      app.labels,
		Accounts:    app.accounts,
		Permissions: app.permissions,
		Logger:      logger,
	}); err != nil {
		return fail(err)
	}
	if app.rebaser, err = rebase.NewExecutor(rebase.ExecutorConfig{
		Changes:     app.changes,
		Accounts:    app.accounts,
		Permissions: app.permissions,
		Diff3:       appConfig.Diff3,
		Logger:      logger,
	}); err != nil {
		return fail(err)
	}
	if app.recursiveCopier, err = approvals.NewRecursiveCopier(approvals.RecursiveCopierConfig{
		Store:  app.store,
		Copier: copier,
		Logger: logger,
	}); err != nil {
		return fail(err)
	}
	keys, err := auth.NewKeyring(appConfig.SigningSecret, appConfig.RetiredSecrets...)
	if err != nil {
		return fail(err)
	}
	if keys.Size() > 1 {
		logger.Info("accepting tokens signed with retired secrets", zap.Int("retired", keys.Size()-1))
	}
	if app.tokens, err = auth.NewTokenIssuer(auth.TokenIssuerConfig{
		Keys:     keys,
		Issuer:   appConfig.TokenIssuer,
		Audience: tokenAudience,
		TokenTTL: appConfig.TokenTTL,
	}); err != nil {
		return fail(err)
	}
	if app.sessions, err = auth.NewSessionValidator(auth.SessionValidatorConfig{
		Keys:       keys,
		Issuer:     appConfig.TokenIssuer,
		CookieName: appConfig.CookieName,
	}); err != nil {
		return fail(err)
	}
	return app, nil
}

func openObjectStore(appConfig config.AppConfig) (gitstore.ObjectStore, error) {
	if appConfig.ObjectsBackend != config.ObjectsBackendS3 {
		return gitstore.NewInMemoryObjectStore(), nil
	}
	client := gitstore.NewS3Client(gitstore.S3Settings{
		Region:    appConfig.S3.Region,
		Endpoint:  appConfig.S3.Endpoint,
		AccessKey: appConfig.S3.AccessKey,
		SecretKey: appConfig.S3.SecretKey,
	})
	return gitstore.NewS3ObjectStore(client, appConfig.S3.Bucket), nil
}

func (a *application) openLocker(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (locks.Locker, error) {
	if appConfig.LocksBackend != config.LocksBackendRedis {
		return locks.NewLocal(appConfig.LockTTL), nil
	}
	a.redis = redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis %s: %w", appConfig.RedisAddress, err)
	}
	return locks.NewRedis(locks.RedisConfig{
		Client:      a.redis,
		KeyPrefix:   appConfig.RedisKeyPrefix,
		LeaseTTL:    appConfig.LockTTL,
		WaitTimeout: appConfig.LockTTL,
		Logger:      logger,
	})
}

// ping backs the gRPC health status.
func (a *application) ping(ctx context.Context) error {
	if err := a.sqlDB.PingContext(ctx); err != nil {
		return err
	}
	if a.redis != nil {
		return a.redis.Ping(ctx).Err()
	}
	return nil
}

func (a *application) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}
