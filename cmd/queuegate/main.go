// Command queuegate runs the authenticating HTTP gateway in front of a
// queue manager.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/beamline/queuegate/pkg/api"
	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/config"
	"github.com/beamline/queuegate/pkg/observability"
	"github.com/beamline/queuegate/pkg/policy"
	"github.com/beamline/queuegate/pkg/store"
	"github.com/beamline/queuegate/pkg/token"
)

func main() {
	logger := logrus.New()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Gateway exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, driver, err := store.Open(cfg.Database.URI, store.DefaultOptions())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db, driver); err != nil {
		return err
	}
	st := store.New(db, driver)
	logger.WithField("driver", driver).Info("Credential store ready")

	access, resource, authenticators, err := buildPolicies(cfg, logger)
	if err != nil {
		return err
	}

	keys := cfg.Auth.SecretKeys
	if len(keys) == 0 {
		// Single-user mode mints no tokens; an ephemeral signing key
		// keeps the codec constructible.
		keys = []string{randomHex(32)}
	}
	codec, err := token.NewCodec(keys)
	if err != nil {
		return err
	}

	var singleUserKey []byte
	if len(authenticators) == 0 {
		singleUserKey, err = resolveSingleUserKey(cfg.Auth.SingleUserAPIKey)
		if err != nil {
			return err
		}
	}

	core := auth.NewCore(auth.Options{
		Store:            st,
		Codec:            codec,
		Access:           access,
		Authenticators:   authenticators,
		SingleUserAPIKey: singleUserKey,
		AllowAnonymous:   cfg.Auth.AllowAnonymous,
		AccessTokenTTL:   cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL:  cfg.Auth.RefreshTokenTTL,
		SessionMaxAge:    cfg.Auth.SessionMaxAge,
		Logger:           logger,
	})

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	server := api.NewServer(api.Options{
		Core:     core,
		Access:   access,
		Resource: resource,
		Metrics:  metrics,
		Health:   observability.NewHealthChecker(db),
		Logger:   logger,
	})
	logger.Warn("No queue manager gateway configured; pass-through endpoints report unavailable")

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	if remote, ok := access.(*policy.RemotePolicy); ok {
		g.Go(func() error {
			remote.Run(ctx)
			return nil
		})
	}

	if cfg.Sweeper.Schedule != "" {
		sweeper := store.NewSweeper(st, cfg.Sweeper.Schedule, logger)
		if err := sweeper.Start(); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("Gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildPolicies constructs the access and resource policies and the
// identity provider authenticators from the policy configuration file.
// Without a policy file the deployment runs in single-user mode under the
// basic policy.
func buildPolicies(cfg *config.Config, logger *logrus.Logger) (policy.AccessPolicy, policy.ResourceAccessPolicy, map[string]auth.Authenticator, error) {
	if cfg.Policy == nil {
		access, err := policy.NewBasicPolicy(nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return access, policy.NewDefaultResourcePolicy(""), nil, nil
	}

	access, err := policy.BuildAccessPolicy(cfg.Policy.APIAccess, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	resource, err := policy.BuildResourcePolicy(cfg.Policy.ResourceAccess, access)
	if err != nil {
		return nil, nil, nil, err
	}
	authenticators := make(map[string]auth.Authenticator, len(cfg.Policy.Authenticators))
	for name, spec := range cfg.Policy.Authenticators {
		authenticators[name] = auth.NewDictionaryAuthenticator(spec.Users)
	}
	return access, resource, authenticators, nil
}

// resolveSingleUserKey decodes the configured single-user API key, or
// generates one and prints it exactly once.
func resolveSingleUserKey(configured string) ([]byte, error) {
	if configured != "" {
		key, err := hex.DecodeString(configured)
		if err != nil {
			return nil, fmt.Errorf("invalid single-user API key: %w", err)
		}
		return key, nil
	}
	key := make([]byte, 36)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	fmt.Printf("Single-user API key: %s\n", hex.EncodeToString(key))
	return key, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
