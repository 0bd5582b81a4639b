// Package app wires the sigil components from configuration. It is shared by the
// HTTP server and the sessionkey CLI.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/layer-3/sigil/adapters/chain"
	"github.com/layer-3/sigil/adapters/codec"
	"github.com/layer-3/sigil/adapters/events"
	"github.com/layer-3/sigil/adapters/siwe"
	"github.com/layer-3/sigil/adapters/store"
	"github.com/layer-3/sigil/config"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
	"github.com/layer-3/sigil/retry"
	"github.com/layer-3/sigil/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultKeyLifetime applies when no policy file sets expires_in
const DefaultKeyLifetime = 24 * time.Hour

// Stack holds every wired component. The session-key fields are nil unless both
// rpc_url and registry_address are configured.
type Stack struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Store   ports.Store
	Events  ports.EventPublisher
	Metrics *service.Metrics

	Codec       ports.SessionCodec
	CodecErr    error
	AuthService *service.AuthService

	Client    *ethclient.Client
	Backend   *chain.Backend
	Registry  *chain.Registry
	Policy    core.PolicySet
	Vault     *service.Vault
	Validator *service.Validator
	Manager   *service.Manager
	Executor  *service.Executor

	closers []func() error
}

// New wires the components described by cfg. Metrics are registered with reg.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, reg prometheus.Registerer) (*Stack, error) {
	s := &Stack{
		Config:  cfg,
		Logger:  logger,
		Metrics: service.NewMetrics(reg),
	}

	if err := s.connectRedis(); err != nil {
		s.Close()
		return nil, err
	}

	s.CodecErr = cfg.CheckSessionSecret()
	if s.CodecErr == nil {
		sessionCodec, err := codec.NewSealedCodec([]byte(cfg.SessionSecret), codec.DefaultTTL)
		if err != nil {
			s.CodecErr = err
		} else {
			s.Codec = sessionCodec
		}
	}
	if s.CodecErr != nil {
		// Reported on every auth request rather than refusing to start
		logger.WithError(s.CodecErr).Error("Session cookies are disabled")
	}

	if cfg.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ChainID)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Client = client
		s.closers = append(s.closers, func() error { client.Close(); return nil })
	}

	var caller siwe.ContractCaller
	if s.Client != nil {
		caller = s.Client
	}
	s.AuthService = service.NewAuthService(
		siwe.NewVerifier(caller),
		s.Events,
		s.Metrics,
		logging.WithService(logger, "auth"),
		service.AuthConfig{ChainID: cfg.ChainID, Domain: cfg.Domain, ConfigErr: s.CodecErr},
	)

	if s.Client == nil || cfg.RegistryAddress == "" {
		logger.Info("Session keys are disabled: rpc_url and registry_address are required")
		return s, nil
	}
	if err := s.wireSessionKeys(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Stack) connectRedis() error {
	if s.Config.RedisURL == "" {
		s.Store = store.NewMemoryStore()
		s.Events = events.NopPublisher{}
		s.Logger.Warn("No redis_url configured, using in-memory storage")
		return nil
	}

	opts, err := redis.ParseURL(s.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	s.closers = append(s.closers, client.Close)

	publisher, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{Client: client},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return fmt.Errorf("failed to create redis publisher: %w", err)
	}
	s.closers = append(s.closers, publisher.Close)

	s.Store = store.NewRedisStore(client)
	s.Events = events.NewWatermillPublisher(publisher)
	return nil
}

func (s *Stack) wireSessionKeys() error {
	cfg := s.Config

	s.Policy = core.PolicySet{ExpiresIn: DefaultKeyLifetime}
	if cfg.PolicyFile != "" {
		policy, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		s.Policy = *policy
	}
	if s.Policy.ExpiresIn <= 0 {
		s.Policy.ExpiresIn = DefaultKeyLifetime
	}

	s.Backend = chain.NewBackend(s.Client, cfg.ChainID, chain.WithWait(cfg.TxWaitTimeout, cfg.TxPollInterval))
	s.Registry = chain.NewRegistry(common.HexToAddress(cfg.RegistryAddress), s.Client)

	s.Vault = service.NewVault(
		s.Store, s.Registry, s.Backend, s.Events, s.Metrics,
		logging.WithService(s.Logger, "vault"), cfg.Environment,
	)
	s.Validator = service.NewValidator(s.Vault, s.Registry, logging.WithService(s.Logger, "validator"), service.ValidatorConfig{
		Policy:     s.Policy,
		Permissive: cfg.IsPermissiveChain(cfg.ChainID),
		Reads:      retry.DefaultReadConfig(),
	})
	s.Manager = service.NewManager(s.Vault, s.Validator, s.Policy, logging.WithService(s.Logger, "session-keys"))
	s.Executor = service.NewExecutor(s.Manager, s.Registry, s.Backend, s.Backend, s.Metrics, logging.WithService(s.Logger, "executor"))
	return nil
}

// SessionKeysEnabled reports whether the session-key components are wired
func (s *Stack) SessionKeysEnabled() bool {
	return s.Manager != nil
}

// Close releases connections in reverse order of creation
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.Logger.WithError(err).Warn("Failed to close resource")
		}
	}
	s.closers = nil
}
