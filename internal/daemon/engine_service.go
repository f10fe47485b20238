package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/pocketmint-io/pocketmint/internal/bridge"
	"github.com/pocketmint-io/pocketmint/internal/config"
	"github.com/pocketmint-io/pocketmint/internal/eventbus"
	"github.com/pocketmint-io/pocketmint/internal/mint"
)

// engineGateway is the bridge surface the daemon drives. Satisfied by
// *bridge.Gateway.
type engineGateway interface {
	Load(ctx context.Context) error
	Start(ctx context.Context, cfg config.EngineConfig, identity mint.OperatorIdentity, mode mint.Mode) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (mint.ServiceStatus, error)
	OnionAddress(ctx context.Context) (string, error)
	CreateAccount(ctx context.Context) (mint.OperatorIdentity, error)
	ImportAccount(ctx context.Context, secretKey string) (mint.OperatorIdentity, error)
	Close(ctx context.Context) error
}

// EngineService hosts the mint engine inside the daemon. It loads the
// engine module at service start and publishes lifecycle events on the
// daemon bus.
type EngineService struct {
	gateway    engineGateway
	bus        *eventbus.Bus
	logger     *log.Logger
	generation atomic.Uint64
}

func newEngineService(gateway engineGateway, bus *eventbus.Bus, logger *log.Logger) *EngineService {
	if logger == nil {
		logger = log.Default()
	}
	return &EngineService{gateway: gateway, bus: bus, logger: logger}
}

// Start loads the engine module. A load failure is fatal for the whole
// daemon since nothing works without an engine.
func (s *EngineService) Start(ctx context.Context) error {
	if err := s.gateway.Load(ctx); err != nil {
		return fmt.Errorf("engine service: %w", err)
	}
	return nil
}

// Shutdown stops a running engine and releases the module.
func (s *EngineService) Shutdown(ctx context.Context) error {
	if err := s.gateway.Stop(ctx); err != nil && !errors.Is(err, bridge.ErrNotRunning) {
		s.logger.Printf("[Engine] stop during shutdown: %v", err)
	}
	return s.gateway.Close(ctx)
}

// StartEngine configures and starts the mint engine.
func (s *EngineService) StartEngine(ctx context.Context, cfg config.EngineConfig, identity mint.OperatorIdentity, mode mint.Mode) error {
	if err := s.gateway.Start(ctx, cfg, identity, mode); err != nil {
		return err
	}
	generation := s.generation.Add(1)
	s.logger.Printf("[Engine] started in %s mode (generation %d)", mode, generation)
	s.publishStatus(ctx, generation)
	return nil
}

// StopEngine stops the mint engine. Stopping a stopped engine is a
// no-op so clients can retry safely.
func (s *EngineService) StopEngine(ctx context.Context) error {
	if err := s.gateway.Stop(ctx); err != nil {
		if errors.Is(err, bridge.ErrNotRunning) {
			return nil
		}
		return err
	}
	s.logger.Printf("[Engine] stopped")
	s.publishStatus(ctx, s.generation.Load())
	return nil
}

// Status reports the engine lifecycle snapshot.
func (s *EngineService) Status(ctx context.Context) (mint.ServiceStatus, error) {
	return s.gateway.Status(ctx)
}

// OnionAddress reports the hidden-service address, empty while pending.
func (s *EngineService) OnionAddress(ctx context.Context) (string, error) {
	return s.gateway.OnionAddress(ctx)
}

// CreateAccount generates a fresh operator identity.
func (s *EngineService) CreateAccount(ctx context.Context) (mint.OperatorIdentity, error) {
	return s.gateway.CreateAccount(ctx)
}

// ImportAccount derives an operator identity from a secret key.
func (s *EngineService) ImportAccount(ctx context.Context, secretKey string) (mint.OperatorIdentity, error) {
	return s.gateway.ImportAccount(ctx, secretKey)
}

// Generation returns the current engine start generation.
func (s *EngineService) Generation() uint64 {
	return s.generation.Load()
}

func (s *EngineService) publishStatus(ctx context.Context, generation uint64) {
	status, err := s.gateway.Status(ctx)
	if err != nil {
		s.logger.Printf("[Engine] status after lifecycle change: %v", err)
		return
	}
	eventbus.Publish(ctx, s.bus, eventbus.Engine.Status, eventbus.SourceEngine,
		eventbus.EngineStatusEvent{Status: status, Generation: generation})
}
