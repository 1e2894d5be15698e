package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY REGISTRY
// ═══════════════════════════════════════════════════════════════════════════════
//
// The registry owns every StrategyConfig. Readers always get deep copies, so
// an update never reaches an order that already snapshotted the old config.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store persists strategy configs
type Store interface {
	SaveStrategy(c *types.StrategyConfig) error
	LoadStrategies() ([]*types.StrategyConfig, error)
}

// Registry holds validated strategy configs
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]*types.StrategyConfig
	env        Environment
	store      Store
	clock      clock.Clock
}

// NewRegistry creates an empty registry; store may be nil
func NewRegistry(env Environment, store Store, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		strategies: make(map[string]*types.StrategyConfig),
		env:        env,
		store:      store,
		clock:      clk,
	}
}

// Create validates and registers a new strategy, returning its stored copy
func (r *Registry) Create(c *types.StrategyConfig) (*types.StrategyConfig, error) {
	cfg := c.Clone()
	Normalize(cfg)
	if err := Validate(cfg, r.env); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	r.mu.Lock()
	if _, exists := r.strategies[cfg.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("strategy %s: %w", cfg.ID, types.ErrDuplicate)
	}
	now := r.clock.Now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	r.strategies[cfg.ID] = cfg
	out := cfg.Clone()
	r.mu.Unlock()

	r.persist(out)
	log.Info().
		Str("id", out.ID).
		Str("name", out.Name).
		Str("type", string(out.Type)).
		Bool("enabled", out.Enabled).
		Msg("📋 Strategy registered")
	return out, nil
}

// Update replaces an existing strategy; ID and CreatedAt are preserved
func (r *Registry) Update(id string, c *types.StrategyConfig) (*types.StrategyConfig, error) {
	cfg := c.Clone()
	cfg.ID = id
	Normalize(cfg)
	if err := Validate(cfg, r.env); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev, ok := r.strategies[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
	}
	cfg.CreatedAt = prev.CreatedAt
	cfg.UpdatedAt = r.clock.Now()
	r.strategies[id] = cfg
	out := cfg.Clone()
	r.mu.Unlock()

	r.persist(out)
	log.Info().Str("id", id).Str("name", out.Name).Msg("📝 Strategy updated")
	return out, nil
}

// SetEnabled toggles a strategy
func (r *Registry) SetEnabled(id string, enabled bool) (*types.StrategyConfig, error) {
	r.mu.Lock()
	cfg, ok := r.strategies[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = r.clock.Now()
	out := cfg.Clone()
	r.mu.Unlock()

	r.persist(out)
	if enabled {
		log.Info().Str("id", id).Msg("▶️ Strategy enabled")
	} else {
		log.Info().Str("id", id).Msg("⏸️ Strategy disabled")
	}
	return out, nil
}

// Get returns a copy of one strategy
func (r *Registry) Get(id string) (*types.StrategyConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: %w", id, types.ErrNotFound)
	}
	return cfg.Clone(), nil
}

// List returns copies of all strategies, oldest first
func (r *Registry) List() []*types.StrategyConfig {
	return r.collect(func(*types.StrategyConfig) bool { return true })
}

// Enabled returns copies of the enabled strategies, oldest first
func (r *Registry) Enabled() []*types.StrategyConfig {
	return r.collect(func(c *types.StrategyConfig) bool { return c.Enabled })
}

// OfType returns copies of enabled strategies of one type
func (r *Registry) OfType(t types.StrategyType) []*types.StrategyConfig {
	return r.collect(func(c *types.StrategyConfig) bool { return c.Enabled && c.Type == t })
}

func (r *Registry) collect(keep func(*types.StrategyConfig) bool) []*types.StrategyConfig {
	r.mu.RLock()
	out := make([]*types.StrategyConfig, 0, len(r.strategies))
	for _, c := range r.strategies {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) persist(c *types.StrategyConfig) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveStrategy(c); err != nil {
		log.Error().Err(err).Str("id", c.ID).Msg("Failed to persist strategy")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOADING
// ═══════════════════════════════════════════════════════════════════════════════

// LoadStore registers every persisted strategy; invalid ones are skipped
func (r *Registry) LoadStore() (int, error) {
	if r.store == nil {
		return 0, nil
	}
	cfgs, err := r.store.LoadStrategies()
	if err != nil {
		return 0, err
	}
	return r.loadAll(cfgs, "store"), nil
}

// LoadFile registers strategies from a JSON array file. IDs already present
// are left untouched.
func (r *Registry) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read strategies: %w", err)
	}
	var cfgs []*types.StrategyConfig
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return 0, &types.ConfigError{Field: "strategies_file", Reason: err.Error()}
	}
	return r.loadAll(cfgs, path), nil
}

func (r *Registry) loadAll(cfgs []*types.StrategyConfig, source string) int {
	loaded := 0
	for _, c := range cfgs {
		if c == nil {
			continue
		}
		if c.ID != "" {
			if _, err := r.Get(c.ID); err == nil {
				continue
			}
		}
		if _, err := r.restore(c); err != nil {
			log.Warn().Err(err).Str("id", c.ID).Str("source", source).Msg("⚠️ Skipping invalid strategy")
			continue
		}
		loaded++
	}
	log.Info().Int("count", loaded).Str("source", source).Msg("📋 Strategies loaded")
	return loaded
}

// restore registers c keeping its timestamps when it carries them
func (r *Registry) restore(c *types.StrategyConfig) (*types.StrategyConfig, error) {
	created, updated := c.CreatedAt, c.UpdatedAt
	out, err := r.Create(c)
	if err != nil || created.IsZero() {
		return out, err
	}
	r.mu.Lock()
	if cfg, ok := r.strategies[out.ID]; ok {
		cfg.CreatedAt = created
		cfg.UpdatedAt = updated
		out = cfg.Clone()
	}
	r.mu.Unlock()
	return out, nil
}
