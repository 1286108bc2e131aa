package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/model"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 200 * time.Millisecond

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// FilePolicyEvaluator resolves capabilities from a YAML file mapping roles
// to capability strings:
//
//	roles:
//	  admin: ["*"]
//	  warehouse: ["page:warehouse:view", "shipments:*"]
type FilePolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy map[model.Role][]string
}

// NewFilePolicyEvaluator creates an evaluator and loads the policy from path.
func NewFilePolicyEvaluator(path string) (*FilePolicyEvaluator, error) {
	e := &FilePolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// CapabilitiesFor implements model.PolicyEvaluator.
func (e *FilePolicyEvaluator) CapabilitiesFor(role model.Role) model.CapabilitySet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return expand(e.policy[role])
}

// Sync reloads the policy file from disk. On error the previous policy stays
// in effect.
func (e *FilePolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	policy := make(map[model.Role][]string, len(p.Roles))
	for name, caps := range p.Roles {
		role := model.ParseRole(name)
		if role == model.RoleUnknown {
			return fmt.Errorf("capability: policy file %s: unknown role %q", e.path, name)
		}
		policy[role] = append(policy[role], caps...)
	}

	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()

	return nil
}

// Watch reloads the policy whenever the file changes, until ctx is done. The
// parent directory is watched so that atomic rename-on-save is picked up.
func (e *FilePolicyEvaluator) Watch(ctx context.Context, logger *zap.Logger, metrics *observability.Metrics) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("capability: creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(e.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("capability: watching %s: %w", e.path, err)
	}

	go func() {
		defer watcher.Close()

		target := filepath.Clean(e.path)
		var pending <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(reloadDebounce)
				}
			case <-pending:
				pending = nil
				if err := e.Sync(); err != nil {
					metrics.RecordPolicyReload("error")
					logger.Warn("policy reload failed, keeping previous policy", zap.Error(err))
					continue
				}
				metrics.RecordPolicyReload("ok")
				logger.Info("policy reloaded", zap.String("path", e.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
