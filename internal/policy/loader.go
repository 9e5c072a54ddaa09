package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/metrics"
)

// ruleFile is the on-disk shape of a rule definition file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Loader reads declarative rule files from a directory and keeps an engine's
// rule set current as files change.
type Loader struct {
	dir    string
	engine *Engine
	logger *zap.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewLoader loads all rule files under dir into engine and watches the
// directory for changes. An empty or missing directory leaves the engine on
// its built-in rules.
func NewLoader(dir string, engine *Engine, logger *zap.Logger) (*Loader, error) {
	l := &Loader{
		dir:    dir,
		engine: engine,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := l.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Policy rule watcher unavailable", zap.Error(err))
		return l, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		logger.Warn("Policy rule watcher unavailable", zap.Error(err))
		return l, nil
	}
	l.watcher = watcher
	go l.watch()
	return l, nil
}

func (l *Loader) load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info("No policy rule directory, using built-in rules only",
				zap.String("dir", l.dir))
			metrics.PolicyRulesLoaded.Set(float64(len(l.engine.Rules())))
			return nil
		}
		return fmt.Errorf("read rule directory %s: %w", l.dir, err)
	}

	var rules []Rule
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(l.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read rule file %s: %w", path, err)
		}
		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return fmt.Errorf("parse rule file %s: %w", path, err)
		}
		for _, r := range rf.Rules {
			if r.ID == "" {
				return fmt.Errorf("rule file %s contains a rule with no id", path)
			}
			if r.Effect != EffectAllow && r.Effect != EffectDeny {
				return fmt.Errorf("rule %s has unknown effect %q", r.ID, r.Effect)
			}
			rules = append(rules, r)
		}
		l.logger.Debug("Loaded rule file",
			zap.String("path", path),
			zap.Int("rules", len(rf.Rules)),
		)
	}

	l.engine.SetRules(rules)
	metrics.PolicyRulesLoaded.Set(float64(len(l.engine.Rules())))
	l.logger.Info("Policy rules loaded",
		zap.String("dir", l.dir),
		zap.Int("file_rules", len(rules)),
	)
	return nil
}

func (l *Loader) watch() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.load(); err != nil {
				// Keep the previous rule set on a bad reload.
				l.logger.Error("Policy rule reload failed", zap.Error(err))
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Policy rule watcher error", zap.Error(err))
		case <-l.done:
			return
		}
	}
}

// Close stops the rule watcher.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}
