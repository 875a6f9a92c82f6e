package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"taskflow/internal/domain"
)

// File is the on-disk layout of the identity directory.
type File struct {
	// Roster lists chat users with their contact addresses.
	Roster []domain.Identity `yaml:"roster"`
	// Overrides bind addresses that do not match the roster exactly.
	Overrides []Override `yaml:"overrides"`
}

// Override is a manually confirmed binding.
type Override struct {
	Address string `yaml:"address"`
	ChatID  string `yaml:"chat_id"`
	Name    string `yaml:"name,omitempty"`
}

// Directory resolves addresses to chat identities from a roster plus manual
// overrides. Only manual and auto-approvable mappings are returned.
type Directory struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	roster    []domain.Identity
	overrides map[string]domain.Identity
	loadedAt  time.Time
}

// NewDirectory builds an in-memory directory.
func NewDirectory(f File, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Directory{logger: logger}
	d.set(f)
	return d
}

// LoadDirectory reads a directory file. A missing file yields an empty directory.
func LoadDirectory(path string, logger *slog.Logger) (*Directory, error) {
	d := NewDirectory(File{}, logger)
	d.path = path
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) set(f File) {
	overrides := make(map[string]domain.Identity, len(f.Overrides))
	for _, o := range f.Overrides {
		overrides[Normalize(o.Address)] = domain.Identity{Address: o.Address, ChatID: o.ChatID, Name: o.Name}
	}
	d.mu.Lock()
	d.roster = append([]domain.Identity(nil), f.Roster...)
	d.overrides = overrides
	d.loadedAt = time.Now()
	d.mu.Unlock()
}

// Reload re-reads the backing file.
func (d *Directory) Reload() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			d.set(File{})
			return nil
		}
		return fmt.Errorf("read identity directory: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse identity directory %s: %w", d.path, err)
	}
	d.set(f)
	d.logger.Info("identity directory loaded", "path", d.path, "roster", len(f.Roster), "overrides", len(f.Overrides))
	return nil
}

// Roster returns a copy of the chat roster.
func (d *Directory) Roster() []domain.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Identity(nil), d.roster...)
}

// Match returns the best mapping for address without applying approval rules.
func (d *Directory) Match(address string) (Mapping, bool) {
	d.mu.RLock()
	o, ok := d.overrides[Normalize(address)]
	roster := d.roster
	d.mu.RUnlock()
	if ok {
		return Mapping{SourceIdentity: address, TargetIdentity: o, Confidence: ConfidenceExact, Source: SourceManual}, true
	}
	return Resolve(address, roster)
}

// ResolveIdentity returns the chat identity for address, or false when no
// binding can be trusted without a human.
func (d *Directory) ResolveIdentity(_ context.Context, address string) (domain.Identity, bool, error) {
	m, ok := d.Match(address)
	if !ok {
		return domain.Identity{}, false, nil
	}
	if m.Source == SourceManual || m.AutoApprovable() {
		return m.TargetIdentity, true, nil
	}
	d.logger.Warn("identity match needs manual confirmation",
		"address", address, "candidate", m.TargetIdentity.Address, "confidence", m.Confidence, "source", m.Source)
	return domain.Identity{}, false, nil
}

// Watch reloads the directory whenever its file changes until ctx is done.
func (d *Directory) Watch(ctx context.Context) error {
	if d.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(d.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(d.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if err := d.Reload(); err != nil {
					d.logger.Error("identity directory reload failed", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.logger.Error("identity directory watcher error", "error", err)
			}
		}
	}()
	return nil
}
