package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emuhost/emuhost/pkg/config"
	"github.com/emuhost/emuhost/pkg/cpufeatures"
	"github.com/emuhost/emuhost/pkg/providers/host"
	"github.com/emuhost/emuhost/pkg/stores"
	"github.com/emuhost/emuhost/pkg/telemetry"
)

// openSettings creates a settings store for the --settings folder and loads it.
func openSettings(ctx context.Context, watch bool, logger *telemetry.Logger) (*config.Store, error) {
	store := config.NewStore(config.Options{
		Folder: settingsDir,
		Watch:  watch,
		Logger: logger,
	})
	if err := store.OnChangedSettingsFolder(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// resolvePath makes a settings-relative path absolute against folder.
func resolvePath(folder, path string) string {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(folder, path)
}

// openCatalog opens and migrates the catalog database named in settings.
func openCatalog(ctx context.Context, settings config.Settings, folder string) (*stores.SQLiteStore, error) {
	path := resolvePath(folder, settings.Catalog.Database)
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return store, nil
}

// importCatalog loads a YAML title index into store.
func importCatalog(ctx context.Context, store stores.CatalogStore, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open catalog source: %w", err)
	}
	defer f.Close()

	titles, err := stores.ParseCatalog(f)
	if err != nil {
		return 0, err
	}
	if err := store.UpsertTitles(ctx, titles); err != nil {
		return 0, fmt.Errorf("failed to import titles: %w", err)
	}
	return len(titles), nil
}

// newRegistry scans the provider directory named in settings.
func newRegistry(settings config.Settings, folder string, features cpufeatures.Features, logger *telemetry.Logger) (*host.Registry, error) {
	dir := resolvePath(folder, settings.Providers.Dir)
	hostConfig := host.DefaultHostConfig()
	if t := settings.Providers.Timeout.Std(); t > 0 {
		hostConfig.Timeout = t
	}

	registry := host.NewRegistry(dir, features, hostConfig, logger)
	if err := registry.ScanDirectory(dir); err != nil {
		return nil, err
	}
	return registry, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// closerFunc adapts a function to lifecycle.Closer.
type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }
