// Package app opens a coordline workspace: the SQLite store, its schema, the engine
// tunables from coordline.yml and the engine itself.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/engine"
	"coordline/internal/logger"
	"coordline/internal/migrate"
)

type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace at dir, applying pending migrations. A missing
// coordline.yml falls back to the default tunables.
func Open(ctx context.Context, dir string, log *logger.Logger) (*Workspace, error) {
	if dir == "" {
		dir = "."
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if log != nil {
		e.Log = log
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// LoadEnv reads .env from the workspace and then the working directory. Variables
// already set in the process win.
func LoadEnv(dir string) error {
	for _, path := range []string{filepath.Join(dir, ".env"), ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}
