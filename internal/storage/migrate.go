package storage

import (
	"bytes"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/trinitas-lab/tmws/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to the embedded migration set. The
// scripts are written against the default embedding dimension; a
// non-default dim is substituted before they run so the vector column
// matches TMWS_VECTOR_DIMENSION.
func Migrate(db *sql.DB, dim int) error {
	if dim <= 0 {
		dim = types.DefaultDim
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return types.Wrap(types.KindStorage, err, "migration driver unavailable")
	}
	var fsys fs.FS = migrationsFS
	if dim != types.DefaultDim {
		fsys = dimFS{
			inner: migrationsFS,
			old:   fmt.Sprintf("vector(%d)", types.DefaultDim),
			new:   fmt.Sprintf("vector(%d)", dim),
		}
	}
	src, err := iofs.New(fsys, "migrations")
	if err != nil {
		return types.Wrap(types.KindStorage, err, "embedded migrations unreadable")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return types.Wrap(types.KindStorage, err, "migration setup failed")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return types.Wrap(types.KindStorage, err, "schema migration failed")
	}
	version, dirty, err := m.Version()
	if err != nil {
		return types.Wrap(types.KindStorage, err, "migration version unknown")
	}
	if dirty {
		return types.E(types.KindStorage, "schema is dirty at version %d", version)
	}
	return nil
}

// dimFS rewrites the embedding column dimension inside the migration
// scripts on the way out. Directories and non-SQL files pass through.
type dimFS struct {
	inner fs.FS
	old   string
	new   string
}

func (d dimFS) Open(name string) (fs.File, error) {
	f, err := d.inner.Open(name)
	if err != nil || !strings.HasSuffix(name, ".sql") {
		return f, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	raw = bytes.ReplaceAll(raw, []byte(d.old), []byte(d.new))
	return &memFile{
		Reader: bytes.NewReader(raw),
		name:   info.Name(),
		size:   int64(len(raw)),
		mode:   info.Mode(),
		mod:    info.ModTime(),
	}, nil
}

// memFile serves rewritten script bytes as an fs.File.
type memFile struct {
	*bytes.Reader
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f, nil }
func (f *memFile) Close() error               { return nil }

func (f *memFile) Name() string       { return f.name }
func (f *memFile) Size() int64        { return f.size }
func (f *memFile) Mode() fs.FileMode  { return f.mode }
func (f *memFile) ModTime() time.Time { return f.mod }
func (f *memFile) IsDir() bool        { return false }
func (f *memFile) Sys() any           { return nil }
