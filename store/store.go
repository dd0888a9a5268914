// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package store implements the experiment store: an append-only set of tables, kept in a SQLite database
// under "<outDir>/<expName>/".
//
// Each run creates (or reopens) a store, registers the tables it writes to, and appends rows to them.
// Rows are never updated or deleted.
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

const (
	// DBFileName is the name of the SQLite file inside the experiment directory.
	DBFileName = "store.db"

	// DirPermMode used when creating the experiment directory.
	DirPermMode = 0755

	// rowIDColumn is the hidden column that keeps the insertion order.
	rowIDColumn = "_row"
)

// Store is a handle to an experiment store. It is safe for concurrent use.
type Store struct {
	outDir, expName, path string

	mu     sync.Mutex
	db     *sql.DB
	tables map[string]*Table
}

// ErrNotFound is returned by OpenReadOnly when the experiment has no store.
var ErrNotFound = errors.New("experiment store not found")

// New creates (or reopens) the store for the experiment expName under outDir.
// If expName is empty, a random UUID is used.
func New(outDir, expName string) (*Store, error) {
	if outDir == "" {
		return nil, errors.New("store requires an output directory")
	}
	if expName == "" {
		expName = uuid.NewString()
	}
	path := filepath.Join(outDir, expName)
	if err := os.MkdirAll(path, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create experiment directory %q", path)
	}
	return open(outDir, expName, filepath.Join(path, DBFileName))
}

// OpenReadOnly opens the existing store of the experiment expName under outDir, without creating
// anything. Tables must be opened with OpenTable, and appending rows fails.
func OpenReadOnly(outDir, expName string) (*Store, error) {
	if outDir == "" || expName == "" {
		return nil, errors.New("opening a store requires an output directory and an experiment name")
	}
	dbPath := filepath.Join(outDir, expName, DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "no %q", dbPath)
		}
		return nil, errors.Wrapf(err, "failed to access experiment store %q", dbPath)
	}
	return open(outDir, expName, "file:"+dbPath+"?mode=ro")
}

func open(outDir, expName, dsn string) (*Store, error) {
	path := filepath.Join(outDir, expName)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open experiment store in %q", path)
	}
	// SQLite serializes writers anyway, a single connection avoids "database is locked" errors.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to open experiment store in %q", path)
	}
	klog.V(1).Infof("experiment store %q opened in %q", expName, path)
	return &Store{
		outDir:  outDir,
		expName: expName,
		path:    path,
		db:      db,
		tables:  make(map[string]*Table),
	}, nil
}

// ExpName returns the experiment name of the store.
func (s *Store) ExpName() string { return s.expName }

// Path returns the experiment directory, where the database, checkpoints and plots are kept.
func (s *Store) Path() string { return s.path }

// AddTable registers the table with the given schema, creating it if it doesn't exist yet.
//
// It is an error to register the same table twice on the same Store handle.
func (s *Store) AddTable(name string, schema Schema) (*Table, error) {
	if name == "" {
		return nil, errors.New("table name cannot be empty")
	}
	if len(schema) == 0 {
		return nil, errors.Errorf("table %q must have at least one column", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.Errorf("store %q already closed", s.expName)
	}
	if _, found := s.tables[name]; found {
		return nil, errors.Errorf("table %q already added to store %q", name, s.expName)
	}
	if _, err := s.db.Exec(createTableSQL(name, schema)); err != nil {
		return nil, errors.Wrapf(err, "failed to create table %q", name)
	}
	table := &Table{store: s, name: name, schema: schema.clone()}
	s.tables[name] = table
	return table, nil
}

// Table returns a previously added table.
func (s *Store) Table(name string) (*Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, found := s.tables[name]
	return table, found
}

// OpenTable registers a table that already exists in the database, with the schema it was created with.
func (s *Store) OpenTable(name string) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.Errorf("store %q already closed", s.expName)
	}
	if table, found := s.tables[name]; found {
		return table, nil
	}
	rows, err := s.db.Query("SELECT name, type FROM pragma_table_info(?)", name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read the schema of table %q", name)
	}
	defer func() { _ = rows.Close() }()
	schema := make(Schema)
	for rows.Next() {
		var column, sqlType string
		if err := rows.Scan(&column, &sqlType); err != nil {
			return nil, errors.Wrapf(err, "failed to read the schema of table %q", name)
		}
		if column == rowIDColumn {
			continue
		}
		schema[column] = columnTypeFromSQL(sqlType)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read the schema of table %q", name)
	}
	if len(schema) == 0 {
		return nil, errors.Errorf("table %q not found in store %q", name, s.expName)
	}
	table := &Table{store: s, name: name, schema: schema}
	s.tables[name] = table
	return table, nil
}

// GetOrAddTable returns the table if already added, or adds it with the given schema.
func (s *Store) GetOrAddTable(name string, schema Schema) (*Table, error) {
	if table, found := s.Table(name); found {
		return table, nil
	}
	return s.AddTable(name, schema)
}

// TableNames returns the sorted names of the tables added to this handle.
func (s *Store) TableNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close the underlying database. The Store can no longer be used afterward.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrapf(err, "closing store %q", s.expName)
}
