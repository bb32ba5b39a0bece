// Package store is a thin transactional mapper from plain record structs to sqlite tables.
// Record types are registered with explicit descriptors, every write happens inside a transaction scope,
// nested scopes are savepoints.
package store

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/reflectx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Options tune the underlying connections
type Options struct {
	// BusyTimeout is how long a writer waits for the lock held by another connection.
	// Zero means the later writer fails immediately with a busy error.
	BusyTimeout time.Duration
	JournalMode string // WAL if empty
}

// Store owns the database handle and the registry of record types
type Store struct {
	db   *sqlx.DB
	path string
	reg  *Registry
}

// Open opens (and creates if missing) sqlite database at path
func Open(path string, opts Options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, opts.BusyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	if _, err := db.Exec("PRAGMA journal_mode=" + journal); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set journal mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set journal mode %s: %w", journal, err)
	}
	return &Store{db: db, path: path, reg: NewRegistry()}, nil
}

// Path returns database file location
func (s *Store) Path() string { return s.path }

// Close closes all connections
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database %s: %w", s.path, err)
	}
	return nil
}

// RegisterClasses registers record descriptors. Registering the same set again is a no-op,
// registering a different set is a configuration error.
func (s *Store) RegisterClasses(descs ...*Descriptor) error { return s.reg.Register(descs...) }

// Registry returns the record registry of this store
func (s *Store) Registry() *Registry { return s.reg }

// CreateTables creates tables and indexes of all registered records in its own transaction. Safe to call repeatedly.
func (s *Store) CreateTables(ctx context.Context, rules Rules) error {
	return s.Connect(ctx, func(c *Conn) error {
		return c.Transaction(ctx, func(tx *Conn) error { return tx.CreateTables(ctx, rules) })
	})
}

// Connect acquires one dedicated connection for fn. The connection is returned on every exit path,
// an open transaction left behind (i.e. by a panic) is rolled back first.
func (s *Store) Connect(ctx context.Context, fn func(c *Conn) error) error {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return wrapErr("connect", err)
	}
	c := &Conn{conn: conn, reg: s.reg}
	defer func() {
		if c.InTransaction() {
			if _, rbErr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rbErr != nil {
				log.Printf("[WARN] failed to rollback abandoned transaction: %v", rbErr)
			}
			c.stack = nil
		}
		if closeErr := conn.Close(); closeErr != nil {
			log.Printf("[WARN] failed to release connection: %v", closeErr)
		}
	}()
	return fn(c)
}

// Registry maps record types to descriptors
type Registry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]*Descriptor
	byTable map[string]*Descriptor
	order   []*Descriptor
	mapper  *reflectx.Mapper
}

// NewRegistry makes empty registry
func NewRegistry() *Registry {
	return &Registry{
		byType:  map[reflect.Type]*Descriptor{},
		byTable: map[string]*Descriptor{},
		mapper:  reflectx.NewMapperFunc("db", strings.ToLower),
	}
}

// Register validates descriptors against the record structs and adds them
func (r *Registry) Register(descs ...*Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) > 0 {
		if !r.sameSet(descs) {
			return configErr("register", "record types already registered with a different set")
		}
		return nil
	}

	for _, d := range descs {
		if d.typ.Kind() != reflect.Struct {
			return configErr("register", "%s is not a struct", d.typ)
		}
		if _, ok := d.column("id"); !ok {
			return configErr("register", "%s has no id column", d.typ.Name())
		}
		fields := r.mapper.TypeMap(d.typ)
		for _, c := range d.columns {
			if fields.GetByPath(c.Name) == nil {
				return configErr("register", "%s has no field tagged db:%q", d.typ.Name(), c.Name)
			}
		}
	}
	for _, d := range descs {
		r.byType[d.typ] = d
		r.byTable[d.table] = d
		r.order = append(r.order, d)
	}
	return nil
}

// Descriptors returns registered descriptors in registration order
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Descriptor, len(r.order))
	copy(res, r.order)
	return res
}

func (r *Registry) sameSet(descs []*Descriptor) bool {
	if len(descs) != len(r.order) {
		return false
	}
	for _, d := range descs {
		if _, ok := r.byType[d.typ]; !ok {
			return false
		}
	}
	return true
}

func (r *Registry) isTable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTable[name]
	return ok
}

func (r *Registry) lookup(t reflect.Type) (*Descriptor, error) {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	if !ok {
		return nil, configErr("lookup", "record type %s is not registered", t)
	}
	return d, nil
}

func (r *Registry) table(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTable[name]
	if !ok {
		return nil, configErr("lookup", "table %s is not registered", name)
	}
	return d, nil
}
