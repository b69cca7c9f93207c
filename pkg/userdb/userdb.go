// Package userdb implements the rsachat credential store with a simple
// boltdb based backend.
package userdb

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"unicode/utf8"

	bolt "go.etcd.io/bbolt"

	"rsachat/pkg/protocol"
)

const (
	metadataBucket = "metadata"
	usersBucket    = "users"
	versionKey     = "version"

	schemaVersion = 0

	// DefaultUsername and DefaultPassword seed a newly created database.
	DefaultUsername = "admin"
	DefaultPassword = "admin123"
)

// ErrIncompatibleVersion is returned when opening a database written with
// an unknown schema.
var ErrIncompatibleVersion = errors.New("userdb: incompatible version")

// Outcome is the result of a registration attempt.
type Outcome int

const (
	Registered Outcome = iota
	UserExists
	PasswordTooShort
)

func (o Outcome) String() string {
	switch o {
	case Registered:
		return "registered"
	case UserExists:
		return "user_exists"
	case PasswordTooShort:
		return "password_too_short"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Status maps an outcome to its REGISTER_* status line.
func (o Outcome) Status() protocol.Status {
	switch o {
	case Registered:
		return protocol.StatusRegisterSuccess
	case UserExists:
		return protocol.StatusRegisterUserExists
	default:
		return protocol.StatusRegisterPasswordShort
	}
}

// Option configures a DB at open time.
type Option func(*DB)

// WithDefaultAccount overrides the account seeded into a new database. An
// empty username disables seeding.
func WithDefaultAccount(username, password string) Option {
	return func(d *DB) {
		d.seedUser = username
		d.seedPass = password
	}
}

// WithMinPasswordLength overrides protocol.MinPasswordLength.
func WithMinPasswordLength(n int) Option {
	return func(d *DB) {
		d.minPassword = n
	}
}

// DB is the username to password store. Passwords are stored verbatim.
type DB struct {
	db *bolt.DB

	seedUser    string
	seedPass    string
	minPassword int
	created     bool
}

// New creates (or loads) a user database with the given file name f.
func New(f string, opts ...Option) (*DB, error) {
	d := &DB{
		seedUser:    DefaultUsername,
		seedPass:    DefaultPassword,
		minPassword: protocol.MinPasswordLength,
	}
	for _, opt := range opts {
		opt(d)
	}

	var err error
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		mBkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		uBkt, err := tx.CreateBucketIfNotExists([]byte(usersBucket))
		if err != nil {
			return err
		}

		if b := mBkt.Get([]byte(versionKey)); b != nil {
			// Loaded as opposed to created.
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("%w: %x", ErrIncompatibleVersion, b)
			}
			return nil
		}

		d.created = true
		if err := mBkt.Put([]byte(versionKey), []byte{schemaVersion}); err != nil {
			return err
		}
		if d.seedUser == "" {
			return nil
		}
		return uBkt.Put([]byte(d.seedUser), []byte(d.seedPass))
	}); err != nil {
		// The struct isn't getting returned so clean up the database.
		d.db.Close()
		return nil, err
	}

	return d, nil
}

// Created reports whether New created a fresh database (and seeded the
// default account) rather than loading an existing one.
func (d *DB) Created() bool {
	return d.created
}

// TryRegister atomically inserts username unless it already exists or the
// password is too short. bbolt serializes write transactions, so two
// concurrent registrations of the same name cannot both succeed.
func (d *DB) TryRegister(username, password string) (Outcome, error) {
	outcome := Registered
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usersBucket))
		if bkt.Get([]byte(username)) != nil {
			outcome = UserExists
			return nil
		}
		if utf8.RuneCountInString(password) < d.minPassword {
			outcome = PasswordTooShort
			return nil
		}
		return bkt.Put([]byte(username), []byte(password))
	})
	if err != nil {
		return outcome, fmt.Errorf("userdb: register %q: %w", username, err)
	}
	return outcome, nil
}

// CheckLogin returns true iff username exists with exactly password.
func (d *DB) CheckLogin(username, password string) bool {
	if username == "" {
		return false
	}

	ok := false
	if err := d.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket([]byte(usersBucket)).Get([]byte(username))
		if stored == nil {
			return nil
		}
		ok = subtle.ConstantTimeCompare(stored, []byte(password)) == 1
		return nil
	}); err != nil {
		return false
	}
	return ok
}

// Exists returns true iff the user exists.
func (d *DB) Exists(username string) bool {
	exists := false
	d.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(usersBucket)).Get([]byte(username)) != nil
		return nil
	})
	return exists
}

// Count returns the number of stored accounts.
func (d *DB) Count() int {
	n := 0
	d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(usersBucket)).Stats().KeyN
		return nil
	})
	return n
}

// Persist flushes the database to stable storage.
func (d *DB) Persist() error {
	return d.db.Sync()
}

// Close persists and closes the database.
func (d *DB) Close() error {
	if err := d.db.Sync(); err != nil {
		d.db.Close()
		return err
	}
	return d.db.Close()
}
