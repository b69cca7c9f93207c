package userdb

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"rsachat/pkg/protocol"
)

func newTestDB(t *testing.T, opts ...Option) (*DB, string) {
	path := filepath.Join(t.TempDir(), "users.db")
	d, err := New(path, opts...)
	require.NoError(t, err, "New()")
	t.Cleanup(func() { d.Close() })
	return d, path
}

func TestNew_SeedsDefaultAccount(t *testing.T) {
	assert := assert.New(t)

	d, _ := newTestDB(t)
	assert.True(d.Created())
	assert.Equal(1, d.Count())
	assert.True(d.CheckLogin("admin", "admin123"))
	assert.False(d.CheckLogin("admin", "admin1234"))
}

func TestNew_CustomAndDisabledSeed(t *testing.T) {
	d, _ := newTestDB(t, WithDefaultAccount("root", "toor1234"))
	assert.True(t, d.CheckLogin("root", "toor1234"))
	assert.False(t, d.Exists("admin"))

	empty, _ := newTestDB(t, WithDefaultAccount("", ""))
	assert.Equal(t, 0, empty.Count())
}

func TestTryRegister(t *testing.T) {
	d, _ := newTestDB(t)

	tests := []struct {
		name     string
		user     string
		pass     string
		want     Outcome
		wantLine protocol.Status
	}{
		{"new user", "alice", "password1", Registered, protocol.StatusRegisterSuccess},
		{"duplicate", "alice", "different1", UserExists, protocol.StatusRegisterUserExists},
		{"seeded duplicate", "admin", "whatever1", UserExists, protocol.StatusRegisterUserExists},
		{"short password", "bob", "short", PasswordTooShort, protocol.StatusRegisterPasswordShort},
		{"exactly eight", "carol", "12345678", Registered, protocol.StatusRegisterSuccess},
		{"short multibyte password", "eve", "ééééé", PasswordTooShort, protocol.StatusRegisterPasswordShort},
		{"eight multibyte characters", "frank", "пароль12", Registered, protocol.StatusRegisterSuccess},
		{"existing beats short", "carol", "x", UserExists, protocol.StatusRegisterUserExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.TryRegister(tt.user, tt.pass)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantLine, got.Status())
		})
	}

	assert.True(t, d.CheckLogin("alice", "password1"))
	assert.False(t, d.CheckLogin("alice", "different1"), "registration never mutates")
	assert.False(t, d.CheckLogin("bob", "short"))
	assert.True(t, d.CheckLogin("carol", "12345678"))
	assert.False(t, d.CheckLogin("", ""))
	assert.False(t, d.CheckLogin("nobody", "password1"))
}

func TestTryRegister_MinPasswordLength(t *testing.T) {
	d, _ := newTestDB(t, WithMinPasswordLength(12))

	got, err := d.TryRegister("dave", "password1")
	require.NoError(t, err)
	assert.Equal(t, PasswordTooShort, got)

	got, err = d.TryRegister("dave", "password1234")
	require.NoError(t, err)
	assert.Equal(t, Registered, got)
}

func TestTryRegister_ConcurrentExclusive(t *testing.T) {
	d, _ := newTestDB(t)

	for round := 0; round < 20; round++ {
		user := fmt.Sprintf("racer%d", round)

		const contenders = 8
		results := make(chan Outcome, contenders)
		var start, wg sync.WaitGroup
		start.Add(1)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				start.Wait()
				o, err := d.TryRegister(user, fmt.Sprintf("password-%d", i))
				if err == nil {
					results <- o
				}
			}(i)
		}
		start.Done()
		wg.Wait()
		close(results)

		successes := 0
		for o := range results {
			if o == Registered {
				successes++
			} else {
				assert.Equal(t, UserExists, o)
			}
		}
		assert.Equal(t, 1, successes, "exactly one registration of %s must win", user)
	}
}

func TestPersistAndReload(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "users.db")
	d, err := New(path)
	require.NoError(err)
	o, err := d.TryRegister("alice", "password1")
	require.NoError(err)
	require.Equal(Registered, o)
	require.NoError(d.Persist())
	require.NoError(d.Close())

	d, err = New(path, WithDefaultAccount("other", "otherpass"))
	require.NoError(err)
	defer d.Close()

	assert.False(t, d.Created())
	assert.Equal(t, 2, d.Count())
	assert.True(t, d.CheckLogin("alice", "password1"))
	assert.True(t, d.CheckLogin("admin", "admin123"))
	assert.False(t, d.Exists("other"), "seed only applies to new databases")
}

func TestIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")

	db, err := bolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(versionKey), []byte{7})
	}))
	require.NoError(t, db.Close())

	_, err = New(path)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
