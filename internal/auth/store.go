// Package auth implements the credential store: a user → password map
// persisted as a count-prefixed sequence of UTF string pairs. No hashing by
// contract; credentials are compared as opaque byte strings.
package auth

import (
	"bufio"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"salesd/internal/wire"
)

// Store holds the registered credentials. The file is rewritten in full
// after every successful registration under the store's mutex.
type Store struct {
	mu     sync.Mutex
	path   string
	users  map[string]string
	logger zerolog.Logger
}

// Open loads the credentials file if it exists. A corrupt file is logged
// and the store starts empty.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		users:  make(map[string]string),
		logger: logger,
	}
	if err := s.load(); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Credentials file unreadable, starting empty")
		s.users = make(map[string]string)
	}
	logger.Info().Int("users", len(s.users)).Msg("Credential store opened")
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "auth: open credentials file")
	}
	defer f.Close()

	br := bufio.NewReader(f)
	n, err := wire.ReadInt32(br)
	if err != nil {
		return errors.Wrap(err, "auth: read user count")
	}
	if n < 0 {
		return errors.Errorf("auth: negative user count %d", n)
	}
	for i := int32(0); i < n; i++ {
		user, err := wire.ReadUTF(br)
		if err != nil {
			return errors.Wrap(err, "auth: read user name")
		}
		pass, err := wire.ReadUTF(br)
		if err != nil {
			return errors.Wrap(err, "auth: read password")
		}
		s.users[user] = pass
	}
	return nil
}

func (s *Store) saveLocked() error {
	f, err := os.Create(s.path)
	if err != nil {
		return errors.Wrap(err, "auth: create credentials file")
	}
	bw := bufio.NewWriter(f)
	if err := wire.WriteInt32(bw, int32(len(s.users))); err != nil {
		f.Close()
		return err
	}
	for user, pass := range s.users {
		if err := wire.WriteUTF(bw, user); err != nil {
			f.Close()
			return err
		}
		if err := wire.WriteUTF(bw, pass); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "auth: flush credentials file")
	}
	return errors.Wrap(f.Close(), "auth: close credentials file")
}

// Register creates the user and persists the store. Returns false with no
// error when the name is already taken. If persisting fails, the user is
// not created.
func (s *Store) Register(user, pass string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user]; exists {
		return false, nil
	}
	s.users[user] = pass
	if err := s.saveLocked(); err != nil {
		delete(s.users, user)
		return false, err
	}
	s.logger.Info().Str("user", user).Msg("User registered")
	return true, nil
}

// Authenticate reports whether the user exists with exactly this password.
func (s *Store) Authenticate(user, pass string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.users[user]
	return ok && stored == pass
}
