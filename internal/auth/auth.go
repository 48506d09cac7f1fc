// Package auth implements the external auth collaborator from
// spec.md §1/§6: the FTP adapter delegates CheckPasswd to a Service,
// with a process-local bcrypt-hashed-password file backend provided
// for standalone operation (a full credential store is explicitly out
// of scope).
package auth

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ErrDenied is the sentinel for a denied login. FileService.CheckPasswd
// does not return it: an unknown user or a password that doesn't match
// is reported as (false, nil).
var ErrDenied = errors.New("auth: access denied")

// Service authenticates an FTP username/password pair. Implementations
// must be safe for concurrent use.
type Service interface {
	CheckPasswd(user, pass string) (bool, error)
}

// userFile is the on-disk shape of the file-backed Service: a map from
// username to bcrypt hash.
type userFile struct {
	Users map[string]string `yaml:"users"`
}

// FileService is a Service backed by a YAML file of bcrypt password
// hashes, loaded at construction and again on each Reload.
type FileService struct {
	mu   sync.RWMutex
	hash map[string]string
	path string
}

// NewFileService loads path (a YAML document of the form
// `users: {alice: "$2a$..."}`) into a FileService.
func NewFileService(path string) (*FileService, error) {
	s := &FileService{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileService) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("auth: read %s: %w", s.path, err)
	}
	var uf userFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return fmt.Errorf("auth: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.hash = uf.Users
	s.mu.Unlock()
	return nil
}

// Reload re-reads the backing file, picking up added/removed/changed
// users without restarting the process.
func (s *FileService) Reload() error {
	return s.reload()
}

// CheckPasswd implements Service.
func (s *FileService) CheckPasswd(user, pass string) (bool, error) {
	s.mu.RLock()
	hash, ok := s.hash[user]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("auth: compare hash for %s: %w", user, err)
	}
	return true, nil
}

// HashPassword bcrypt-hashes pass at the default cost, for use by a
// user-management CLI writing a new userFile entry.
func HashPassword(pass string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// WriteUserFile writes users (username -> bcrypt hash) to path as YAML,
// the format NewFileService reads back.
func WriteUserFile(path string, users map[string]string) error {
	data, err := yaml.Marshal(userFile{Users: users})
	if err != nil {
		return fmt.Errorf("auth: marshal user file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("auth: write %s: %w", path, err)
	}
	return nil
}
