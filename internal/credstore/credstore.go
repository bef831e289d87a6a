// Package credstore persists the session's access and refresh credentials.
// Credentials are stored on disk as a JSON-wrapped OAuth2 token, either in
// plaintext or sealed with AES-256-GCM. This is a leaf package imported by
// session/ and the CLI.
package credstore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// tokenTypeBearer is the token type written for every stored pair.
const tokenTypeBearer = "Bearer"

// Backend selects how credentials are written to disk.
type Backend string

// Supported storage backends.
const (
	BackendPlaintext Backend = "plaintext"
	BackendEncrypted Backend = "encrypted"
)

// ErrKeyRequired is returned when the encrypted backend is selected (or an
// encrypted file is found) and no key was supplied.
var ErrKeyRequired = errors.New("credstore: encryption key required")

// Credentials is the access/refresh pair. An empty string means absent.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

// IsZero reports whether neither credential is present.
func (c Credentials) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Token converts the pair to an oauth2.Token for header attachment.
func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    tokenTypeBearer,
	}
}

// Store is the durable credential storage contract used by the session manager.
type Store interface {
	Load() (Credentials, error)
	Save(creds Credentials) error
	Clear() error
}

// file is the on-disk format. Exactly one of Token or Sealed is set:
// Token for the plaintext backend, Sealed (base64 nonce||ciphertext of the
// JSON-encoded token) for the encrypted backend.
type file struct {
	Backend Backend       `json:"backend"`
	Token   *oauth2.Token `json:"token,omitempty"`
	Sealed  string        `json:"sealed,omitempty"`
}

// Options configures a FileStore.
type Options struct {
	Backend Backend
	Key     []byte // secret for BackendEncrypted; also used to read sealed files
	Logger  *slog.Logger
}

// FileStore is a Store backed by a single file. Safe for concurrent use.
type FileStore struct {
	mu      sync.Mutex
	path    string
	backend Backend
	sealer  *sealer // nil when no key was supplied
	logger  *slog.Logger
}

// Open returns a FileStore for path. The file itself is created lazily on
// the first Save.
func Open(path string, opts Options) (*FileStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := opts.Backend
	if backend == "" {
		backend = BackendPlaintext
	}

	if backend != BackendPlaintext && backend != BackendEncrypted {
		return nil, fmt.Errorf("credstore: unknown backend %q", backend)
	}

	s := &FileStore{path: path, backend: backend, logger: logger}

	if len(opts.Key) > 0 {
		sl, err := newSealer(opts.Key)
		if err != nil {
			return nil, err
		}

		s.sealer = sl
	}

	if backend == BackendEncrypted && s.sealer == nil {
		return nil, ErrKeyRequired
	}

	return s, nil
}

// Path returns the credential file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the stored credentials. A missing file yields zero Credentials
// and no error. Files written by either backend can be read as long as a
// key is available for sealed files, so switching backends only takes
// effect on the next Save.
func (s *FileStore) Load() (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credentials{}, nil
	}

	if err != nil {
		return Credentials{}, fmt.Errorf("credstore: reading %s: %w", s.path, err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, fmt.Errorf("credstore: decoding %s: %w", s.path, err)
	}

	tok := f.Token

	if f.Sealed != "" {
		tok, err = s.open(f.Sealed)
		if err != nil {
			return Credentials{}, err
		}
	}

	if tok == nil {
		return Credentials{}, fmt.Errorf("credstore: %s missing token field (re-login required)", s.path)
	}

	return Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}, nil
}

// Save writes the credentials atomically (write-to-temp + rename) with 0600
// permissions. Never logs token values.
func (s *FileStore) Save(creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := file{Backend: s.backend}

	if s.backend == BackendEncrypted {
		sealed, err := s.seal(creds.Token())
		if err != nil {
			return err
		}

		f.Sealed = sealed
	} else {
		f.Token = creds.Token()
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encoding: %w", err)
	}

	if err := writeAtomic(s.path, data); err != nil {
		return err
	}

	s.logger.Debug("credentials saved",
		slog.String("path", s.path),
		slog.String("backend", string(s.backend)),
		slog.Bool("has_refresh", creds.RefreshToken != ""),
	)

	return nil
}

// Clear removes the credential file. Clearing an absent file is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore: removing %s: %w", s.path, err)
	}

	s.logger.Info("credentials cleared", slog.String("path", s.path))

	return nil
}

func (s *FileStore) seal(tok *oauth2.Token) (string, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("credstore: encoding token: %w", err)
	}

	ct, err := s.sealer.seal(plain)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(ct), nil
}

func (s *FileStore) open(sealed string) (*oauth2.Token, error) {
	if s.sealer == nil {
		return nil, ErrKeyRequired
	}

	ct, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode failed: %s", ErrInvalidCiphertext, err.Error())
	}

	plain, err := s.sealer.open(ct)
	if err != nil {
		return nil, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, fmt.Errorf("credstore: decoding sealed token: %w", err)
	}

	return &tok, nil
}

// writeAtomic writes data to path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credstore: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing: %w", err)
	}

	// Flush before rename so a power loss cannot leave a partial file at path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credstore: renaming: %w", err)
	}

	success = true

	return nil
}
