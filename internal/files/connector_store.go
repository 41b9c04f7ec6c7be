package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/harrylevesque/biotimesync/internal/crypto"
	"github.com/harrylevesque/biotimesync/internal/models"
)

const (
	dbFileName        = "connectors.json"
	secretsKeyPurpose = "connector-secrets"
)

var (
	ErrConnectorNotFound  = errors.New("connector not found")
	ErrNoEnabledConnector = errors.New("no enabled BioTime Connector found")
	ErrInvalidConnector   = errors.New("invalid connector")
)

// ConnectorStore keeps connectors in a JSON file. Passwords and access tokens
// are sealed with a key derived from the master key and only opened on read.
type ConnectorStore struct {
	filePath string
	key      []byte
	now      func() time.Time
	mu       sync.RWMutex
}

// NewConnectorStore opens (or creates) the connector file under dir.
func NewConnectorStore(dir string, masterKey []byte) (*ConnectorStore, error) {
	key, err := crypto.DeriveKey(masterKey, secretsKeyPurpose)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &ConnectorStore{
		filePath: filepath.Join(dir, dbFileName),
		key:      key,
		now:      time.Now,
	}
	// surface a corrupt file at startup rather than on first sync
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save creates or replaces a connector. Empty Password or AccessToken keep the
// stored values so partial updates do not wipe secrets.
func (s *ConnectorStore) Save(c models.Connector) (models.Connector, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.CompanyPortal = strings.TrimRight(strings.TrimSpace(c.CompanyPortal), "/")
	if c.Name == "" || c.CompanyPortal == "" {
		return models.Connector{}, fmt.Errorf("%w: name and company_portal are required", ErrInvalidConnector)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return models.Connector{}, err
	}
	now := s.now().UTC()
	sealed := c
	if prev, ok := all[c.Name]; ok {
		sealed.CreatedAt = prev.CreatedAt
		sealed.LastSyncedID = max(sealed.LastSyncedID, prev.LastSyncedID)
		if c.Password == "" {
			sealed.Password = prev.Password
		}
		if c.AccessToken == "" {
			sealed.AccessToken = prev.AccessToken
			sealed.TokenIssuedAt = prev.TokenIssuedAt
		}
	} else {
		sealed.CreatedAt = now
	}
	sealed.UpdatedAt = now
	if c.Password != "" {
		if sealed.Password, err = crypto.SealString(s.key, c.Password); err != nil {
			return models.Connector{}, err
		}
	}
	if c.AccessToken != "" {
		if sealed.AccessToken, err = crypto.SealString(s.key, c.AccessToken); err != nil {
			return models.Connector{}, err
		}
	}
	all[c.Name] = sealed
	if err := s.persist(all); err != nil {
		return models.Connector{}, err
	}
	return s.open(sealed)
}

// Get returns a connector with its secrets opened.
func (s *ConnectorStore) Get(name string) (models.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.load()
	if err != nil {
		return models.Connector{}, err
	}
	c, ok := all[name]
	if !ok {
		return models.Connector{}, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	return s.open(c)
}

// List returns every connector ordered by name.
func (s *ConnectorStore) List() ([]models.Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]models.Connector, 0, len(all))
	for _, c := range all {
		opened, err := s.open(c)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Enabled returns the first enabled connector by name.
func (s *ConnectorStore) Enabled() (models.Connector, error) {
	all, err := s.List()
	if err != nil {
		return models.Connector{}, err
	}
	for _, c := range all {
		if c.IsEnabled {
			return c, nil
		}
	}
	return models.Connector{}, ErrNoEnabledConnector
}

func (s *ConnectorStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := all[name]; !ok {
		return fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	delete(all, name)
	return s.persist(all)
}

// SetToken stores a freshly issued access token.
func (s *ConnectorStore) SetToken(name, token string) (models.Connector, error) {
	var updated models.Connector
	err := s.update(name, func(c *models.Connector) error {
		sealed, err := crypto.SealString(s.key, token)
		if err != nil {
			return err
		}
		c.AccessToken = sealed
		c.TokenIssuedAt = s.now().UTC()
		updated = *c
		return nil
	})
	if err != nil {
		return models.Connector{}, err
	}
	return s.open(updated)
}

// SetLastSyncedID advances the transaction cursor. It never moves backwards.
func (s *ConnectorStore) SetLastSyncedID(name string, id int64) error {
	return s.update(name, func(c *models.Connector) error {
		if id > c.LastSyncedID {
			c.LastSyncedID = id
		}
		return nil
	})
}

func (s *ConnectorStore) update(name string, fn func(*models.Connector) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.load()
	if err != nil {
		return err
	}
	c, ok := all[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	if err := fn(&c); err != nil {
		return err
	}
	c.UpdatedAt = s.now().UTC()
	all[name] = c
	return s.persist(all)
}

func (s *ConnectorStore) open(c models.Connector) (models.Connector, error) {
	var err error
	if c.Password, err = crypto.OpenString(s.key, c.Password); err != nil {
		return models.Connector{}, fmt.Errorf("failed to open password for %s: %w", c.Name, err)
	}
	if c.AccessToken, err = crypto.OpenString(s.key, c.AccessToken); err != nil {
		return models.Connector{}, fmt.Errorf("failed to open access token for %s: %w", c.Name, err)
	}
	return c, nil
}

// load reads the sealed records; callers hold mu.
func (s *ConnectorStore) load() (map[string]models.Connector, error) {
	all := map[string]models.Connector{}
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return all, nil // File doesn't exist, that's fine
		}
		return nil, err
	}
	var list []models.Connector
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", s.filePath, err)
	}
	for _, c := range list {
		all[c.Name] = c
	}
	return all, nil
}

func (s *ConnectorStore) persist(all map[string]models.Connector) error {
	list := make([]models.Connector, 0, len(all))
	for _, c := range all {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.filePath, data, 0o600)
}
