// Package store persists the two pieces of endpoint state that must
// survive a restart: the endpoint's AgentId and its configured relay
// server_url (§6). The format is an opaque key/value file; this
// implementation uses the teacher's own config idiom, yaml, rather than
// introducing a new serialization dependency for two fields.
package store

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const dirName = "tunnel"
const fileName = "state.yaml"

// State is the persisted endpoint state.
type State struct {
	AgentID   string `yaml:"agent_id"`
	ServerURL string `yaml:"server_url"`
}

// Store reads and writes State to a file under the user's config directory.
type Store struct {
	path string
}

// Open locates (creating the directory if needed) the state file under
// os.UserConfigDir()/tunnel/state.yaml.
func Open() (*Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("locating user config dir: %w", err)
	}
	dir = filepath.Join(dir, dirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, fileName)}, nil
}

// Load reads the persisted state. A missing file is not an error; it
// returns a zero-value State so the caller can populate defaults.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading state file: %w", err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parsing state file: %w", err)
	}
	return st, nil
}

// Save writes the state file, overwriting any prior contents.
func (s *Store) Save(st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// EnsureAgentID loads the persisted state, generating and persisting a new
// AgentId in format XXXX-XXXX (hex-uppercase) if none exists yet.
func (s *Store) EnsureAgentID() (string, error) {
	st, err := s.Load()
	if err != nil {
		return "", err
	}
	if st.AgentID != "" {
		return st.AgentID, nil
	}
	id, err := generateAgentID()
	if err != nil {
		return "", err
	}
	st.AgentID = id
	if err := s.Save(st); err != nil {
		return "", err
	}
	return id, nil
}

// generateAgentID produces an 8 hex-uppercase character ID, dash-separated
// as two groups of four: "XXXX-XXXX".
func generateAgentID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating agent id: %w", err)
	}
	hex := strings.ToUpper(fmt.Sprintf("%x", buf))
	return hex[:4] + "-" + hex[4:], nil
}
