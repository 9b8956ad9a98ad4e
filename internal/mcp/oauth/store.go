package oauth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/hotaru-run/hotaru/internal/config"
)

// mcpAuthPath mirrors config.Paths.AuthPath's convention but lives
// alongside it as its own un-namespaced file, the same way provider
// credentials live in auth.json independent of the keyed storage layer.
func mcpAuthPath() string {
	return filepath.Join(config.GetPaths().Data, "mcp-auth.json")
}

var storeMu sync.Mutex

func loadAuthFile() (*authFile, error) {
	data, err := os.ReadFile(mcpAuthPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &authFile{Servers: make(map[string]*ServerAuth)}, nil
		}
		return nil, err
	}
	var f authFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Servers == nil {
		f.Servers = make(map[string]*ServerAuth)
	}
	return &f, nil
}

func saveAuthFile(f *authFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.GetPaths().Data, 0755); err != nil {
		return err
	}
	return os.WriteFile(mcpAuthPath(), data, 0600)
}

// LoadServerAuth returns the persisted auth state for serverName, if any.
func LoadServerAuth(serverName string) (*ServerAuth, bool) {
	storeMu.Lock()
	defer storeMu.Unlock()

	f, err := loadAuthFile()
	if err != nil {
		return nil, false
	}
	auth, ok := f.Servers[serverName]
	return auth, ok
}

// SaveServerAuth persists auth state for serverName, overwriting any
// previous entry.
func SaveServerAuth(serverName string, auth *ServerAuth) error {
	storeMu.Lock()
	defer storeMu.Unlock()

	f, err := loadAuthFile()
	if err != nil {
		return err
	}
	f.Servers[serverName] = auth
	return saveAuthFile(f)
}

// DeleteServerAuth removes any persisted auth state for serverName (used on
// logout or when the server's URL changes and its old tokens no longer
// apply).
func DeleteServerAuth(serverName string) error {
	storeMu.Lock()
	defer storeMu.Unlock()

	f, err := loadAuthFile()
	if err != nil {
		return err
	}
	if _, ok := f.Servers[serverName]; !ok {
		return nil
	}
	delete(f.Servers, serverName)
	return saveAuthFile(f)
}
