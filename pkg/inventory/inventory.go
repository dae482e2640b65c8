// Package inventory loads the optional TOML host inventory: a mapping from
// host alias to connection parameters used by the ssh subcommand.
//
// Example:
//
//	[hosts.web1]
//	host = "10.0.0.12"
//	user = "deploy"
//	port = 2222
//	key_path = "~/.ssh/deploy_ed25519"
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Entry is the connection parameters for one host alias.
type Entry struct {
	Host    string `toml:"host"`
	User    string `toml:"user"`
	Port    int    `toml:"port" validate:"gte=0,lte=65535"`
	KeyPath string `toml:"key_path"`
}

// Inventory is the parsed inventory file.
type Inventory struct {
	Hosts map[string]Entry `toml:"hosts"`
}

var validate = validator.New()

// Load parses and validates an inventory file.
func Load(path string) (*Inventory, error) {
	var inv Inventory
	if _, err := toml.DecodeFile(path, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	for alias, entry := range inv.Hosts {
		if err := validate.Struct(entry); err != nil {
			return nil, fmt.Errorf("inventory %s: host %q: %w", path, alias, err)
		}
		entry.KeyPath = expandHome(entry.KeyPath)
		inv.Hosts[alias] = entry
	}
	return &inv, nil
}

// LoadDefault tries the conventional inventory paths, returning an empty
// inventory when none exists.
func LoadDefault() (*Inventory, error) {
	for _, path := range []string{"inventory.toml", "hpg-inventory.toml"} {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return &Inventory{}, nil
}

// Lookup resolves a host alias.
func (i *Inventory) Lookup(alias string) (Entry, bool) {
	entry, ok := i.Hosts[alias]
	return entry, ok
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
