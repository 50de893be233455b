// internal/config/accounts.go
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Account is a trading wallet. Keys stay with the signing service; the bot
// only needs a name to key positions by and the public address.
type Account struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads the accounts YAML file.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parse accounts file: %v", ErrInvalid, err)
	}

	seen := make(map[string]struct{}, len(file.Accounts))
	for i := range file.Accounts {
		a := &file.Accounts[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("%w: account %d has no name", ErrInvalid, i)
		}
		if _, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate account %q", ErrInvalid, a.Name)
		}
		seen[a.Name] = struct{}{}

		if a.Address != "" {
			if !common.IsHexAddress(a.Address) {
				return nil, fmt.Errorf("%w: account %q has invalid address %q", ErrInvalid, a.Name, a.Address)
			}
			a.Address = common.HexToAddress(a.Address).Hex()
		}
	}
	return file.Accounts, nil
}
