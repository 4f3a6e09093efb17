package gateway

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"p2c-service/internal/apperr"
)

//go:embed banks.yaml
var defaultBanks []byte

// Bank is one entry of the bank table.
type Bank struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

type bankFile struct {
	Banks []Bank `yaml:"banks"`
}

// BankTable is the set of banks accepted as client banks.
type BankTable struct {
	byCode map[string]Bank
}

// LoadBanks reads the bank table from path, or the embedded default when path is empty.
func LoadBanks(path string) (*BankTable, error) {
	if path == "" {
		return ParseBanks(defaultBanks)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bank table: %w", err)
	}
	return ParseBanks(data)
}

// ParseBanks decodes a YAML bank table.
func ParseBanks(data []byte) (*BankTable, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bank table: %w", err)
	}
	if len(f.Banks) == 0 {
		return nil, fmt.Errorf("bank table is empty")
	}

	t := &BankTable{byCode: make(map[string]Bank, len(f.Banks))}
	for _, b := range f.Banks {
		if len(b.Code) != 4 || digitsOnly(b.Code) != b.Code {
			return nil, fmt.Errorf("bank %q: code %q is not 4 digits", b.Name, b.Code)
		}
		t.byCode[b.Code] = b
	}
	return t, nil
}

// Lookup returns the bank registered under code.
func (t *BankTable) Lookup(code string) (Bank, bool) {
	b, ok := t.byCode[code]
	return b, ok
}

// Len is the number of banks in the table.
func (t *BankTable) Len() int { return len(t.byCode) }

// NormalizeCode validates a client bank code against the table.
func (t *BankTable) NormalizeCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if len(code) != 4 || digitsOnly(code) != code {
		return "", apperr.Validation("INVALID_BANK", "bank code %q must have 4 digits", raw)
	}
	if _, ok := t.byCode[code]; !ok {
		return "", apperr.Validation("UNKNOWN_BANK", "bank code %s is not supported", code)
	}
	return code, nil
}
