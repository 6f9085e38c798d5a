package client

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/recfabric/rec/pkg/eid"
)

// Context is the client's persisted state: the broker EID once discovery
// has completed, so later invocations of the CLI can reuse it without
// re-running the discovery handshake.
type Context struct {
	Broker eid.EID `toml:"broker"`
}

// LoadContext reads a context file. A missing file is not an error: it
// simply means discovery has not completed yet, so the zero Context is
// returned.
func LoadContext(path string) (Context, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Context{}, nil
	}
	if err != nil {
		return Context{}, fmt.Errorf("client: read context %s: %w", path, err)
	}
	var c Context
	if err := toml.Unmarshal(data, &c); err != nil {
		return Context{}, fmt.Errorf("client: parse context %s: %w", path, err)
	}
	return c, nil
}

// SaveContext writes the context file, creating it if necessary.
func SaveContext(path string, c Context) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("client: encode context: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("client: write context %s: %w", path, err)
	}
	return nil
}
