package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/roach88/evidence/internal/ir"
)

// GenesisResult reports which seeded partitions were created.
type GenesisResult struct {
	Seeded  int `json:"seeded"`
	Created int `json:"created"`
}

// NewGenesisCommand creates the genesis command.
func NewGenesisCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "genesis <file.yaml>",
		Short: "Seed partition state for a fresh ledger",
		Long: `Seed partitions from a YAML map of partition key to state. Partitions that
already exist are left untouched, so running genesis twice is harmless.

Example file:
  wallet:A:
    balances: {NYXT: 1000}
  wallet:S:
    balances: {NYXT: 100}

Example:
  nyx genesis --db ./nyx.db seeds.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenesis(rootOpts, args[0], cmd)
		},
	}
}

func runGenesis(opts *RootOptions, path string, cmd *cobra.Command) (err error) {
	seeds, err := loadSeeds(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid genesis file", err)
	}

	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts, cmd, false)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, a.Close())
	}()

	created, err := a.store.Genesis(ctx, seeds)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to apply genesis", err)
	}
	a.logger.Info("genesis applied", "seeded", len(seeds), "created", created)

	res := GenesisResult{Seeded: len(seeds), Created: created}
	return newFormatter(opts, cmd).Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Created %d of %d partitions (existing ones left unchanged)\n", res.Created, res.Seeded)
	})
}

// loadSeeds reads a YAML map of partition key to object. Floats and nulls are
// rejected like any other state value.
func loadSeeds(path string) (map[ir.PartitionKey]ir.Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("no partitions to seed")
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seeds := make(map[ir.PartitionKey]ir.Object, len(raw))
	for _, k := range keys {
		key := ir.PartitionKey(k)
		if !key.Valid() {
			return nil, fmt.Errorf("invalid partition key %q", k)
		}
		state := raw[k]
		if state == nil {
			state = map[string]any{}
		}
		v, err := ir.FromGo(state)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		seeds[key] = v.(ir.Object)
	}
	return seeds, nil
}
