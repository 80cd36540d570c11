package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"

	"bftchain/store"
	"bftchain/types"
)

// InitDBCmd pre-seeds the application state with key=value entries and
// writes a genesis block carrying the resulting state hash. The printed hash
// goes into gen-genesis-block --state-hash so every node agrees on the
// seeded state.
var InitDBCmd = &cobra.Command{
	Use:     "init-db [key=value ...]",
	Aliases: []string{"init_db", "initdb"},
	Short:   "Seed the application state and print its state hash",
	Args:    cobra.MinimumNArgs(1),
	PreRun:  deprecateSnakeCase,
	RunE:    initDB,
}

func initDB(cmd *cobra.Command, args []string) error {
	kv, err := store.NewKVStore("chain", config.DBDir(), log.NewNopLogger())
	if err != nil {
		return err
	}
	defer kv.Close()

	if kv.Height() >= types.HeightZero {
		return fmt.Errorf("store at %s already holds blocks", config.DBDir())
	}

	fork := kv.NewFork()
	app := store.NewKVApp()
	for _, arg := range args {
		if err := app.Execute(types.Tx(arg), fork); err != nil {
			return fmt.Errorf("seeding %q: %w", arg, err)
		}
	}

	stateHash := fork.Hash(make([]byte, types.HashSize))
	genBlock := types.MakeGenesisBlock(stateHash)
	if err := kv.SaveBlock(genBlock, nil, nil, fork); err != nil {
		return err
	}

	fmt.Printf("%X\n", stateHash)
	return nil
}
