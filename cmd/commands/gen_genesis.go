package commands

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"bftchain/types"
)

var (
	chainID      string
	genStateHash string
)

// GenGenesisCmd assembles a genesis file for a cluster out of the validator
// public keys printed by gen-validator. The argument order fixes the
// validator ids, so every operator must use the same file.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis-block [pubkey-file ...]",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file from validator pubkey files",
	Args:    cobra.MinimumNArgs(1),
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain",
		"chain identifier, must match on every node")
	GenGenesisCmd.Flags().StringVar(&genStateHash, "state-hash", "",
		"hex state hash of pre-seeded application state (see init-db)")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		return fmt.Errorf("genesis file at %s already exists", genFile)
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
	}

	for i, path := range args {
		bz, err := ioutil.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading pubkey file %s: %w", path, err)
		}
		var pubKey crypto.PubKey
		if err := tmjson.Unmarshal(bz, &pubKey); err != nil {
			return fmt.Errorf("parsing pubkey file %s: %w", path, err)
		}
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
			Address: pubKey.Address(),
			PubKey:  pubKey,
			Name:    fmt.Sprintf("validator-%v", i),
		})
	}

	if genStateHash != "" {
		stateHash, err := hex.DecodeString(genStateHash)
		if err != nil {
			return fmt.Errorf("parsing state-hash: %w", err)
		}
		genDoc.StateHash = stateHash
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "validators", len(genDoc.Validators))
	return nil
}
