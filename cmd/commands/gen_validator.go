package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"bftchain/privval"
)

// GenValidatorCmd generates the consensus keypair of one validator and prints
// the public part, ready to be pasted into a genesis file.
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		return fmt.Errorf("private validator key at %s already exists", privValKeyFile)
	}

	pv := privval.GenFilePV(privValKeyFile, config.PrivValidatorStateFile())
	pv.Save()

	jsbz, err := tmjson.MarshalIndent(pv.Key.PubKey, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%v\n", string(jsbz))
	return nil
}
