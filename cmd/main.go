package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "bftchain/cmd/commands"
	nm "bftchain/node"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenValidatorCmd,
		cmd.GenNodeKeyCmd,
		cmd.GenGenesisCmd,
		cmd.InitDBCmd,
		cmd.ShowNodeIDCmd,
		cmd.ShowValidatorCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	rootCmd.AddCommand(cmd.NewRunNodeCmd(nm.DefaultNewNode))

	baseCmd := cli.PrepareBaseCmd(rootCmd, "BFT",
		os.ExpandEnv(filepath.Join("$HOME", ".bftchain")))
	if err := baseCmd.Execute(); err != nil {
		panic(err)
	}
}
