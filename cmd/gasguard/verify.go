package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"gasguard/internal/chain"
	"gasguard/internal/config"
	"gasguard/internal/evidence"
)

var errChainBroken = errors.New("hash chain is broken")

func runVerify(cmd *cobra.Command, _ []string) error {
	dir := chainDir
	if dir == "" {
		cfg, err := config.Load(config.ResolvePath(configPath))
		if err != nil {
			return err
		}
		dir = filepath.Join(cfg.Env.DataDir, evidence.PhotoDir)
	}
	rep, err := chain.New(dir, nil, nil, nil).Verify()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if !rep.OK {
		return fmt.Errorf("%w: %s", errChainBroken, rep.Break)
	}
	return nil
}
