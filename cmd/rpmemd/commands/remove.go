package commands

import (
	"fmt"

	"github.com/openpmem/rpmem/internal/poolset"
	"github.com/openpmem/rpmem/internal/wire"
	"github.com/openpmem/rpmem/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	removeForce   bool
	removePoolSet bool
)

var removeCmd = &cobra.Command{
	Use:   "remove <poolset>",
	Short: "Remove a pool and exit, without serving an OOB session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	removeCmd.Flags().BoolVar(&removeForce, "force", false, "ignore errors removing individual part files")
	removeCmd.Flags().BoolVar(&removePoolSet, "pool-set", false, "also remove the pool-set file itself")
}

func runRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), "rpmemd", cfgFile)
	if err != nil {
		return err
	}
	db := poolset.NewDB(cfg.PoolSetDir, 0o600)

	status, err := db.Remove(args[0], removeForce, removePoolSet)
	if err != nil {
		return fmt.Errorf("rpmemd: remove %s: %w", args[0], err)
	}
	if status != wire.StatusSuccess {
		return wire.NewError(status)
	}
	return nil
}
