package adapter

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/sergev/mmc/mmc"
	"github.com/spf13/cobra"
)

var commandSet uint8

var switchCmd = &cobra.Command{
	Use:   "switch INDEX VALUE",
	Short: "Write a byte of the extended CSD",
	Long: `Write VALUE into byte INDEX of the extended CSD with the SWITCH command.
Numbers may be given in decimal or with a 0x prefix.
Bytes from 192 on are read-only and the card rejects them.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		index, err := parseByte("index", args[0])
		cobra.CheckErr(err)
		value, err := parseByte("value", args[1])
		cobra.CheckErr(err)

		cobra.CheckErr(runSwitch(cardHost, commandSet, index, value))
	},
}

var extcsdCmd = &cobra.Command{
	Use:   "extcsd",
	Short: "Dump the extended CSD",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runExtCSD(cardHost))
	},
}

func init() {
	switchCmd.Flags().Uint8Var(&commandSet, "set", 0, "command set")

	rootCmd.AddCommand(switchCmd)
	rootCmd.AddCommand(extcsdCmd)
}

// parseByte parses a command line argument in the range 0..255
func parseByte(name, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be a number from 0 to 255", name, s)
	}
	return uint8(v), nil
}

func runSwitch(h *mmc.Host, set, index, value uint8) error {
	card, err := openCard(h)
	if err != nil {
		return err
	}
	if card.CSD.SpecVersion < 4 {
		return fmt.Errorf("card has no extended CSD (spec version %d): %w", card.CSD.SpecVersion, mmc.ErrNotSupported)
	}

	if err := card.Switch(set, index, value); err != nil {
		return fmt.Errorf("failed to switch EXT_CSD[%d] to 0x%02x: %w", index, value, err)
	}

	ext, err := card.SendExtCSD()
	if err != nil {
		return fmt.Errorf("failed to read back extended CSD: %w", err)
	}
	fmt.Printf("EXT_CSD[%d] = 0x%02x\n", index, ext[index])
	return nil
}

func runExtCSD(h *mmc.Host) error {
	card, err := openCard(h)
	if err != nil {
		return err
	}
	if card.ExtCSD.Raw == nil {
		return fmt.Errorf("card has no extended CSD (spec version %d): %w", card.CSD.SpecVersion, mmc.ErrNotSupported)
	}

	raw, err := card.SendExtCSD()
	if err != nil {
		return fmt.Errorf("failed to read extended CSD: %w", err)
	}
	fmt.Print(hex.Dump(raw))

	ext, err := mmc.DecodeExtCSD(raw)
	if err != nil {
		return err
	}
	fmt.Printf("\nRevision: %d\n", ext.Rev)
	fmt.Printf("Card type: 0x%02x\n", ext.CardType)
	fmt.Printf("Sectors: %d\n", ext.Sectors)
	fmt.Printf("Bus width: %d\n", ext.BusWidth)
	fmt.Printf("High speed timing: %d\n", ext.HSTiming)
	fmt.Printf("Partition config: 0x%02x\n", ext.PartitionConfig)
	fmt.Printf("Erase group def: %d\n", ext.EraseGroupDef)
	fmt.Printf("Security features: 0x%02x\n", ext.SecFeature)
	return nil
}
