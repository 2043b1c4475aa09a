package adapter

import (
	"fmt"

	"github.com/sergev/mmc/mmc"
	"github.com/sergev/mmc/profiles"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List card profiles of the simulator",
	Long:  "List the register profiles available to hosts with the sim transport.",
	Args:  cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// No adapter is needed to list profiles.
		setupLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runProfiles())
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func runProfiles() error {
	for _, name := range profiles.Names() {
		p, err := profiles.GetProfile(name)
		if err != nil {
			return err
		}
		cid := mmc.DecodeCID(p.CID)
		csd, err := mmc.DecodeCSD(p.CSD)
		if err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}

		card := &mmc.Card{CID: cid, CSD: csd}
		if p.ExtCSD != nil {
			card.ExtCSD, err = mmc.DecodeExtCSD(p.ExtCSD)
			if err != nil {
				return fmt.Errorf("profile %s: %w", name, err)
			}
		}
		fmt.Printf("%-12s manfid 0x%02x %-6s spec %d, %d MiB\n",
			name, cid.ManfID, cid.ProdName, csd.SpecVersion, capacityBytes(card)>>20)
	}
	return nil
}
