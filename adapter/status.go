package adapter

import (
	"fmt"

	"github.com/sergev/mmc/config"
	"github.com/sergev/mmc/mmc"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the host adapter and card",
	Long:  "Show the host adapter, the selected configuration and the state of the card in the slot.",
	Run: func(cmd *cobra.Command, args []string) {
		if cardAdapter == nil {
			cobra.CheckErr(fmt.Errorf("adapter not available"))
		}

		// Print status information
		cardAdapter.PrintStatus()

		fmt.Printf("\nConfiguration script: %s\n", config.Path)
		fmt.Printf("Host: %s (%s)\n", config.Current.Name, config.Current.Transport)
		if config.Current.Profile != "" {
			fmt.Printf("Card profile: %s\n", config.Current.Profile)
		}
		fmt.Printf("Vendor trim: %v\n", config.Current.VendorTrim)

		cobra.CheckErr(runStatus(cardHost))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// runStatus identifies the card and prints its status word
func runStatus(h *mmc.Host) error {
	card, err := openCard(h)
	if err != nil {
		return err
	}
	st, err := card.SendStatus()
	if err != nil {
		return fmt.Errorf("failed to read card status: %w", err)
	}
	fmt.Printf("\nCard: %s, RCA %d\n", card.Type, card.RCA)
	fmt.Printf("Card Status: %s\n", st)
	return nil
}
