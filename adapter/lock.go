package adapter

import (
	"fmt"

	"github.com/sergev/mmc/config"
	"github.com/sergev/mmc/mmc"
	"github.com/sergev/mmc/spihost"
	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Set the password and lock the card",
	Long: `Set the fixed card password and lock the card.
A locked card refuses data access until it is unlocked.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runLock(cardHost, true))
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Clear the card password",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runLock(cardHost, false))
	},
}

var trimsizeCmd = &cobra.Command{
	Use:   "trimsize",
	Short: "Read the trim size of a moviNAND card",
	Long: `Read the trim size through the moviNAND diagnostic mode.
The host must have vendor_trim enabled in the configuration.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runTrimSize(cardHost))
	},
}

var crcCmd = &cobra.Command{
	Use:       "crc on|off",
	Short:     "Turn CRC checking on the SPI bus on or off",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runCRC(cardHost, cardAdapter, args[0] == "on"))
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(trimsizeCmd)
	rootCmd.AddCommand(crcCmd)
}

func runLock(h *mmc.Host, lock bool) error {
	card, err := openCard(h)
	if err != nil {
		return err
	}
	if err := card.SendLockCmd(lock); err != nil {
		return fmt.Errorf("lock/unlock failed: %w", err)
	}

	st, err := card.SendStatus()
	if err != nil {
		return fmt.Errorf("failed to read card status: %w", err)
	}
	if st.Locked() {
		fmt.Printf("Card is locked\n")
	} else {
		fmt.Printf("Card is unlocked\n")
	}
	return nil
}

func runTrimSize(h *mmc.Host) error {
	card, err := openCard(h)
	if err != nil {
		return err
	}
	sectors, err := card.SendTrimSize()
	if err != nil {
		return fmt.Errorf("failed to read trim size: %w", err)
	}
	fmt.Printf("Trim size: %d sectors (%d KiB)\n", sectors, sectors/2)
	return nil
}

// runCRC brings the card up with CRC checking on or off and makes the
// SPI adapter verify data block checksums to match
func runCRC(h *mmc.Host, a Adapter, on bool) error {
	if !h.IsSPI() {
		return fmt.Errorf("CRC mode is only used on an SPI bus: %w", mmc.ErrNotSupported)
	}
	if t, ok := a.(*spihost.Transport); ok {
		t.VerifyCRC = on
	}

	opts := identifyOptions(&config.Current)
	opts.CRC = on
	card, err := h.Identify(opts)
	if err != nil {
		return fmt.Errorf("failed to identify card: %w", err)
	}
	st, err := card.SendStatus()
	if err != nil {
		return fmt.Errorf("failed to read card status: %w", err)
	}
	fmt.Printf("CRC checking: %v\n", h.UseSPICRC)
	fmt.Printf("Card Status: %s\n", st)
	return nil
}
