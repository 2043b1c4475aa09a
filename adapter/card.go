package adapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/sergev/mmc/config"
	"github.com/sergev/mmc/mmc"
	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Identify the card and show its registers",
	Long:  "Reset the card, bring it to the transfer state and print the decoded CID, CSD and EXT_CSD.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runIdentify(cardHost))
	},
}

var ocrCmd = &cobra.Command{
	Use:   "ocr",
	Short: "Read the operation conditions register",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runOCR(cardHost))
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Identify the card and leave it selected",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runSelect(cardHost, true))
	},
}

var deselectCmd = &cobra.Command{
	Use:   "deselect",
	Short: "Identify the card and move it back to stand-by",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runSelect(cardHost, false))
	},
}

var wakeAfter time.Duration

var sleepCmd = &cobra.Command{
	Use:   "sleep",
	Short: "Put the card to sleep",
	Long: `Identify the card and put it into the sleep state.
With --wake-after the card is woken up again after the given time.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runSleep(cardHost, wakeAfter))
	},
}

var awakeCmd = &cobra.Command{
	Use:   "awake",
	Short: "Wake up a sleeping card",
	Long: `Wake up a card left asleep by a previous run.
The card is addressed by the RCA from the configuration.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cobra.CheckErr(runAwake(cardHost, uint16(config.Current.RCA)))
	},
}

func init() {
	sleepCmd.Flags().DurationVar(&wakeAfter, "wake-after", 0, "wake the card up after this time")

	rootCmd.AddCommand(identifyCmd)
	rootCmd.AddCommand(ocrCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(deselectCmd)
	rootCmd.AddCommand(sleepCmd)
	rootCmd.AddCommand(awakeCmd)
}

func runIdentify(h *mmc.Host) error {
	card, err := openCard(h)
	if err != nil {
		return err
	}
	printCard(card)
	return nil
}

// printCard prints the cached registers of an identified card
func printCard(c *mmc.Card) {
	cid := c.CID
	fmt.Printf("Card type: %s\n", c.Type)
	fmt.Printf("Relative address: %d\n", c.RCA)
	fmt.Printf("Manufacturer ID: 0x%02x\n", cid.ManfID)
	fmt.Printf("OEM ID: 0x%04x\n", cid.OEMID)
	fmt.Printf("Product: %s rev %d.%d\n", cid.ProdName, cid.HwRev, cid.FwRev)
	fmt.Printf("Serial number: 0x%08x\n", cid.Serial)
	fmt.Printf("Manufactured: %02d/%d\n", cid.Month, cid.Year)

	csd := c.CSD
	fmt.Printf("Spec version: %d\n", csd.SpecVersion)
	fmt.Printf("Max clock: %d Hz\n", csd.MaxDtr)
	fmt.Printf("Access time: %d ns + %d clocks\n", csd.TaccNs, csd.TaccClks)

	if c.BlockAddressed {
		fmt.Printf("Addressing: sector\n")
	} else {
		fmt.Printf("Addressing: byte\n")
	}
	fmt.Printf("Capacity: %d MiB\n", capacityBytes(c)>>20)

	ext := c.ExtCSD
	if ext.Raw == nil {
		return
	}
	fmt.Printf("EXT_CSD revision: %d\n", ext.Rev)
	fmt.Printf("Sectors: %d\n", ext.Sectors)
	fmt.Printf("Sleep/awake timeout: %d ms\n", ext.SleepAwakeDelayMs())
	fmt.Printf("Erase group size: %d KiB\n", int(ext.HCEraseGrpSize)*512)
}

// capacityBytes returns the card size from EXT_CSD or, for older cards, the CSD
func capacityBytes(c *mmc.Card) uint64 {
	if c.ExtCSD.Sectors != 0 {
		return uint64(c.ExtCSD.Sectors) * 512
	}
	return uint64(c.CSD.Capacity) << c.CSD.ReadBlkBits
}

func runOCR(h *mmc.Host) error {
	if err := h.GoIdle(); err != nil {
		return fmt.Errorf("failed to reset card: %w", err)
	}

	var ocr uint32
	var err error
	if h.IsSPI() {
		// The OCR is only readable once the card has left the idle state.
		if _, err = h.SendOpCond(mmc.OCR_VDD_WINDOW | mmc.OCR_HCS); err != nil {
			return fmt.Errorf("failed to power up card: %w", err)
		}
		ocr, err = h.SPIReadOCR(false)
	} else {
		ocr, err = h.SendOpCond(0)
	}
	if err != nil {
		return fmt.Errorf("failed to read OCR: %w", err)
	}

	fmt.Printf("OCR: 0x%08x\n", ocr)
	fmt.Printf("Voltage window: 0x%06x\n", ocr&mmc.OCR_VDD_WINDOW)
	fmt.Printf("High capacity: %v\n", ocr&mmc.OCR_HCS != 0)
	return nil
}

// errNativeOnly is returned by commands that have no SPI counterpart
var errNativeOnly = errors.New("command is not available on an SPI bus")

func runSelect(h *mmc.Host, sel bool) error {
	if h.IsSPI() {
		return errNativeOnly
	}
	card, err := openCard(h)
	if err != nil {
		return err
	}
	if sel {
		err = card.Select()
	} else {
		err = h.DeselectCards()
	}
	if err != nil {
		return err
	}

	st, err := card.SendStatus()
	if err != nil {
		return fmt.Errorf("failed to read card status: %w", err)
	}
	fmt.Printf("Card state: %s\n", st.State())
	return nil
}

func runSleep(h *mmc.Host, wake time.Duration) error {
	if h.IsSPI() {
		return errNativeOnly
	}
	card, err := openCard(h)
	if err != nil {
		return err
	}
	if err := card.SleepAwake(true); err != nil {
		return fmt.Errorf("failed to put card to sleep: %w", err)
	}
	fmt.Printf("Card is asleep\n")
	if wake == 0 {
		return nil
	}

	h.Transport.Delay(wake)
	if err := card.SleepAwake(false); err != nil {
		return fmt.Errorf("failed to wake card up: %w", err)
	}
	fmt.Printf("Card is awake\n")
	return nil
}

func runAwake(h *mmc.Host, rca uint16) error {
	if h.IsSPI() {
		return errNativeOnly
	}
	if rca == 0 {
		rca = 1
	}
	card := mmc.NewCard(h, rca)
	if err := card.SleepAwake(false); err != nil {
		return fmt.Errorf("failed to wake card up: %w", err)
	}
	fmt.Printf("Card is awake\n")
	return nil
}
