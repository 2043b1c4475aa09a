package adapter

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/sergev/mmc/config"
	"github.com/sergev/mmc/mmc"
	"github.com/spf13/cobra"
)

var (
	cardAdapter Adapter
	cardHost    *mmc.Host

	configFile     string
	hostName       string
	verbose        bool
	logFormat      string
	traceExchanges bool
)

var rootCmd = &cobra.Command{
	Use:   "mmctool",
	Short: "A CLI program which talks to MMC cards",
	Long:  "The mmctool is a CLI program which initializes, queries and reconfigures MMC cards through a host adapter.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()

		// Initialize configuration
		err := config.Initialize(configFile, hostName)
		if err != nil {
			cobra.CheckErr(fmt.Errorf("failed to initialize config: %w", err))
		}

		cardAdapter, err = findAdapter(&config.Current)
		cobra.CheckErr(err)
		cardHost = newHost(cardAdapter, &config.Current)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cardAdapter != nil {
			cardAdapter.Close()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "configuration file (default ~/.mmctool)")
	flags.StringVar(&hostName, "host", "", "host from the configuration file")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flags.BoolVar(&traceExchanges, "trace", false, "log every command exchange (with -v)")
}

// setupLogging configures the default slog logger from the flags
func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

// newHost creates the protocol host for an opened adapter
func newHost(a Adapter, hc *config.Host) *mmc.Host {
	var t mmc.Transport = a
	if traceExchanges {
		t = mmc.NewTracingTransport(a, slog.Default())
	}

	h := mmc.NewHost(hc.Name, t)
	if hc.WaitWhileBusy {
		h.Caps |= mmc.CapWaitWhileBusy
	}
	h.ClockHz = uint32(hc.SpeedKHz) * 1000
	h.VendorTrim = hc.VendorTrim
	h.Logger = slog.Default()
	if hc.Retries != nil {
		h.Retry = mmc.RetryPolicy{Retries: *hc.Retries}
	}
	return h
}

// identifyOptions returns the bring-up options for the configured host
func identifyOptions(hc *config.Host) mmc.IdentifyOptions {
	return mmc.IdentifyOptions{RCA: uint16(hc.RCA)}
}

// openCard brings the card up to the transfer state
func openCard(h *mmc.Host) (*mmc.Card, error) {
	card, err := h.Identify(identifyOptions(&config.Current))
	if err != nil {
		return nil, fmt.Errorf("failed to identify card: %w", err)
	}
	return card, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
