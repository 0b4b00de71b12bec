package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kiesman99/numpng/internal/protocol"
	"github.com/kiesman99/numpng/pkg/tile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "numpng",
	Short: "Re-encode elevation PNG tiles for map rendering",
	Long: `numpng fetches elevation tiles encoded as signed 24-bit integers in
RGB (alpha marks valid pixels) and re-encodes them as (height + 10000) * 10
in RGB, the encoding raster-dem renderers expect.

Tile URLs use a custom scheme, e.g. numpng://tiles.example.com/1/2/3.png,
which is rewritten to https:// before the request is made.

Examples:
  # Convert a single tile
  numpng --url numpng://cyberjapandata.gsi.go.jp/xyz/dem_png/14/14552/6451.png -o tile.png

  # Different scale factor and no-data sentinel
  numpng --url dem://example.com/10/900/400.png --scheme dem --factor 0.1 --invalid-value -8388608 -o tile.png

  # Start HTTP server
  numpng serve --port 8080 --template numpng://tiles.example.com/{z}/{x}/{y}.png`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("url") == "" {
			return cmd.Help()
		}
		return runConvert(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.numpng.yaml)")

	// Protocol options
	rootCmd.PersistentFlags().String("scheme", tile.DefaultScheme, "custom URL scheme")
	rootCmd.PersistentFlags().Float64("factor", tile.DefaultFactor, "height units per encoded step")
	rootCmd.PersistentFlags().Int("invalid-value", tile.DefaultInvalidValue, "encoded value meaning no data")
	rootCmd.PersistentFlags().String("overflow", "clamp", "out-of-range policy for re-encoded values (clamp|wrap)")

	// HTTP options
	rootCmd.PersistentFlags().String("user-agent", tile.DefaultUserAgent, "HTTP User-Agent header")
	rootCmd.PersistentFlags().StringToString("header", nil, "extra HTTP headers for tile requests (key=value)")

	// Conversion options
	rootCmd.Flags().StringP("url", "u", "", "tile URL with the custom scheme")
	rootCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	rootCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")

	viper.BindPFlag("protocol.scheme", rootCmd.PersistentFlags().Lookup("scheme"))
	viper.BindPFlag("protocol.factor", rootCmd.PersistentFlags().Lookup("factor"))
	viper.BindPFlag("protocol.invalid-value", rootCmd.PersistentFlags().Lookup("invalid-value"))
	viper.BindPFlag("protocol.overflow", rootCmd.PersistentFlags().Lookup("overflow"))
	viper.BindPFlag("http.user-agent", rootCmd.PersistentFlags().Lookup("user-agent"))
	viper.BindPFlag("http.headers", rootCmd.PersistentFlags().Lookup("header"))
	viper.BindPFlag("url", rootCmd.Flags().Lookup("url"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("timeout", rootCmd.Flags().Lookup("timeout"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".numpng" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".numpng")
	}

	viper.SetEnvPrefix("numpng")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func runConvert(cmd *cobra.Command, args []string) error {
	url := viper.GetString("url")
	output := viper.GetString("output")

	// Check if output is to terminal
	if output == "" {
		if stat, _ := os.Stdout.Stat(); (stat.Mode() & os.ModeCharDevice) != 0 {
			return fmt.Errorf("didn't specify output file and standard output is a terminal")
		}
	}

	registry, _, err := loadRegistry()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	fmt.Fprintf(cmd.ErrOrStderr(), "Fetching %s\n", url)
	resp, err := registry.Handle(ctx, protocol.Request{URL: url})
	if err != nil {
		return err
	}

	if err := tile.WritePNG(output, resp.Data); err != nil {
		return fmt.Errorf("failed to write PNG: %w", err)
	}
	return nil
}
