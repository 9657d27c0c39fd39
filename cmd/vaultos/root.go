package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"

	"github.com/sotomayorlucas/vaultos/internal/disk"
	"github.com/sotomayorlucas/vaultos/internal/engine"
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "vaultos",
	Short: "Encrypted relational storage engine of the VaultOS kernel",
	Long: `vaultos hosts the VaultOS encrypted relational storage engine over a
block image file. All persistent state lives in encrypted tables; every
operation is a SQL statement (or a friendly command that compiles to one).`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stderr, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
	rootCmd.PersistentFlags().String("image", "", "Block image file path")
	rootCmd.PersistentFlags().String("key", "", "Master key as 64 hex characters")
	viper.BindPFlags(rootCmd.PersistentFlags())
}

func loadRootConfig() error {
	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}
	if !viper.IsSet("image") || viper.GetString("image") == "" {
		return errors.New("missing required path to the block image (--image)")
	}
	return nil
}

// parseMasterKey decodes a 64-hex-character master key.
func parseMasterKey(s string) ([engine.MasterKeySize]byte, error) {
	var key [engine.MasterKeySize]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(raw) != engine.MasterKeySize {
		return key, fmt.Errorf("master key must be %d bytes (%d hex chars), got %d bytes",
			engine.MasterKeySize, engine.MasterKeySize*2, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// openEngine warm-boots the engine from the configured image.
func openEngine() (*engine.Engine, *disk.FileDevice, error) {
	if err := loadRootConfig(); err != nil {
		return nil, nil, err
	}
	keyHex := viper.GetString("key")
	if keyHex == "" {
		return nil, nil, errors.New("missing master key (--key)")
	}
	key, err := parseMasterKey(keyHex)
	if err != nil {
		return nil, nil, err
	}

	dev, err := disk.OpenFile(viper.GetString("image"))
	if err != nil {
		return nil, nil, err
	}
	e := engine.New(engine.WithLogger(slog.Default()), engine.WithMasterKey(key))
	if err := e.Restore(dev); err != nil {
		dev.Close()
		return nil, nil, err
	}
	return e, dev, nil
}
