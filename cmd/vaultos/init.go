package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sotomayorlucas/vaultos/internal/disk"
	"github.com/sotomayorlucas/vaultos/internal/engine"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Format a block image and cold-boot the system tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadRootConfig(); err != nil {
			return err
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(viper.GetString("size"))); err != nil {
			return fmt.Errorf("invalid --size: %w", err)
		}
		blocks := size.Bytes() / disk.BlockSize
		if blocks < 8 {
			return errors.New("image too small: need at least 8 blocks (32KB)")
		}

		e := engine.New(engine.WithLogger(slog.Default()))
		keyHex := viper.GetString("key")
		if keyHex == "" {
			if err := e.GenerateMasterKey(); err != nil {
				return err
			}
			key := e.MasterKey()
			fmt.Printf("generated master key: %s\n", hex.EncodeToString(key[:]))
			fmt.Println("store it safely; without it the image is unreadable")
		} else {
			key, err := parseMasterKey(keyHex)
			if err != nil {
				return err
			}
			e.SetMasterKey(key)
		}

		dev, err := disk.CreateFile(viper.GetString("image"), blocks)
		if err != nil {
			return err
		}
		defer dev.Close()

		if err := e.Format(dev); err != nil {
			return err
		}
		if err := e.InitSystemTables(); err != nil {
			return err
		}
		if err := e.Flush(); err != nil {
			return err
		}
		if err := dev.Sync(); err != nil {
			return err
		}

		fmt.Printf("initialized %s: %d blocks, %d system tables\n",
			viper.GetString("image"), blocks, e.TableCount())
		return nil
	},
}

func init() {
	initCmd.Flags().String("size", "16MB", "Image size (e.g. 64MB, 1GB)")
	viper.BindPFlag("size", initCmd.Flags().Lookup("size"))
	rootCmd.AddCommand(initCmd)
}
