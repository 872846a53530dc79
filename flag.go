package main

import (
	"flag"
	"os"

	"github.com/sat20-labs/grouphistory/common"
	"github.com/sat20-labs/grouphistory/config"
)

type cmdParams struct {
	env   string
	reset bool
}

func ParseCmdParams() *cmdParams {
	init := flag.String("init", "", "generate config file in current dir")
	env := flag.String("env", "", "config file, default ./.env")
	reset := flag.Bool("reset", false, "remove history db and resync from start height")
	help := flag.Bool("help", false, "show help.")
	flag.Parse()

	if *help {
		common.Log.Info("grouphistory server help:")
		common.Log.Info("Usage: 'grouphistory -init testnet' or 'grouphistory -init mainnet'")
		common.Log.Info("Usage: 'grouphistory -env default.yaml'")
		common.Log.Info("Options:")
		common.Log.Info("  -init: init config file in current dir, mainnet/testnet/testnet4/regtest")
		common.Log.Info("  -env: config file, default ./.env")
		common.Log.Info("  -reset: remove history db before start")
		os.Exit(0)
	}

	if *init != "" {
		err := generateDefaultCfg(*init)
		if err != nil {
			common.Log.Fatal(err)
		}
		os.Exit(0)
	}

	return &cmdParams{env: *env, reset: *reset}
}

func generateDefaultCfg(chain string) error {
	cfg := config.NewDefaultYamlConf(chain)
	cfgPath, err := os.Getwd()
	if err != nil {
		return err
	}
	return config.SaveYamlConf(cfg, cfgPath+"/default.yaml")
}
