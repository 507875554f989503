package main

import (
	"encoding/json"
	"os"

	"github.com/omeid/uconfig"
)

// configFilename is the filename of the config file automatically loaded.
var configFilename = "config.json"

type config struct {
	HTTP struct {
		Port string `default:"8080"` // HTTP port (e.g. 8080)
	}
	Metrics struct {
		Port string `default:"9090"`
	}
	DB struct {
		Host string `default:"database"`
		Port string `default:"5432"`
		User string `default:"dev_user"`
		Pass string `default:"dev_password"`
		Name string `default:"dev_database"`
	}
	Redis struct {
		Addr string `default:"localhost:6379"`
		Pass string `default:""`
	}
	Chain struct {
		ID                 int64  `default:"1"` // 1=mainnet, 4=rinkeby
		EthEndpoint        string `default:""`  // Ethereum node API (i.e: Alchemy/Infura)
		ExchangeV2Address  string `default:"0x7be8076f4ea4a4ad08075c2508e481d6c946d12b"`
		ExchangeV23Address string `default:"0x7f268357a8c2552623316e2562d90e642bb538e5"`
		MinBlockDepth      int    `default:"5"`
	}
	Indexer struct {
		AcceptOrders    bool   `default:"true"`  // gate for off-chain order intake
		Master          bool   `default:"false"` // process role: master hosts the event feed
		BackfillArchive string `default:""`      // sqlite chain-log archive to replay instead of live sync
	}
	Relay struct {
		OpenSeaAPIKey   string `default:""`
		PostsPerSecond  uint64 `default:"2"`
		ArchiveEndpoint string `default:""`
	}
	Log struct {
		Human bool `default:"false"`
		Debug bool `default:"false"`
	}
}

func setupConfig() *config {
	conf := &config{}
	confFiles := uconfig.Files{
		{configFilename, json.Unmarshal},
	}

	c, err := uconfig.Classic(&conf, confFiles)
	if err != nil {
		c.Usage()
		os.Exit(1)
	}

	return conf
}
