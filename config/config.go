package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sat20-labs/grouphistory/common"
	"github.com/sirupsen/logrus"
)

type YamlConf struct {
	Chain      string     `yaml:"chain"`
	DB         DB         `yaml:"db"`
	ShareRPC   ShareRPC   `yaml:"share_rpc"`
	Log        Log        `yaml:"log"`
	Sync       Sync       `yaml:"sync"`
	Mempool    Mempool    `yaml:"mempool"`
	Query      Query      `yaml:"query"`
	Token      Token      `yaml:"token"`
	RPCService RPCService `yaml:"rpc_service"`
}

type DB struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type ShareRPC struct {
	Bitcoin Bitcoin `yaml:"bitcoin"`
}

type Bitcoin struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type Log struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type Sync struct {
	StartHeight   int64         `yaml:"start_height"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxReorgDepth int           `yaml:"max_reorg_depth"`
	RetryAttempts uint          `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

type Mempool struct {
	Disable        bool          `yaml:"disable"`
	P2P            bool          `yaml:"p2p"`
	P2PPort        string        `yaml:"p2p_port"` // 为空时用链的默认端口
	ResyncInterval time.Duration `yaml:"resync_interval"`
}

type Query struct {
	DefaultPageSize     int           `yaml:"default_page_size"`
	MaxPageSize         int           `yaml:"max_page_size"`
	StorageTimeout      time.Duration `yaml:"storage_timeout"`
	AssembleConcurrency int           `yaml:"assemble_concurrency"`
	TxCacheTTL          time.Duration `yaml:"tx_cache_ttl"`
}

type Token struct {
	LokadPrefix string `yaml:"lokad_prefix"` // hex
}

type RPCService struct {
	Addr    string `yaml:"addr"`
	Proxy   string `yaml:"proxy"`
	LogPath string `yaml:"log_path"`
	API     API    `yaml:"api"`
}

type API struct {
	APIKeyList      map[string]*APIKey `yaml:"apikey_list"`
	NoLimitApiList  []string           `yaml:"nolimit_api_list"`
	NoLimitHostList []string           `yaml:"nolimit_host_list"`
}

type APIKey struct {
	UserName  string     `yaml:"user_name"`
	RateLimit *RateLimit `yaml:"rate_limit"`
}

type RateLimit struct {
	PerSecond int `yaml:"per_second"`
	PerDay    int `yaml:"per_day"`
	Max       int `yaml:"max"`
	Burst     int `yaml:"burst"`
}

func GetBaseDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "./."
	}
	execPath = filepath.Dir(execPath)
	return execPath
}

func InitConfig(configFile string) *YamlConf {
	if configFile == "" {
		for i, item := range os.Args {
			if item == "-env" {
				if i+1 < len(os.Args) {
					configFile = os.Args[i+1]
					break
				}
			}
		}
		if configFile == "" {
			configFile = "./.env"
		}
	}
	if !strings.HasPrefix(configFile, "/") {
		configFile = filepath.Join(GetBaseDir(), configFile)
	}

	fmt.Printf("config file: %s\n", configFile)

	cfg, err := LoadYamlConf(configFile)
	if err != nil {
		fmt.Printf("%v\n", err)
		return nil
	}
	return cfg
}

func LoadYamlConf(cfgPath string) (*YamlConf, error) {
	confFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cfg: %s, error: %s", cfgPath, err)
	}
	defer confFile.Close()

	ret := &YamlConf{}
	decoder := yaml.NewDecoder(confFile)
	err = decoder.Decode(ret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cfg: %s, error: %s", cfgPath, err)
	}
	ApplyDefaults(ret)
	return ret, nil
}

// ApplyDefaults 填充未配置的字段
func ApplyDefaults(ret *YamlConf) {
	if ret.Chain == "" {
		ret.Chain = common.ChainMainnet
	}

	_, err := logrus.ParseLevel(ret.Log.Level)
	if err != nil {
		ret.Log.Level = "info"
	}

	if ret.Log.Path == "" {
		ret.Log.Path = "log"
	}
	ret.Log.Path = filepath.FromSlash(ret.Log.Path)
	if ret.Log.Path[len(ret.Log.Path)-1] != filepath.Separator {
		ret.Log.Path += string(filepath.Separator)
	}

	if ret.DB.Type == "" {
		ret.DB.Type = common.DB_TYPE_PEBBLE
	}
	if ret.DB.Path == "" {
		ret.DB.Path = "db"
	}
	ret.DB.Path = filepath.FromSlash(ret.DB.Path)
	if ret.DB.Path[len(ret.DB.Path)-1] != filepath.Separator {
		ret.DB.Path += string(filepath.Separator)
	}

	if ret.Sync.PollInterval <= 0 {
		ret.Sync.PollInterval = 10 * time.Second
	}
	if ret.Sync.MaxReorgDepth <= 0 {
		ret.Sync.MaxReorgDepth = common.MAX_REORG_DEPTH
	}
	if ret.Sync.RetryAttempts == 0 {
		ret.Sync.RetryAttempts = 5
	}
	if ret.Sync.RetryDelay <= 0 {
		ret.Sync.RetryDelay = time.Second
	}
	if ret.Sync.StartHeight < 0 {
		ret.Sync.StartHeight = 0
	}

	if ret.Mempool.ResyncInterval <= 0 {
		ret.Mempool.ResyncInterval = 10 * time.Minute
	}

	if ret.Query.MaxPageSize <= 0 {
		ret.Query.MaxPageSize = common.MAX_PAGE_SIZE
	}
	if ret.Query.DefaultPageSize <= 0 || ret.Query.DefaultPageSize > ret.Query.MaxPageSize {
		ret.Query.DefaultPageSize = common.DEFAULT_PAGE_SIZE
		if ret.Query.DefaultPageSize > ret.Query.MaxPageSize {
			ret.Query.DefaultPageSize = ret.Query.MaxPageSize
		}
	}
	if ret.Query.StorageTimeout <= 0 {
		ret.Query.StorageTimeout = 5 * time.Second
	}
	if ret.Query.AssembleConcurrency <= 0 {
		ret.Query.AssembleConcurrency = 8
	}
	if ret.Query.TxCacheTTL <= 0 {
		ret.Query.TxCacheTTL = 10 * time.Minute
	}

	if ret.Token.LokadPrefix == "" {
		ret.Token.LokadPrefix = common.DEFAULT_TOKEN_PREFIX
	}

	rpcService := &ret.RPCService
	if rpcService.Addr == "" {
		rpcService.Addr = "0.0.0.0:80"
	}
	if rpcService.Proxy == "" {
		rpcService.Proxy = "/"
	}
	if rpcService.Proxy[0] != '/' {
		rpcService.Proxy = "/" + rpcService.Proxy
	}
	if rpcService.LogPath == "" {
		rpcService.LogPath = "log"
	}
}

// NewDefaultYamlConf 用于 -init 生成配置文件
func NewDefaultYamlConf(chain string) *YamlConf {
	port := 8332
	switch chain {
	case common.ChainTestnet:
		port = 18332
	case common.ChainTestnet4:
		port = 48332
	case common.ChainRegtest:
		port = 18443
	}
	ret := &YamlConf{
		Chain: chain,
		ShareRPC: ShareRPC{
			Bitcoin: Bitcoin{
				Host:     "127.0.0.1",
				Port:     port,
				User:     "user",
				Password: "password",
			},
		},
		Mempool: Mempool{P2P: true},
		RPCService: RPCService{
			Addr:  "0.0.0.0:8005",
			Proxy: chain,
			API: API{
				NoLimitApiList: []string{"/health"},
			},
		},
	}
	ApplyDefaults(ret)
	return ret
}

func SaveYamlConf(conf *YamlConf, path string) error {
	data, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
