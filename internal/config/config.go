package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openaccel/npud/pkg/npu"
)

const (
	// GlobalConfigPath is where the daemon looks for its base
	// configuration; a local override file may be layered on top.
	GlobalConfigPath = "/etc/npud/config.yaml"

	halAutoStr         = "auto"
	halMockStr         = "mock"
	halNeuralEngineStr = "neural-engine"
)

// HALSelection names which HAL the daemon should use.
type HALSelection string

const (
	// HALAuto probes for hardware and falls back to the mock HAL.
	HALAuto HALSelection = halAutoStr
	// HALMock forces the software mock HAL.
	HALMock HALSelection = halMockStr
	// HALNeuralEngine forces the neural engine HAL.
	HALNeuralEngine HALSelection = halNeuralEngineStr
)

type SchedulerConfig struct {
	MaxQueueDepth  int           `yaml:"maxQueueDepth" mapstructure:"maxQueueDepth" validate:"gte=0"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout" mapstructure:"defaultTimeout" validate:"gte=0"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listenAddress" mapstructure:"listenAddress" validate:"required"`
}

type Config struct {
	HAL            HALSelection    `yaml:"hal" mapstructure:"hal" validate:"required"`
	DeviceDenyList []string        `yaml:"deviceDenyList" mapstructure:"deviceDenyList"`
	Scheduler      SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Server         ServerConfig    `yaml:"server" mapstructure:"server"`
	DebugMode      bool            `yaml:"debugMode" mapstructure:"debugMode"`
}

// DenyList converts the configured deny list into device ids.
func (c *Config) DenyList() []npu.DeviceID {
	ret := make([]npu.DeviceID, 0, len(c.DeviceDenyList))
	for _, id := range c.DeviceDenyList {
		ret = append(ret, npu.DeviceID(id))
	}
	return ret
}

// SchedulerSettings converts the scheduler section for pkg/npu.
func (c *Config) SchedulerSettings() npu.SchedulerConfig {
	return npu.SchedulerConfig{
		MaxQueueDepth:  c.Scheduler.MaxQueueDepth,
		DefaultTimeout: c.Scheduler.DefaultTimeout,
	}
}

// GetMergedConfigWithWatcher loads the global configuration, layers the
// local override on top of it when present, validates the result and
// starts watching both files for changes. A missing global file yields
// the defaults rather than an error, so the daemon runs unconfigured.
func GetMergedConfigWithWatcher(confUpdateChan chan *fsnotify.Event, globalConfigPath, localConfigPath string) (*Config, error) {
	var err error
	var localConf map[string]interface{}

	globalConf := make(map[string]interface{})
	if ensureConfigExist(globalConfigPath) {
		globalConf, err = readInConfigAsMap(globalConfigPath)
		if err != nil {
			return nil, err
		}
	}

	if !ensureConfigExist(localConfigPath) {
		localConf = make(map[string]interface{})
	} else {
		localConf, err = readInConfigAsMap(localConfigPath)
		if err != nil {
			return nil, err
		}
	}
	mergeMaps(globalConf, localConf)
	config, err := convertToConfig(globalConf)
	if err != nil {
		return nil, err
	}
	err = validateConfig(config)
	if err != nil {
		return nil, err
	}

	startFileWatch(confUpdateChan, globalConfigPath)
	startFileWatch(confUpdateChan, localConfigPath)

	return config, nil
}

// Load parses and validates a single configuration file without watching
// it. An empty path yields the defaults.
func Load(configPath string) (*Config, error) {
	confAsMap := make(map[string]interface{})
	var err error
	if ensureConfigExist(configPath) {
		confAsMap, err = readInConfigAsMap(configPath)
		if err != nil {
			return nil, err
		}
	}
	config, err := convertToConfig(confAsMap)
	if err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func readInConfigAsMap(configFilePath string) (map[string]interface{}, error) {
	contents, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	err = yaml.Unmarshal(contents, &result)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func convertToConfig(confAsMap map[string]interface{}) (*Config, error) {
	conf := getDefaultConfig()

	v := viper.New()
	for key, val := range confAsMap {
		v.Set(key, val)
	}
	err := v.Unmarshal(&conf)
	if err != nil {
		return nil, err
	}
	return conf, nil
}

func validateConfig(conf *Config) error {
	validate := validator.New()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		conf := sl.Current().Interface().(Config)

		switch conf.HAL {
		case HALAuto, HALMock, HALNeuralEngine:
		default:
			sl.ReportError(conf.HAL, "HAL", "hal", "oneof", "")
		}
	}, Config{})

	return validate.Struct(conf)
}

func startFileWatch(confUpdateChan chan *fsnotify.Event, filePath string) error {
	if filePath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = watcher.Add(filepath.Dir(filePath))
	if err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			event, ok := <-watcher.Events
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write && event.Name == filePath {
				confUpdateChan <- &event
			}
		}
	}()
	return nil
}

func mergeMaps(dst, src map[string]interface{}) {
	for k, v := range src {
		if v == nil {
			continue
		}
		if reflect.TypeOf(v).Kind() == reflect.Map {
			// if dst[k] does not exist, or is not a map, override it with a new map
			_, hasKey := dst[k]
			if !hasKey || reflect.TypeOf(dst[k]).Kind() != reflect.Map || dst[k] == nil {
				dst[k] = make(map[string]interface{})
			}
			mergeMaps(dst[k].(map[string]interface{}), v.(map[string]interface{}))
		} else {
			dst[k] = v
		}
	}
}

func getDefaultConfig() *Config {
	return &Config{
		HAL: HALAuto,
		Scheduler: SchedulerConfig{
			MaxQueueDepth:  256,
			DefaultTimeout: 30 * time.Second,
		},
		Server: ServerConfig{
			ListenAddress: ":8790",
		},
		DebugMode: false,
	}
}

func ensureConfigExist(configPath string) bool {
	if configPath == "" {
		return false
	}

	if info, err := os.Stat(configPath); err != nil || info.IsDir() {
		return false
	}

	return true
}
