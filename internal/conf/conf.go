// Package conf loads and validates the muxer's configuration.
package conf

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"gopkg.in/yaml.v2"

	"github.com/opensight/cseg/internal/logger"
)

func decrypt(key string, byts []byte) ([]byte, error) {
	enc, err := base64.StdEncoding.DecodeString(string(byts))
	if err != nil {
		return nil, err
	}

	var secretKey [32]byte
	copy(secretKey[:], key)

	var decryptNonce [24]byte
	copy(decryptNonce[:], enc[:24])
	decrypted, ok := secretbox.Open(nil, enc[24:], &decryptNonce, &secretKey)
	if !ok {
		return nil, fmt.Errorf("decryption error")
	}

	return decrypted, nil
}

func loadFromFile(fpath string, conf *Conf) (bool, error) {
	if fpath == "csegmuxd.yml" {
		if _, err := os.Stat(fpath); err != nil {
			return false, nil
		}
	}

	byts, err := os.ReadFile(fpath)
	if err != nil {
		return true, err
	}

	if key, ok := os.LookupEnv("CSEG_CONFKEY"); ok {
		byts, err = decrypt(key, byts)
		if err != nil {
			return true, err
		}
	}

	// load YAML config into a generic map
	var temp interface{}
	if err := yaml.Unmarshal(byts, &temp); err != nil {
		return true, err
	}

	// convert interface{} keys into string keys to avoid JSON errors
	var convert func(i interface{}) interface{}
	convert = func(i interface{}) interface{} {
		switch x := i.(type) {
		case map[interface{}]interface{}:
			m2 := map[string]interface{}{}
			for k, v := range x {
				m2[fmt.Sprintf("%v", k)] = convert(v)
			}
			return m2
		case []interface{}:
			a2 := make([]interface{}, len(x))
			for i, v := range x {
				a2[i] = convert(v)
			}
			return a2
		}
		return i
	}
	temp = convert(temp)

	byts, err = json.Marshal(temp)
	if err != nil {
		return true, err
	}

	if err := json.Unmarshal(byts, conf); err != nil {
		return true, err
	}

	return true, nil
}

// StreamConf describes one of the two elementary streams the muxer accepts.
type StreamConf struct {
	// Codec is one of "h264", "aac", "aac-adts".
	Codec string `json:"codec"`

	// SampleRate and ChannelCount only apply to audio streams.
	SampleRate   int `json:"sampleRate,omitempty"`
	ChannelCount int `json:"channelCount,omitempty"`
}

// WriterConf configures the destination plugin and retry policy.
type WriterConf struct {
	// Filename is a URL; its scheme selects the writer plugin
	// (file://, dummy://, ivr://, s3://).
	Filename string `json:"filename"`

	WriterTimeout StringDuration `json:"writerTimeout"`
	WriterRetries int            `json:"writerRetries"`

	// Credential fields used by the rest/s3 plugins. They can be kept
	// secret by encrypting the whole config file (see decrypt above);
	// individual values are not decrypted.
	Username string `json:"username"`
	Password string `json:"password"`
}

// Flags groups the boolean behavior switches named in the option table.
type Flags struct {
	// Nonblock makes a full cache evict the oldest segment instead of
	// blocking the producer.
	Nonblock bool `json:"nonblock"`

	// DrainOnClose makes close() attempt one best-effort write_segment
	// call per still-cached segment before shutting the writer down.
	// Load defaults it to true when the file does not set it; a Conf
	// built in code starts with the zero value, false.
	DrainOnClose bool `json:"drainOnClose"`
}

// Conf is the muxer's full configuration.
type Conf struct {
	// general / ambient
	LogLevel          logger.Level          `json:"logLevel"`
	LogDestinations   logger.Destinations   `json:"logDestinations"`
	LogFile           string                `json:"logFile"`
	LogFileMaxSize    ByteSize              `json:"logFileMaxSize"`
	LogFileRotateNum  int                   `json:"logFileRotateNum"`

	// segment muxer
	StartNumber    int            `json:"startNumber"`
	CsegTime       StringDuration `json:"csegTime"`
	CsegListSize   int            `json:"csegListSize"`
	CsegSegSize    ByteSize       `json:"csegSegSize"`
	StartTS        float64        `json:"startTs"`
	CsegCacheTime  StringDuration `json:"csegCacheTime"`
	CsegPSIPeriod  int            `json:"csegPsiPeriod"`
	WriterTimeout  StringDuration `json:"writerTimeout"`
	Flags          Flags          `json:"csegFlags"`

	Streams []StreamConf `json:"streams"`
	Writer  WriterConf   `json:"writer"`

	// post-segment hook, see internal/hook
	RunOnSegment        string `json:"runOnSegment"`
	RunOnSegmentRestart bool   `json:"runOnSegmentRestart"`

	// introspection server, see internal/status
	StatusDisable bool   `json:"statusDisable"`
	StatusAddress string `json:"statusAddress"`
	MetricsDisable bool  `json:"metricsDisable"`
}

// Load reads, decrypts if needed, and validates a configuration file.
func Load(fpath string) (*Conf, bool, error) {
	conf := &Conf{Flags: Flags{DrainOnClose: true}}

	found, err := loadFromFile(fpath, conf)
	if err != nil {
		return nil, false, err
	}

	if err := conf.CheckAndFillMissing(); err != nil {
		return nil, false, err
	}

	return conf, found, nil
}

// CheckAndFillMissing validates the configuration and fills in defaults
// for every option the reference muxer defines a default for.
func (conf *Conf) CheckAndFillMissing() error {
	if conf.LogDestinations == nil {
		conf.LogDestinations = logger.Destinations{logger.DestinationStdout: {}}
	}

	if conf.LogFile == "" {
		conf.LogFile = "csegmuxd.log"
	}

	if conf.LogFileMaxSize == 0 {
		conf.LogFileMaxSize = 10 * 1024 * 1024
	}

	if conf.LogFileRotateNum == 0 {
		conf.LogFileRotateNum = 5
	}

	if conf.CsegTime == 0 {
		conf.CsegTime = StringDuration(10 * time.Second)
	}

	if conf.CsegListSize == 0 {
		conf.CsegListSize = 3
	}
	if conf.CsegListSize < 1 {
		return fmt.Errorf("csegListSize must be >= 1")
	}

	if conf.CsegSegSize == 0 {
		conf.CsegSegSize = 10 * 1024 * 1024
	}

	if conf.StartTS == 0 {
		conf.StartTS = -1
	}

	if conf.WriterTimeout == 0 {
		conf.WriterTimeout = StringDuration(30 * time.Second)
	}

	if conf.Writer.WriterTimeout == 0 {
		conf.Writer.WriterTimeout = conf.WriterTimeout
	}

	if conf.Writer.WriterRetries == 0 {
		conf.Writer.WriterRetries = 2
	}

	if conf.Writer.Filename == "" {
		return fmt.Errorf("writer.filename is required")
	}

	if conf.StatusAddress == "" {
		conf.StatusAddress = "127.0.0.1:9555"
	}

	if len(conf.Streams) == 0 {
		return fmt.Errorf("at least one stream must be configured")
	}

	hasVideo := false
	for _, s := range conf.Streams {
		switch s.Codec {
		case "h264":
			hasVideo = true
		case "aac", "aac-adts":
		default:
			return fmt.Errorf("unsupported stream codec: %s", s.Codec)
		}
	}
	if !hasVideo {
		return fmt.Errorf("at least one h264 video stream must be configured")
	}

	return nil
}
