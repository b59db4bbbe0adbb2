package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

const (
	defaultRawBufSize         = 64 * 1024
	defaultFileBufSize        = 256 * 1024
	defaultFlushThreshold     = 64 * 1024
	defaultMaxCSVLineSize     = 1024 * 1024
	defaultRejectCheckMinRows = 100
)

type Segment struct {
	Name    string `json:"name" toml:"name" yaml:"name"`
	Host    string `json:"host" toml:"host" yaml:"host"`
	Port    int    `json:"port" toml:"port" yaml:"port"`
	DataDir string `json:"data_dir" toml:"data_dir" yaml:"data_dir"`
}

func (s *Segment) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Column is one declared column of a catalog relation. Type is a type name
// resolved against the built-in type table when the relation is loaded.
type Column struct {
	Name    string  `json:"name" toml:"name" yaml:"name"`
	Type    string  `json:"type" toml:"type" yaml:"type"`
	NotNull bool    `json:"not_null" toml:"not_null" yaml:"not_null"`
	Default *string `json:"default,omitempty" toml:"default" yaml:"default"`
}

// Partition is one list-partition leaf: the key values it owns.
type Partition struct {
	Name   string   `json:"name" toml:"name" yaml:"name"`
	Values []string `json:"values" toml:"values" yaml:"values"`
}

// Relation declares one COPY target in the static catalog.
type Relation struct {
	Name            string   `json:"name" toml:"name" yaml:"name"`
	Columns         []Column `json:"columns" toml:"columns" yaml:"columns"`
	DistributionKey []string `json:"distribution_key" toml:"distribution_key" yaml:"distribution_key"`
	HashFunction    string   `json:"hash_function" toml:"hash_function" yaml:"hash_function"`

	/* list partitioning by a single column; empty means not partitioned */
	PartitionBy string      `json:"partition_by,omitempty" toml:"partition_by" yaml:"partition_by"`
	Partitions  []Partition `json:"partitions,omitempty" toml:"partitions" yaml:"partitions"`
}

type McopyConfig struct {
	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`

	Database string `json:"database" toml:"database" yaml:"database"`
	User     string `json:"user" toml:"user" yaml:"user"`

	Segments []Segment `json:"segments" toml:"segments" yaml:"segments"`

	Relations []Relation `json:"relations" toml:"relations" yaml:"relations"`

	/* Sizes are bytes; zero means the built-in default. */
	RawBufSize     int `json:"raw_buf_size" toml:"raw_buf_size" yaml:"raw_buf_size"`
	FileBufSize    int `json:"file_buf_size" toml:"file_buf_size" yaml:"file_buf_size"`
	FlushThreshold int `json:"flush_threshold" toml:"flush_threshold" yaml:"flush_threshold"`
	MaxCSVLineSize int `json:"max_csv_line_size" toml:"max_csv_line_size" yaml:"max_csv_line_size"`

	/* Minimum rows seen before a percent reject limit is evaluated. */
	RejectCheckMinRows int `json:"reject_check_min_rows" toml:"reject_check_min_rows" yaml:"reject_check_min_rows"`

	/* Allow COPY ON SEGMENT into a partitioned table whose children
	   have a policy incompatible with the root. */
	IgnorePartitionPolicyMismatch bool `json:"ignore_partition_policy_mismatch" toml:"ignore_partition_policy_mismatch" yaml:"ignore_partition_policy_mismatch"`
}

var cfg McopyConfig

func Load(cfgPath string) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return err
	}
	cfg.FillDefaults()

	configBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	log.Println("Running config:", string(configBytes))
	return nil
}

func Get() *McopyConfig {
	return &cfg
}

func (c *McopyConfig) FillDefaults() {
	if c.RawBufSize == 0 {
		c.RawBufSize = defaultRawBufSize
	}
	if c.FileBufSize == 0 {
		c.FileBufSize = defaultFileBufSize
	}
	if c.FlushThreshold == 0 {
		c.FlushThreshold = defaultFlushThreshold
	}
	if c.MaxCSVLineSize == 0 {
		c.MaxCSVLineSize = defaultMaxCSVLineSize
	}
	if c.RejectCheckMinRows == 0 {
		c.RejectCheckMinRows = defaultRejectCheckMinRows
	}
}
