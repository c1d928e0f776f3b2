package cli

import "github.com/spf13/viper"

// Config holds typed configuration for the docrelay command.
type Config struct {
	LogLevel     string
	RedisAddr    string
	Queue        string
	Concurrency  int
	HTTPAddr     string
	Engine       string
	KafkaBrokers string
	KafkaTopic   string
	KafkaGroup   string
	RunnerURL    string
	SourceStore  string
	SourcePrefix string
	TargetStore  string
	TargetPrefix string
	BatchSize    int
	MaxRetry     int
	ToFormats    []string
	FromFormats  []string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		RedisAddr:    v.GetString("redis_addr"),
		Queue:        v.GetString("queue"),
		Concurrency:  v.GetInt("concurrency"),
		HTTPAddr:     v.GetString("http_addr"),
		Engine:       v.GetString("engine"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		KafkaTopic:   v.GetString("kafka_topic"),
		KafkaGroup:   v.GetString("kafka_group"),
		RunnerURL:    v.GetString("runner_url"),
		SourceStore:  v.GetString("source_store"),
		SourcePrefix: v.GetString("source_prefix"),
		TargetStore:  v.GetString("target_store"),
		TargetPrefix: v.GetString("target_prefix"),
		BatchSize:    v.GetInt("batch_size"),
		MaxRetry:     v.GetInt("max_retry"),
		ToFormats:    v.GetStringSlice("to_formats"),
		FromFormats:  v.GetStringSlice("from_formats"),
	}
}
