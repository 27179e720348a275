// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/cardinalhq/leaserunner/internal/estimator"
)

const (
	BrokerKindSQS    = "sqs"
	BrokerKindAzure  = "azure"
	BrokerKindMemory = "memory"
)

// Config aggregates configuration for the application.
type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Lease   LeaseConfig   `mapstructure:"lease"`
	Scaling ScalingConfig `mapstructure:"scaling"`
}

type BrokerConfig struct {
	// Kind is one of sqs, azure, memory. memory is only useful for local runs.
	Kind  string           `mapstructure:"kind" yaml:"kind"`
	SQS   SQSConfig        `mapstructure:"sqs" yaml:"sqs"`
	Azure AzureQueueConfig `mapstructure:"azure" yaml:"azure"`
}

type SQSConfig struct {
	QueueURL      string `mapstructure:"queue_url" yaml:"queue_url"`
	DeadLetterURL string `mapstructure:"dead_letter_url" yaml:"dead_letter_url"`
	Region        string `mapstructure:"region" yaml:"region"`
	RoleARN       string `mapstructure:"role_arn" yaml:"role_arn"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
}

type AzureQueueConfig struct {
	StorageAccount  string `mapstructure:"storage_account" yaml:"storage_account"`
	QueueName       string `mapstructure:"queue_name" yaml:"queue_name"`
	PoisonQueueName string `mapstructure:"poison_queue_name" yaml:"poison_queue_name"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
}

type LedgerConfig struct {
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
	// CacheTTL is how long terminal outcomes are served from memory. Zero disables the cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	PollWait          time.Duration `mapstructure:"poll_wait" yaml:"poll_wait"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	ProvisionalLease  time.Duration `mapstructure:"provisional_lease" yaml:"provisional_lease"`
	ReceiveBackoffMax time.Duration `mapstructure:"receive_backoff_max" yaml:"receive_backoff_max"`
	// Command is the job body executable and its arguments.
	Command []string `mapstructure:"command" yaml:"command"`
}

type LeaseConfig struct {
	MaxLifetime time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
	// Buckets replaces the built-in size table when set.
	Buckets []estimator.Bucket `mapstructure:"buckets" yaml:"buckets"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{Kind: BrokerKindSQS},
		Ledger: LedgerConfig{CacheTTL: 10 * time.Minute},
		Worker: WorkerConfig{
			Concurrency:       1,
			PollWait:          20 * time.Second,
			MaxAttempts:       3,
			ProvisionalLease:  5 * time.Minute,
			ReceiveBackoffMax: time.Minute,
		},
		Lease: LeaseConfig{
			MaxLifetime: estimator.DefaultMaxLeaseLifetime,
		},
		Scaling: GetDefaultScalingConfig(),
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "LEASERUNNER" and the dot character
// in keys is replaced by an underscore. For example, "worker.max_attempts"
// becomes "LEASERUNNER_WORKER_MAX_ATTEMPTS".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LEASERUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if c := v.GetString("worker.command"); c != "" && len(cfg.Worker.Command) <= 1 {
		cfg.Worker.Command = strings.Split(c, ",")
	}
	return cfg, nil
}

// Estimator builds the lease estimator from the lease section.
func (c *Config) Estimator() (*estimator.Estimator, error) {
	buckets := c.Lease.Buckets
	if len(buckets) == 0 {
		buckets = estimator.DefaultBuckets()
	}
	return estimator.New(buckets, c.Lease.MaxLifetime)
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Broker.Kind {
	case BrokerKindSQS:
		if c.Broker.SQS.QueueURL == "" {
			result = multierror.Append(result, errors.New("broker.sqs.queue_url is required"))
		}
	case BrokerKindAzure:
		if c.Broker.Azure.StorageAccount == "" || c.Broker.Azure.QueueName == "" {
			result = multierror.Append(result, errors.New("broker.azure.storage_account and broker.azure.queue_name are required"))
		}
	case BrokerKindMemory:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown broker.kind %q", c.Broker.Kind))
	}

	if c.Worker.Concurrency < 1 {
		result = multierror.Append(result, errors.New("worker.concurrency must be at least 1"))
	}
	if c.Worker.MaxAttempts < 1 {
		result = multierror.Append(result, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.Worker.PollWait < 0 {
		result = multierror.Append(result, errors.New("worker.poll_wait must not be negative"))
	}

	if _, err := c.Estimator(); err != nil {
		result = multierror.Append(result, fmt.Errorf("lease: %w", err))
	}

	if err := c.Scaling.Validate(c.Lease.MaxLifetime); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
