package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/scheduler"
	"github.com/bitrise-io/go-chunkupload/stepconf"
	"github.com/bitrise-io/go-chunkupload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	transportHTTP = "http"
	transportS3   = "s3"
)

// Inputs are read from the environment.
type Inputs struct {
	Sources            []string        `env:"sources,required"`
	Transport          string          `env:"transport,opt[http,s3]"`
	APIBaseURL         string          `env:"api_base_url"`
	APIToken           stepconf.Secret `env:"api_token"`
	CompressChunks     bool            `env:"compress_chunks"`
	S3Bucket           string          `env:"s3_bucket"`
	S3Region           string          `env:"s3_region"`
	S3KeyPrefix        string          `env:"s3_key_prefix"`
	AWSAccessKeyID     stepconf.Secret `env:"aws_access_key_id"`
	AWSSecretAccessKey stepconf.Secret `env:"aws_secret_access_key"`
	ChunkSize          string          `env:"chunk_size"`
	Concurrency        int             `env:"concurrency"`
	Retries            int             `env:"retries"`
	RetryWaitSeconds   int             `env:"retry_wait_seconds"`
	MetricsAddr        string          `env:"metrics_addr"`
	Analytics          bool            `env:"analytics"`
	Verbose            bool            `env:"verbose"`
}

type config struct {
	Sources     []string
	Transport   string
	HTTP        transport.HTTPConfig
	S3          transport.S3Params
	Concurrency int
	Retries     uint
	RetryWait   time.Duration
	MetricsAddr string
	Analytics   bool
	Verbose     bool
}

func parseConfig(parser stepconf.InputParser) (config, error) {
	var input Inputs
	if err := parser.Parse(&input); err != nil {
		return config{}, err
	}
	stepconf.Print(input)
	return processInputs(input)
}

func processInputs(input Inputs) (config, error) {
	cfg := config{
		Sources:     input.Sources,
		Transport:   input.Transport,
		Concurrency: input.Concurrency,
		MetricsAddr: input.MetricsAddr,
		Analytics:   input.Analytics,
		Verbose:     input.Verbose,
		RetryWait:   time.Duration(input.RetryWaitSeconds) * time.Second,
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = scheduler.DefaultConcurrency
	}
	if cfg.Concurrency < 1 {
		return config{}, fmt.Errorf("concurrency should be positive, got %d", cfg.Concurrency)
	}
	if input.Retries < 0 {
		return config{}, fmt.Errorf("retries should not be negative, got %d", input.Retries)
	}
	cfg.Retries = uint(input.Retries)
	if cfg.RetryWait == 0 {
		cfg.RetryWait = 5 * time.Second
	}

	var chunkSize int64
	if input.ChunkSize != "" {
		size, err := units.RAMInBytes(input.ChunkSize)
		if err != nil {
			return config{}, fmt.Errorf("invalid chunk size: %w", err)
		}
		chunkSize = size
	}

	switch cfg.Transport {
	case transportHTTP:
		if input.APIBaseURL == "" {
			return config{}, errors.New("api_base_url is required for the http transport")
		}
		if chunkSize != 0 {
			return config{}, errors.New("chunk_size is decided by the server for the http transport")
		}
		headers := map[string]string{}
		if input.APIToken != "" {
			headers["Authorization"] = "Bearer " + string(input.APIToken)
		}
		cfg.HTTP = transport.HTTPConfig{
			Endpoints:      transport.DefaultEndpoints(strings.TrimSuffix(input.APIBaseURL, "/")),
			Headers:        headers,
			CompressChunks: input.CompressChunks,
		}
	case transportS3:
		if input.S3Bucket == "" {
			return config{}, errors.New("s3_bucket is required for the s3 transport")
		}
		if chunkSize != 0 && chunkSize < transport.MinS3ChunkSize {
			return config{}, fmt.Errorf("chunk_size should be at least %s for the s3 transport", units.BytesSize(transport.MinS3ChunkSize))
		}
		cfg.S3 = transport.S3Params{
			Bucket:          input.S3Bucket,
			KeyPrefix:       input.S3KeyPrefix,
			Region:          input.S3Region,
			AccessKeyID:     string(input.AWSAccessKeyID),
			SecretAccessKey: string(input.AWSSecretAccessKey),
			ChunkSize:       chunkSize,
			Concurrency:     cfg.Concurrency,
		}
	}

	return cfg, nil
}

func newTransport(ctx context.Context, cfg config, logger log.Logger) (transport.Transport, error) {
	if cfg.Transport == transportS3 {
		return transport.NewS3Transport(ctx, cfg.S3, logger)
	}
	return transport.NewHTTPTransport(cfg.HTTP, logger)
}
