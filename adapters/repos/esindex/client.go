//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package esindex

import (
	"context"
	"os"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/pkg/errors"

	enterrors "github.com/weaviate/esync/entities/errors"
)

// ClientConfig holds connection configuration for the Elasticsearch cluster.
type ClientConfig struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Timeout   time.Duration
}

// ConfigFromEnv reads the connection settings from the environment:
//
//	ELASTICSEARCH_URLS      (comma-separated, default "http://localhost:9200")
//	ELASTICSEARCH_USERNAME  (optional)
//	ELASTICSEARCH_PASSWORD  (optional)
//	ELASTICSEARCH_API_KEY   (optional)
func ConfigFromEnv() ClientConfig {
	cfg := ClientConfig{
		Username: os.Getenv("ELASTICSEARCH_USERNAME"),
		Password: os.Getenv("ELASTICSEARCH_PASSWORD"),
		APIKey:   os.Getenv("ELASTICSEARCH_API_KEY"),
		Timeout:  30 * time.Second,
	}
	urls := os.Getenv("ELASTICSEARCH_URLS")
	if urls == "" {
		urls = "http://localhost:9200"
	}
	for _, u := range strings.Split(urls, ",") {
		if u = strings.TrimSpace(u); u != "" {
			cfg.Addresses = append(cfg.Addresses, u)
		}
	}
	return cfg
}

// NewClient builds the low-level client and verifies the connection with a
// lightweight Info call; an unreachable cluster is reported as such so
// administrative callers can treat it as fatal.
func NewClient(ctx context.Context, cfg ClientConfig) (*elasticsearch.Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "build elasticsearch client")
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res, err := es.Info(es.Info.WithContext(pingCtx))
	if err != nil {
		return nil, enterrors.NewUnreachable(err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, enterrors.NewUnreachable(errors.Errorf("info call: %s", res.Status()))
	}
	return es, nil
}
