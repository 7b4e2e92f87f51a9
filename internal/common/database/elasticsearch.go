package database

import (
	"context"
	"fmt"
	"time"

	"ceap-engine/internal/common/config"

	"github.com/elastic/go-elasticsearch/v8"
)

const esPingTimeout = 5 * time.Second

// ElasticsearchClient carries the low-level cluster client the analytics
// sink indexes through.
type ElasticsearchClient struct {
	Client *elasticsearch.Client
}

// NewElasticsearch connects to the configured cluster. Basic auth is
// attached only when a username is set.
func NewElasticsearch(cfg config.ElasticsearchConfig) (*ElasticsearchClient, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("connect elasticsearch: %w", err)
	}
	return &ElasticsearchClient{Client: es}, nil
}

// Ping round-trips the cluster, bounded by esPingTimeout. Startup gates
// the optional analytics sink on it.
func (c *ElasticsearchClient) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), esPingTimeout)
	defer cancel()

	res, err := c.Client.Ping(c.Client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: %s", res.Status())
	}
	return nil
}
