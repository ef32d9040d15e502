// Package gateway is the public API for embedding the ingress gateway.
package gateway

import (
	"github.com/reqforge/gateway/internal/config"
	"github.com/reqforge/gateway/internal/runtime"
)

// Gateway is the assembled ingress gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// Config is the gateway configuration.
type Config = config.Config

// New creates a gateway from cfg.
//
//	cfg, err := gateway.LoadConfig("config.yaml")
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
var New = runtime.New

// LoadConfig reads path (optional) and the environment.
var LoadConfig = config.LoadFile

// Configuration options
var (
	WithLogger            = runtime.WithLogger
	WithSQLite            = runtime.WithSQLite
	WithStore             = runtime.WithStore
	WithRedisClient       = runtime.WithRedisClient
	WithMetrics           = runtime.WithMetrics
	WithInternalTransport = runtime.WithInternalTransport
	WithMarketplaceClient = runtime.WithMarketplaceClient
)
