// Package config loads the transport's tunables from the environment,
// mirroring the Configuration table in the spec: timeouts, retry budgets,
// worker counts, and per-listen-port policy.
package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// ListenPort describes one bound game socket and the policy that applies to
// connections accepted on it.
type ListenPort struct {
	Port        int    `env:"PORT,default=5000"`
	BindAddress string `env:"BIND_ADDRESS,default=0.0.0.0"`
	ConnectAs   string `env:"CONNECT_AS"`
	AllowVIE    bool   `env:"ALLOW_VIE,default=true"`
	AllowCont   bool   `env:"ALLOW_CONT,default=true"`
}

// Config is the full set of recognised tunables from spec.md §6.
type Config struct {
	DropTimeout              int  `env:"DROP_TIMEOUT,default=3000"`
	MaxOutlistSize           int  `env:"MAX_OUTLIST_SIZE,default=500"`
	MaxRetries               int  `env:"MAX_RETRIES,default=15"`
	ReliableThreads          int  `env:"RELIABLE_THREADS,default=1"`
	LimitReliableGroupingSize bool `env:"LIMIT_RELIABLE_GROUPING_SIZE,default=false"`
	SizedQueueThreshold      int  `env:"SIZED_QUEUE_THRESHOLD,default=5"`
	SizedQueuePackets        int  `env:"SIZED_QUEUE_PACKETS,default=25"`
	SizedSendOutgoing        bool `env:"SIZED_SEND_OUTGOING,default=false"`
	PerPacketOverhead        int  `env:"PER_PACKET_OVERHEAD,default=28"`
	PingDataRefreshTime      int  `env:"PING_DATA_REFRESH_TIME,default=200"`
	SimplePingPopulationMode int  `env:"SIMPLE_PING_POPULATION_MODE,default=1"`

	InternalClientPort int `env:"INTERNAL_CLIENT_PORT,default=5001"`

	MetricsAddr string `env:"METRICS_ADDR,default=:9090"`

	Listen []ListenPort `env:"-"`
}

// DefaultReliableWindow is the size W of the per-connection circular
// receive window. spec.md §9 leaves its exact value as an open question;
// DESIGN.md records the decision to expose it as a named constant. It is
// not read from the environment.
const DefaultReliableWindow = 64

// Load reads Config from the process environment, applying the defaults
// above for anything unset.
func Load(ctx context.Context) (*Config, error) {
	var c Config
	if err := envconfig.Process(ctx, &c); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if len(c.Listen) == 0 {
		c.Listen = []ListenPort{{Port: 5000, BindAddress: "0.0.0.0", AllowVIE: true, AllowCont: true}}
	}
	return &c, nil
}

// RetransmitTimeoutBounds are the clamp bounds for the per-buffer
// retransmit timer (spec.md §4.4).
const (
	MinRetransmitTimeoutMillis = 250
	MaxRetransmitTimeoutMillis = 2000
)
