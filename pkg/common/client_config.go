package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type PoolConfig struct {
	MaxSize     int           `help:"Maximum size of the connection pool" name:"max-size" default:"8"`
	MaxIdle     int           `help:"Maximum idle size of the connection pool" name:"max-idle" default:"4"`
	MinIdle     int           `help:"Minimum idle size of the connection pool" name:"min-idle" default:"1"`
	WaitTimeout time.Duration `help:"How long to wait for a free pool slot" name:"wait-timeout" default:"1s"`
	MaxLifetime time.Duration `help:"Maximum lifetime of a pooled connection. Zero means no limit." name:"max-lifetime" default:"0"`
}

type MetricsConfig struct {
	EnableMetrics bool   `help:"Enable metrics collection" name:"enable" default:"false"`
	ServiceName   string `help:"Metrics service name prefix" name:"service" default:"redkit"`
}

type ClientConfig struct {
	Addr          string        `help:"Address of the server (e.g., 127.0.0.1:6379)" name:"addr" default:"127.0.0.1:6379"`
	DialTimeout   time.Duration `help:"Timeout for establishing the connection" name:"dial-timeout" default:"3s"`
	WriteQueueLen int           `help:"Capacity of the outgoing command queue" name:"write-queue" default:"128"`
	PendingLen    int           `help:"Capacity of the in-flight request queue" name:"pending-queue" default:"1024"`
	PushBufferLen int           `help:"Capacity of each subscription delivery buffer" name:"push-buffer" default:"64"`
	Pool          PoolConfig    `embed:"" prefix:"pool."`
	Metrics       MetricsConfig `embed:"" prefix:"metrics."`
}

func (c *ClientConfig) Endpoint() (string, int, error) {
	parts := strings.Split(c.Addr, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid server address: %s", c.Addr)
	}
	host := parts[0]
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid server port: %s", parts[1])
	}
	return host, port, nil
}

func (c *ClientConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if _, _, err := c.Endpoint(); err != nil {
		return err
	}
	if c.WriteQueueLen <= 0 || c.PendingLen <= 0 {
		return fmt.Errorf("queue capacities must be positive: write=%d pending=%d",
			c.WriteQueueLen, c.PendingLen)
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("invalid pool size: %d", c.Pool.MaxSize)
	}
	if c.Pool.MinIdle > c.Pool.MaxIdle || c.Pool.MaxIdle > c.Pool.MaxSize {
		return fmt.Errorf("pool idle bounds must satisfy min-idle <= max-idle <= max-size")
	}
	return nil
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Addr:          "127.0.0.1:6379",
		DialTimeout:   3 * time.Second,
		WriteQueueLen: 128,
		PendingLen:    1024,
		PushBufferLen: 64,
		Pool: PoolConfig{
			MaxSize:     8,
			MaxIdle:     4,
			MinIdle:     1,
			WaitTimeout: time.Second,
		},
		Metrics: MetricsConfig{ServiceName: "redkit"},
	}
}
