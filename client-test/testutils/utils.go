package testutils

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pzhenzhou/redkit/pkg/client"
	"github.com/pzhenzhou/redkit/pkg/common"
)

var (
	Logger     = common.InitLogger().WithName("[Client-TEST]")
	ServerAddr = "127.0.0.1:6379"
)

func GenerateKey(cmd string) string {
	timestamp := time.Now().UnixMilli()
	key := fmt.Sprintf("client_test_%s_%d", cmd, timestamp)
	return key
}

// NewRedkitConn dials the server with the client under test.
func NewRedkitConn() *client.Conn {
	cfg := common.DefaultClientConfig()
	cfg.Addr = ServerAddr
	conn, err := client.Dial(ServerAddr, cfg)
	if err != nil {
		Logger.Error(err, "Failed to dial server", "Addr", ServerAddr)
		panic(err)
	}
	return conn
}

// NewGoRedisClient builds the reference client the probes cross-check
// against. It speaks RESP3 so both sides see the same wire protocol.
func NewGoRedisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     ServerAddr,
		Protocol: 3,
	})
}
