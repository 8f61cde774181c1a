package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pzhenzhou/redkit/client-test/testutils"
	"github.com/pzhenzhou/redkit/pkg/client"
	"github.com/pzhenzhou/redkit/pkg/command"
	"github.com/pzhenzhou/redkit/pkg/respio"
)

// setGetT writes through the client under test and reads the value back
// with the reference client.
func setGetT(ctx context.Context, conn *client.Conn, ref *redis.Client) {
	key := testutils.GenerateKey("setGetT")
	reply, err := conn.Submit(ctx, command.MustNew("SET", command.Str(key), command.Str("hello"), command.Labeled("EX", command.Int(60))))
	if err != nil {
		panic(err)
	}
	if serverErr := client.AsServerError(reply); serverErr != nil {
		panic(serverErr)
	}
	val, err := ref.Get(ctx, key).Result()
	if err != nil || val != "hello" {
		panic(fmt.Sprintf("Expected 'hello', got '%s' (err=%v)", val, err))
	}
}

// hsetT writes through the reference client and reads back through the
// client under test, checking the RESP3 map reply shape.
func hsetT(ctx context.Context, conn *client.Conn, ref *redis.Client) {
	key := testutils.GenerateKey("hsetT")
	if err := ref.HSet(ctx, key, "field1", "Hello", "field2", "World").Err(); err != nil {
		panic(err)
	}
	reply, err := conn.Submit(ctx, command.MustNew("HGETALL", command.Str(key)))
	if err != nil {
		panic(err)
	}
	if reply.Type != respio.RespMap {
		panic(fmt.Sprintf("Expected map reply, got %s", reply.String()))
	}
	got := map[string]string{}
	for i := 0; i+1 < len(reply.Elems); i += 2 {
		got[string(reply.Elems[i].Data)] = string(reply.Elems[i+1].Data)
	}
	if got["field1"] != "Hello" || got["field2"] != "World" {
		panic(fmt.Sprintf("HGETALL mismatch: %v", got))
	}
}

func listT(ctx context.Context, conn *client.Conn, ref *redis.Client) {
	key := testutils.GenerateKey("listT")
	for _, member := range []string{"world", "hello"} {
		reply, err := conn.Submit(ctx, command.MustNew("LPUSH", command.Str(key), command.Str(member)))
		if err != nil {
			panic(err)
		}
		if serverErr := client.AsServerError(reply); serverErr != nil {
			panic(serverErr)
		}
	}
	lrange, err := ref.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		panic(err)
	}
	expectedLRange := []string{"hello", "world"}
	if len(lrange) != len(expectedLRange) {
		panic("LRANGE result length mismatch")
	}
	for i, v := range lrange {
		if v != expectedLRange[i] {
			panic(fmt.Sprintf("Expected %s, got %s", expectedLRange[i], v))
		}
	}
}

// floatT checks RESP3 double replies against the reference client.
func floatT(ctx context.Context, conn *client.Conn, ref *redis.Client) {
	key := testutils.GenerateKey("floatT")
	if err := ref.ZAdd(ctx, key, redis.Z{Score: 1.5, Member: "one"}).Err(); err != nil {
		panic(err)
	}
	reply, err := conn.Submit(ctx, command.MustNew("ZSCORE", command.Str(key), command.Str("one")))
	if err != nil {
		panic(err)
	}
	// RESP3 servers answer ZSCORE with a double frame; RESP2 with a bulk.
	switch reply.Type {
	case respio.RespFloat:
		if reply.Float != 1.5 {
			panic(fmt.Sprintf("Expected 1.5, got %f", reply.Float))
		}
	case respio.RespString:
		if string(reply.Data) != "1.5" {
			panic(fmt.Sprintf("Expected '1.5', got '%s'", reply.Data))
		}
	default:
		panic(fmt.Sprintf("Unexpected ZSCORE reply %s", reply.String()))
	}
}

// pipelineT checks FIFO correlation under a burst of concurrent submits.
func pipelineT(ctx context.Context, conn *client.Conn) {
	key := testutils.GenerateKey("pipelineT")
	const rounds = 100
	replies := make(chan int64, rounds)
	for i := 0; i < rounds; i++ {
		go func() {
			reply, err := conn.Submit(ctx, command.MustNew("INCR", command.Str(key)))
			if err != nil {
				panic(err)
			}
			replies <- reply.Int
		}()
	}
	seen := map[int64]bool{}
	for i := 0; i < rounds; i++ {
		n := <-replies
		if n < 1 || n > rounds || seen[n] {
			panic(fmt.Sprintf("INCR replies not a permutation of 1..%d: got %d twice or out of range", rounds, n))
		}
		seen[n] = true
	}
}

// pubsubT pushes through the reference client and receives through a
// subscription on the client under test.
func pubsubT(ctx context.Context, sub *client.Conn, ref *redis.Client) {
	channel := testutils.GenerateKey("pubsubT")
	subscription, err := sub.Subscribe(ctx, channel)
	if err != nil {
		panic(err)
	}
	if err := ref.Publish(ctx, channel, "payload").Err(); err != nil {
		panic(err)
	}
	for m := range subscription.Messages() {
		if m.Kind != "message" {
			continue
		}
		if string(m.Payload.Data) != "payload" {
			panic(fmt.Sprintf("Expected 'payload', got '%s'", m.Payload.Data))
		}
		break
	}
	if err := subscription.Unsubscribe(ctx); err != nil {
		panic(err)
	}
}

func main() {
	flag.StringVar(&testutils.ServerAddr, "server-addr", "127.0.0.1:6379", "server address")
	flag.Parse()
	testutils.Logger.Info("Running client probes", "ServerAddr", testutils.ServerAddr)

	conn := testutils.NewRedkitConn()
	defer func() { _ = conn.Close() }()
	subConn := testutils.NewRedkitConn()
	defer func() { _ = subConn.Close() }()
	ref := testutils.NewGoRedisClient()
	defer func() { _ = ref.Close() }()

	ctx := context.Background()
	setGetT(ctx, conn, ref)
	hsetT(ctx, conn, ref)
	listT(ctx, conn, ref)
	floatT(ctx, conn, ref)
	pipelineT(ctx, conn)
	pubsubT(ctx, subConn, ref)
	testutils.Logger.Info("All tests passed successfully")
}
