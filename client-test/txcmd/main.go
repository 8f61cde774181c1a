package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/pzhenzhou/redkit/client-test/testutils"
	"github.com/pzhenzhou/redkit/pkg/client"
	"github.com/pzhenzhou/redkit/pkg/command"
)

func execT(ctx context.Context, conn *client.Conn) {
	key := testutils.GenerateKey("execT")
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		panic(err)
	}
	m1, err := tx.Queue(ctx, command.MustNew("INCR", command.Str(key)))
	if err != nil {
		panic(err)
	}
	m2, err := tx.Queue(ctx, command.MustNew("INCR", command.Str(key)))
	if err != nil {
		panic(err)
	}
	if err := tx.Exec(ctx); err != nil {
		panic(err)
	}
	r1, err := m1.Wait(ctx)
	if err != nil || r1.Int != 1 {
		panic(fmt.Sprintf("Expected 1, got %v (err=%v)", r1, err))
	}
	r2, err := m2.Wait(ctx)
	if err != nil || r2.Int != 2 {
		panic(fmt.Sprintf("Expected 2, got %v (err=%v)", r2, err))
	}
}

func discardT(ctx context.Context, conn *client.Conn) {
	key := testutils.GenerateKey("discardT")
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		panic(err)
	}
	m, err := tx.Queue(ctx, command.MustNew("SET", command.Str(key), command.Str("v")))
	if err != nil {
		panic(err)
	}
	if err := tx.Discard(ctx); err != nil {
		panic(err)
	}
	if _, err := m.Wait(ctx); !errors.Is(err, client.ErrTxDiscarded) {
		panic(fmt.Sprintf("Expected ErrTxDiscarded, got %v", err))
	}

	reply, err := conn.Submit(ctx, command.MustNew("EXISTS", command.Str(key)))
	if err != nil {
		panic(err)
	}
	if reply.Int != 0 {
		panic("Discarded SET must not be applied")
	}
}

// watchAbortT invalidates a watched key from a second connection, so EXEC
// on the first must abort.
func watchAbortT(ctx context.Context, conn, intruder *client.Conn) {
	key := testutils.GenerateKey("watchAbortT")
	if err := conn.Watch(ctx, key); err != nil {
		panic(err)
	}
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		panic(err)
	}
	m, err := tx.Queue(ctx, command.MustNew("SET", command.Str(key), command.Str("mine")))
	if err != nil {
		panic(err)
	}

	reply, err := intruder.Submit(ctx, command.MustNew("SET", command.Str(key), command.Str("theirs")))
	if err != nil {
		panic(err)
	}
	if serverErr := client.AsServerError(reply); serverErr != nil {
		panic(serverErr)
	}

	if err := tx.Exec(ctx); !errors.Is(err, client.ErrTxAborted) {
		panic(fmt.Sprintf("Expected ErrTxAborted, got %v", err))
	}
	if _, err := m.Wait(ctx); !errors.Is(err, client.ErrTxAborted) {
		panic(fmt.Sprintf("Expected ErrTxAborted on member, got %v", err))
	}

	check, err := conn.Submit(ctx, command.MustNew("GET", command.Str(key)))
	if err != nil || string(check.Data) != "theirs" {
		panic(fmt.Sprintf("Expected 'theirs', got '%s' (err=%v)", check.Data, err))
	}
}

func main() {
	flag.StringVar(&testutils.ServerAddr, "server-addr", "127.0.0.1:6379", "server address")
	flag.Parse()
	testutils.Logger.Info("Running transaction probes", "ServerAddr", testutils.ServerAddr)

	conn := testutils.NewRedkitConn()
	defer func() { _ = conn.Close() }()
	intruder := testutils.NewRedkitConn()
	defer func() { _ = intruder.Close() }()

	ctx := context.Background()
	execT(ctx, conn)
	discardT(ctx, conn)
	watchAbortT(ctx, conn, intruder)
	testutils.Logger.Info("All tests passed successfully")
}
