// Package redisdiag mirrors engine diagnostics into Redis and offers a
// Redis-list command queue an operator process can use to request PCCC
// reads/writes, repurposing the teacher's pkg/redis client (HSet/Publish/
// LPush/BRPop) as a telemetry sink instead of a scooter-state channel.
package redisdiag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Default Redis keys for the diagnostics hash, history channel and
// command queue list, following the teacher's KeyXxx naming convention
// (pkg/service/service.go's KeyVehicle/KeyBatterySlot1/etc.).
const (
	KeyDiagnostics = "df1:diagnostics"
	KeyHistory     = "df1:history"
	KeyCommands    = "df1:commands"
)

// Client wraps a go-redis client with the HSet/Publish/LPush/BRPop
// surface the teacher's pkg/redis.Client exposes, trimmed to the
// operations this package actually calls.
type Client struct {
	rdb *redis.Client
	log *log.Logger
}

// New connects to addr and verifies it with a Ping, the same
// fail-fast-on-construction shape as the teacher's redis.New.
func New(addr, password string, db int, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisdiag: connect: %w", err)
	}
	return &Client{rdb: rdb, log: logger}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// DiagnosticsSource is the subset of engine.Client this package mirrors
// into Redis. A narrow interface, not *engine.Client, keeps pkg/engine
// from depending on pkg/redisdiag.
type DiagnosticsSource interface {
	ReconnectTotal() int64
	MessagesDroppedTotal() int64
}

// PublishDiagnostics writes the engine's named counters to the
// diagnostics hash and publishes the update, the same HSet+Publish
// pipeline shape as the teacher's WriteAndPublishInt.
func (c *Client) PublishDiagnostics(ctx context.Context, src DiagnosticsSource) error {
	pipe := c.rdb.Pipeline()
	reconnects := src.ReconnectTotal()
	dropped := src.MessagesDroppedTotal()
	pipe.HSet(ctx, KeyDiagnostics, "reconnect_total", reconnects)
	pipe.HSet(ctx, KeyDiagnostics, "messages_dropped_total", dropped)
	pipe.Publish(ctx, KeyDiagnostics, fmt.Sprintf("reconnect_total:%d", reconnects))
	pipe.Publish(ctx, KeyDiagnostics, fmt.Sprintf("messages_dropped_total:%d", dropped))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisdiag: publish diagnostics: %w", err)
	}
	return nil
}

// PublishHistorySnapshot publishes a CBOR-encoded comm_history snapshot
// (pkg/history.Ring.EncodeCBOR) to the history channel, for an operator
// process tailing live frame traffic.
func (c *Client) PublishHistorySnapshot(ctx context.Context, cbor []byte) error {
	if err := c.rdb.Publish(ctx, KeyHistory, cbor).Err(); err != nil {
		return fmt.Errorf("redisdiag: publish history: %w", err)
	}
	return nil
}

// RunDiagnosticsLoop periodically mirrors src's counters into Redis
// until ctx is cancelled, the long-running counterpart to one-shot
// PublishDiagnostics calls.
func (c *Client) RunDiagnosticsLoop(ctx context.Context, src DiagnosticsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.PublishDiagnostics(ctx, src); err != nil {
				c.log.Warn("failed to publish diagnostics", "err", err)
			}
		}
	}
}

// Command is a PCCC read or write request dequeued from the Redis
// command list, parsed from "op:table:start:count" (read) or
// "op:table:start:w0,w1,..." (write), e.g. "read_integer:7:0:4" or
// "write_register:8:0:10,20". write_float's values parse into Floats
// instead of Words, since PCCC floats aren't representable as uint16s.
type Command struct {
	Op     string
	Table  byte
	Start  byte
	Count  int
	Words  []uint16
	Floats []float32
}

// ParseCommand parses one command-queue entry. Unknown ops are not
// rejected here — the dispatcher in cmd/df1gateway decides which ops it
// recognizes — this just tokenizes the wire shape.
func ParseCommand(s string) (Command, error) {
	fields := strings.SplitN(s, ":", 4)
	if len(fields) < 4 {
		return Command{}, fmt.Errorf("redisdiag: malformed command %q", s)
	}
	table, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return Command{}, fmt.Errorf("redisdiag: bad table in %q: %w", s, err)
	}
	start, err := strconv.ParseUint(fields[2], 10, 8)
	if err != nil {
		return Command{}, fmt.Errorf("redisdiag: bad start in %q: %w", s, err)
	}
	cmd := Command{Op: fields[0], Table: byte(table), Start: byte(start)}
	switch {
	case cmd.Op == "write_float":
		for _, valStr := range strings.Split(fields[3], ",") {
			v, err := strconv.ParseFloat(valStr, 32)
			if err != nil {
				return Command{}, fmt.Errorf("redisdiag: bad float %q in %q: %w", valStr, s, err)
			}
			cmd.Floats = append(cmd.Floats, float32(v))
		}
		return cmd, nil
	case isWriteOp(cmd.Op):
		for _, wordStr := range strings.Split(fields[3], ",") {
			w, err := strconv.ParseUint(wordStr, 10, 16)
			if err != nil {
				return Command{}, fmt.Errorf("redisdiag: bad word %q in %q: %w", wordStr, s, err)
			}
			cmd.Words = append(cmd.Words, uint16(w))
		}
		return cmd, nil
	}
	count, err := strconv.Atoi(fields[3])
	if err != nil {
		return Command{}, fmt.Errorf("redisdiag: bad count in %q: %w", s, err)
	}
	cmd.Count = count
	return cmd, nil
}

func isWriteOp(op string) bool {
	switch op {
	case "write_output", "write_binary", "write_register", "write_float":
		return true
	default:
		return false
	}
}

// WatchCommands blocks on BRPOP against the command list, forwarding
// each dequeued Command to handle, the same loop shape as the teacher's
// WatchRedisCommands (pkg/service/redis_handlers.go) generalized from a
// fixed command vocabulary to a parsed Command struct.
func (c *Client) WatchCommands(ctx context.Context, handle func(Command)) {
	c.log.Info("starting redis command watcher", "key", KeyCommands)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		result, err := c.rdb.BRPop(ctx, 2*time.Second, KeyCommands).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				c.log.Warn("BRPOP failed", "key", KeyCommands, "err", err)
				time.Sleep(time.Second)
			}
			continue
		}
		if len(result) != 2 {
			c.log.Warn("unexpected BRPOP result", "result", result)
			continue
		}
		cmd, err := ParseCommand(result[1])
		if err != nil {
			c.log.Warn("failed to parse queued command", "raw", result[1], "err", err)
			continue
		}
		handle(cmd)
	}
}

// Enqueue pushes a raw command string onto the command list, the
// producer-side counterpart to WatchCommands, useful for tests and for
// an operator CLI issuing requests without a raw redis-cli LPUSH.
func (c *Client) Enqueue(ctx context.Context, raw string) error {
	return c.rdb.LPush(ctx, KeyCommands, raw).Err()
}
