// Package redis implements store.Gateway on Redis. Documents live in hashes
// (doc + ver fields), versions come from a per-collection INCR counter so
// they are monotonic across every key in the collection, and change events
// travel over pub/sub. Writes run as Lua scripts so the version assignment
// and the document update are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/confcache/store"
)

// Config for the gateway. Either Addr or Client must be set.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Client injects an existing client. The gateway will not close it
	// unless CloseClient is set.
	Client      *redis.Client
	CloseClient bool

	// KeyPrefix namespaces every key and channel. Defaults to "confcache".
	KeyPrefix string
}

// Gateway is a store.Gateway over Redis.
type Gateway struct {
	cfg    Config
	client *redis.Client

	mu     sync.Mutex
	closed bool
}

// putScript assigns the next collection version and stores the document.
// With a nonzero expected version it is a compare-and-swap: a mismatch
// returns {-1, current} and writes nothing.
//
// KEYS[1] = doc hash, KEYS[2] = seq counter, KEYS[3] = index set
// ARGV[1] = doc, ARGV[2] = id, ARGV[3] = expected version (0 = LWW)
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local existed = 0
if cur then existed = 1 else cur = '0' end
if ARGV[3] ~= '0' and cur ~= ARGV[3] then
  return {-1, tonumber(cur)}
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'ver', seq)
redis.call('SADD', KEYS[3], ARGV[2])
return {seq, existed}
`)

// delScript removes the document and still consumes a version for the
// delete event. Returns 0 when the key was absent.
//
// KEYS[1] = doc hash, KEYS[2] = seq counter, KEYS[3] = index set
// ARGV[1] = id
var delScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[1])
return redis.call('INCR', KEYS[2])
`)

func New(cfg Config) (*Gateway, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis: Addr or Client is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		cfg.CloseClient = true
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "confcache"
	}
	return &Gateway{cfg: cfg, client: client}, nil
}

func (g *Gateway) docKey(collection, id string) string {
	return g.cfg.KeyPrefix + ":" + collection + ":" + id
}

func (g *Gateway) seqKey(collection string) string {
	return g.cfg.KeyPrefix + ":" + collection + ":seq"
}

func (g *Gateway) indexKey(collection string) string {
	return g.cfg.KeyPrefix + ":" + collection + ":index"
}

func (g *Gateway) channel(collection string) string {
	return g.cfg.KeyPrefix + ":" + collection + ":events"
}

// wireEvent is the pub/sub representation of a change event. Doc is base64
// via encoding/json's []byte handling.
type wireEvent struct {
	Key string `json:"key"`
	Op  uint8  `json:"op"`
	Ver uint64 `json:"ver"`
	Doc []byte `json:"doc,omitempty"`
}

func (g *Gateway) Get(ctx context.Context, collection, id string) (store.Document, uint64, error) {
	vals, err := g.client.HMGet(ctx, g.docKey(collection, id), "doc", "ver").Result()
	if err != nil {
		return nil, 0, mapErr(err)
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, 0, store.ErrNotFound
	}
	doc, ok := vals[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("redis: unexpected doc type %T", vals[0])
	}
	ver, err := strconv.ParseUint(vals[1].(string), 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("redis: bad version for %s/%s: %w", collection, id, err)
	}
	return store.Document(doc), ver, nil
}

func (g *Gateway) Put(ctx context.Context, collection, id string, doc store.Document, expectedVersion uint64) (uint64, error) {
	keys := []string{g.docKey(collection, id), g.seqKey(collection), g.indexKey(collection)}
	res, err := putScript.Run(ctx, g.client, keys,
		string(doc), id, strconv.FormatUint(expectedVersion, 10)).Int64Slice()
	if err != nil {
		return 0, mapErr(err)
	}
	if res[0] < 0 {
		return 0, fmt.Errorf("%w: have %d, expected %d", store.ErrVersionMismatch, res[1], expectedVersion)
	}
	ver := uint64(res[0])
	op := store.OpInsert
	if res[1] == 1 {
		op = store.OpUpdate
	}
	g.publish(ctx, collection, wireEvent{Key: id, Op: uint8(op), Ver: ver, Doc: doc})
	return ver, nil
}

func (g *Gateway) Delete(ctx context.Context, collection, id string) (bool, error) {
	keys := []string{g.docKey(collection, id), g.seqKey(collection), g.indexKey(collection)}
	ver, err := delScript.Run(ctx, g.client, keys, id).Int64()
	if err != nil {
		return false, mapErr(err)
	}
	if ver == 0 {
		return false, nil
	}
	g.publish(ctx, collection, wireEvent{Key: id, Op: uint8(store.OpDelete), Ver: uint64(ver)})
	return true, nil
}

func (g *Gateway) Exists(ctx context.Context, collection, id string) (bool, error) {
	n, err := g.client.Exists(ctx, g.docKey(collection, id)).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (g *Gateway) List(ctx context.Context, collection string) ([]store.Entry, error) {
	ids, err := g.client.SMembers(ctx, g.indexKey(collection)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := g.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, g.docKey(collection, id), "doc", "ver")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, mapErr(err)
	}

	out := make([]store.Entry, 0, len(ids))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || vals[0] == nil || vals[1] == nil {
			continue // deleted between SMEMBERS and HMGET
		}
		ver, perr := strconv.ParseUint(vals[1].(string), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("redis: bad version for %s/%s: %w", collection, ids[i], perr)
		}
		out = append(out, store.Entry{
			ID:      ids[i],
			Doc:     store.Document(vals[0].(string)),
			Version: ver,
		})
	}
	return out, nil
}

func (g *Gateway) Subscribe(ctx context.Context, collection string) (store.Feed, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, store.ErrClosed
	}
	g.mu.Unlock()

	ps := g.client.Subscribe(ctx, g.channel(collection))
	// force the subscription onto the wire before returning
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, mapErr(err)
	}
	f := &feed{
		events: make(chan store.ChangeEvent, 256),
		ps:     ps,
		done:   make(chan struct{}),
	}
	go f.pump(collection)
	return f, nil
}

func (g *Gateway) Close(_ context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	if g.cfg.CloseClient {
		return g.client.Close()
	}
	return nil
}

// publish is best effort: a dropped event degrades other processes to TTL
// staleness, the same as any missed pub/sub message. Local state is already
// correct.
func (g *Gateway) publish(ctx context.Context, collection string, ev wireEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = g.client.Publish(ctx, g.channel(collection), payload).Err()
}

type feed struct {
	events    chan store.ChangeEvent
	ps        *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (f *feed) Events() <-chan store.ChangeEvent { return f.events }

func (f *feed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return f.ps.Close()
}

func (f *feed) pump(collection string) {
	defer close(f.events)
	ch := f.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue // malformed event; versions make skipping safe
			}
			out := store.ChangeEvent{
				Collection: collection,
				Key:        ev.Key,
				Op:         store.ChangeOp(ev.Op),
				Doc:        store.Document(ev.Doc),
				Version:    ev.Ver,
			}
			select {
			case f.events <- out:
			case <-f.done:
				return
			}
		case <-f.done:
			return
		}
	}
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return store.ErrNotFound
	case errors.Is(err, redis.ErrClosed):
		return store.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
