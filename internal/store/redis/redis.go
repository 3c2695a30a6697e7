package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/loykin/reportsink/internal/report"
	"github.com/loykin/reportsink/internal/store"
)

// DefaultKey is the list key used when the DSN does not name one.
const DefaultKey = "reportsink:reports"

// appendScript assigns the next id, pushes the entry and trims the list in
// one atomic step. Items are stored as "<seq>:<json>".
var appendScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('RPUSH', KEYS[2], seq .. ':' .. ARGV[1])
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[2]), -1)
local n = redis.call('LLEN', KEYS[2])
return {seq, n}
`)

// DB implements store.Store on a Redis list plus a counter key.
type DB struct {
	client    *redis.Client
	key       string
	seqKey    string
	retention int
}

// New connects using a redis:// URL. The optional "key" query parameter
// names the list; the counter lives under "<key>:seq".
func New(dsn string, retention int) (*DB, error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	key := q.Get("key")
	if key == "" {
		key = DefaultKey
	}
	q.Del("key")
	u.RawQuery = q.Encode()
	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), key, retention), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, key string, retention int) *DB {
	return &DB{
		client:    client,
		key:       key,
		seqKey:    key + ":seq",
		retention: store.Retention(retention),
	}
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *DB) Close() error { return s.client.Close() }

func (s *DB) Append(ctx context.Context, e report.Entry) (report.Entry, int, error) {
	e.SequenceID = 0
	b, err := json.Marshal(e)
	if err != nil {
		return report.Entry{}, 0, err
	}
	res, err := appendScript.Run(ctx, s.client, []string{s.seqKey, s.key}, string(b), s.retention).Slice()
	if err != nil {
		return report.Entry{}, 0, err
	}
	if len(res) != 2 {
		return report.Entry{}, 0, fmt.Errorf("unexpected append reply: %v", res)
	}
	seq, ok1 := res[0].(int64)
	n, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return report.Entry{}, 0, fmt.Errorf("unexpected append reply: %v", res)
	}
	e.SequenceID = seq
	return e, int(n), nil
}

func (s *DB) List(ctx context.Context, limit int) ([]report.Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	items, err := s.client.LRange(ctx, s.key, start, -1).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]report.Entry, 0, len(items))
	for _, it := range items {
		e, err := decodeItem(it)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return store.Newest(entries, limit), nil
}

func (s *DB) Count(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	return int(n), err
}

func decodeItem(it string) (report.Entry, error) {
	i := strings.IndexByte(it, ':')
	if i <= 0 {
		return report.Entry{}, errors.New("malformed report item")
	}
	seq, err := strconv.ParseInt(it[:i], 10, 64)
	if err != nil {
		return report.Entry{}, fmt.Errorf("malformed report item: %w", err)
	}
	var e report.Entry
	if err := json.Unmarshal([]byte(it[i+1:]), &e); err != nil {
		return report.Entry{}, fmt.Errorf("report %d: %w", seq, err)
	}
	e.SequenceID = seq
	return e, nil
}
