// Package predlog streams every inference response into
// ml_prediction_log without ever blocking the request path.
//
// Record does a non-blocking hand-off to an in-process buffer; a writer
// appends buffered entries to the synapse:predlog stream, and a single
// consumer-group reader drains the stream into the data plane in
// batches. Anything that cannot be handed off immediately is dropped
// and counted.
package predlog

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/fluentloop/synapse/internal/logging"
	"github.com/fluentloop/synapse/internal/metrics"
	"github.com/fluentloop/synapse/internal/store"
)

const (
	stream        = "synapse:predlog"
	consumerGroup = "predlog"

	batchSize    = 100
	maxStreamLen = 10000
)

// Entry is one inference response record.
type Entry struct {
	Service        string
	Endpoint       string
	UserID         string
	LatencyMs      float64
	CacheHit       bool
	ModelVersion   string
	ResponseDigest string
}

// Digest fingerprints a response body for the log.
func Digest(body []byte) string {
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

// Sink is the slice of the store the recorder writes to.
type Sink interface {
	InsertPredictionLog(ctx context.Context, entries []store.PredictionLogEntry) error
}

// Recorder is the buffered prediction logger.
type Recorder struct {
	rdb        *redis.Client
	sink       Sink
	log        zerolog.Logger
	buf        chan Entry
	flushEvery time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a recorder on a shared Redis client.
func New(rdb *redis.Client, sink Sink, log zerolog.Logger) *Recorder {
	return &Recorder{
		rdb:        rdb,
		sink:       sink,
		log:        log,
		buf:        make(chan Entry, 1024),
		flushEvery: 5 * time.Second,
	}
}

// Record hands an entry off for async persistence. Never blocks; a full
// buffer drops the entry.
func (r *Recorder) Record(e Entry) {
	select {
	case r.buf <- e:
	default:
		metrics.PredictionLogDropped.Inc()
		r.log.Warn().Str("service", e.Service).Msg("prediction log buffer full, entry dropped")
	}
}

// Start launches the stream writer and the batch consumer.
func (r *Recorder) Start(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create predlog group: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.writeLoop(ctx)
	go r.drainLoop(ctx)
	return nil
}

// Stop flushes the in-process buffer and halts both loops. Entries
// already on the stream survive the restart via the consumer group.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// writeLoop moves buffered entries onto the stream.
func (r *Recorder) writeLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.buf:
			r.append(ctx, e)
		case <-ctx.Done():
			// Final drain with a detached deadline.
			drainCtx, cancel := logging.DetachContextWithTimeout(ctx, 2*time.Second)
			for {
				select {
				case e := <-r.buf:
					r.append(drainCtx, e)
				default:
					cancel()
					return
				}
			}
		}
	}
}

func (r *Recorder) append(ctx context.Context, e Entry) {
	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]interface{}{
			"service":         e.Service,
			"endpoint":        e.Endpoint,
			"user_id":         e.UserID,
			"latency_ms":      strconv.FormatFloat(e.LatencyMs, 'f', -1, 64),
			"cache_hit":       strconv.FormatBool(e.CacheHit),
			"model_version":   e.ModelVersion,
			"response_digest": e.ResponseDigest,
			"created":         strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Err()
	if err != nil {
		metrics.PredictionLogDropped.Inc()
		r.log.Warn().Err(err).Msg("prediction log append failed, entry dropped")
	}
}

// drainLoop reads stream batches and inserts them through the store.
func (r *Recorder) drainLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: "drainer",
			Streams:  []string{stream, ">"},
			Count:    batchSize,
			Block:    r.flushEvery,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Msg("prediction log read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, result := range results {
			r.flush(ctx, result.Messages)
		}
	}
}

// flush inserts one batch. Best effort: a failed insert is dropped, the
// batch is acked either way so a poisoned row cannot wedge the stream.
func (r *Recorder) flush(ctx context.Context, msgs []redis.XMessage) {
	if len(msgs) == 0 {
		return
	}

	rows := make([]store.PredictionLogEntry, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		rows = append(rows, rowFromValues(msg.Values))
		ids = append(ids, msg.ID)
	}

	if err := r.sink.InsertPredictionLog(ctx, rows); err != nil {
		metrics.PredictionLogDropped.Add(float64(len(rows)))
		r.log.Warn().Err(err).Int("batch", len(rows)).Msg("prediction log insert failed, batch dropped")
	}

	r.rdb.XAck(ctx, stream, consumerGroup, ids...)
	r.rdb.XDel(ctx, stream, ids...)
}

func rowFromValues(values map[string]interface{}) store.PredictionLogEntry {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	latency, _ := strconv.ParseFloat(str("latency_ms"), 64)
	cacheHit, _ := strconv.ParseBool(str("cache_hit"))
	created, _ := strconv.ParseInt(str("created"), 10, 64)
	if created == 0 {
		created = time.Now().Unix()
	}

	return store.PredictionLogEntry{
		Service:        str("service"),
		Endpoint:       str("endpoint"),
		UserID:         str("user_id"),
		LatencyMs:      latency,
		CacheHit:       cacheHit,
		ModelVersion:   str("model_version"),
		ResponseDigest: str("response_digest"),
		CreatedAt:      time.Unix(created, 0).UTC(),
	}
}
