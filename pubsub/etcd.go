package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/synckit/syncserver/errs"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/wire"
)

const (
	loopbackTTL      = 5 * time.Minute
	loopbackCapacity = 4096
	keyRetention     = 1000
)

// Etcd is a Bus backed by go.etcd.io/etcd/client/v3's Watch API. Each
// logical channel (delta or awareness, per document) is an etcd key
// prefix; publishing is a Put under that prefix keyed by the message id,
// and subscribing opens a Watch on it. etcd has no native pub/sub, so
// the bus also compacts old keys to a bounded retention window.
type Etcd struct {
	client  *clientv3.Client
	prefix  string
	metrics *metrics.Collectors
	log     *logrus.Entry

	seen *expirable.LRU[string, struct{}]

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	count  int
}

// NewEtcd dials endpoints and returns an Etcd bus. prefix is prepended to
// every channel key (spec's redisChannelPrefix, e.g. "synckit:").
func NewEtcd(endpoints []string, prefix string, m *metrics.Collectors, log *logrus.Entry) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing etcd: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Etcd{
		client:  cli,
		prefix:  prefix,
		metrics: m,
		log:     log,
		seen:    expirable.NewLRU[string, struct{}](loopbackCapacity, nil, loopbackTTL),
		subs:    make(map[string]*subscription),
	}, nil
}

func (e *Etcd) deltaPrefix(docID string) string     { return e.prefix + "delta:" + docID + "/" }
func (e *Etcd) awarenessPrefix(docID string) string { return e.prefix + "awareness:" + docID + "/" }

func (e *Etcd) PublishDelta(ctx context.Context, docID string, msg wire.Message) error {
	return e.publish(ctx, "delta", e.deltaPrefix(docID), msg)
}

func (e *Etcd) PublishAwareness(ctx context.Context, docID string, msg wire.Message) error {
	return e.publish(ctx, "awareness", e.awarenessPrefix(docID), msg)
}

func (e *Etcd) publish(ctx context.Context, kind, keyPrefix string, msg wire.Message) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", kind, err)
	}
	e.seen.Add(msg.ID, struct{}{})

	key := keyPrefix + msg.ID
	if _, err := e.client.Put(ctx, key, string(payload)); err != nil {
		return errs.PubSub(err, "publishing %s to %s", kind, key)
	}
	if e.metrics != nil {
		e.metrics.PubSubPublishes.WithLabelValues(kind).Inc()
	}
	go e.compact(keyPrefix)
	return nil
}

// compact trims a channel's key prefix back to keyRetention entries,
// oldest first. Best-effort: a failed compaction just leaves the prefix
// temporarily larger.
func (e *Etcd) compact(keyPrefix string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := e.client.Get(ctx, keyPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		e.log.WithFields(logrus.Fields{"prefix": keyPrefix, "err": err}).Warn("pubsub: compaction get failed")
		return
	}
	if len(resp.Kvs) <= keyRetention {
		return
	}
	for _, kv := range resp.Kvs[:len(resp.Kvs)-keyRetention] {
		if _, err := e.client.Delete(ctx, string(kv.Key)); err != nil {
			e.log.WithFields(logrus.Fields{"key": string(kv.Key), "err": err}).Warn("pubsub: compaction delete failed")
		}
	}
}

// Subscribe opens (or, if docID is already subscribed, reference-counts)
// a watch over docID's delta and awareness prefixes. handler is invoked
// for every non-loopback event.
func (e *Etcd) Subscribe(_ context.Context, docID string, handler func(wire.Message)) error {
	e.mu.Lock()
	if sub, ok := e.subs[docID]; ok {
		sub.count++
		e.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	e.subs[docID] = &subscription{cancel: cancel, count: 1}
	e.mu.Unlock()

	go e.watchLoop(watchCtx, docID, handler)
	return nil
}

func (e *Etcd) Unsubscribe(docID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub, ok := e.subs[docID]
	if !ok {
		return nil
	}
	sub.count--
	if sub.count <= 0 {
		sub.cancel()
		delete(e.subs, docID)
	}
	return nil
}

func (e *Etcd) watchLoop(ctx context.Context, docID string, handler func(wire.Message)) {
	for ctx.Err() == nil {
		deltaCh := e.client.Watch(ctx, e.deltaPrefix(docID), clientv3.WithPrefix())
		awarenessCh := e.client.Watch(ctx, e.awarenessPrefix(docID), clientv3.WithPrefix())

		e.drain(ctx, deltaCh, awarenessCh, handler)

		if ctx.Err() != nil {
			return
		}
		if e.metrics != nil {
			e.metrics.PubSubReconnects.Inc()
		}
		e.log.WithFields(logrus.Fields{"docId": docID}).Warn("pubsub: watch channel closed, resubscribing")
		time.Sleep(time.Second)
	}
}

func (e *Etcd) drain(ctx context.Context, deltaCh, awarenessCh clientv3.WatchChan, handler func(wire.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-deltaCh:
			if !ok {
				return
			}
			e.handleResponse(resp, "delta", handler)
		case resp, ok := <-awarenessCh:
			if !ok {
				return
			}
			e.handleResponse(resp, "awareness", handler)
		}
	}
}

func (e *Etcd) handleResponse(resp clientv3.WatchResponse, kind string, handler func(wire.Message)) {
	if err := resp.Err(); err != nil {
		e.log.WithFields(logrus.Fields{"kind": kind, "err": err}).Warn("pubsub: watch error")
		return
	}
	for _, ev := range resp.Events {
		if ev.Type != mvccpb.PUT {
			continue
		}
		msg, loopback, err := classifyEvent(ev.Kv.Value, e.seen)
		if err != nil {
			e.log.WithFields(logrus.Fields{"kind": kind, "err": err}).Warn("pubsub: malformed event payload")
			continue
		}
		if loopback {
			if e.metrics != nil {
				e.metrics.PubSubLoopbackDrops.Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.PubSubDeliveries.WithLabelValues(kind).Inc()
		}
		handler(msg)
	}
}

// classifyEvent unmarshals a watch event's value and reports whether its
// message id is one this bus itself published (a loopback). Split out
// from handleResponse so it is testable without a live etcd client. A
// matched id is removed from seen, per the drop contract ("removing the
// id"), so a republish of the same id later is not mistaken for a
// loopback of the original publish.
func classifyEvent(value []byte, seen *expirable.LRU[string, struct{}]) (wire.Message, bool, error) {
	var msg wire.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return wire.Message{}, false, fmt.Errorf("unmarshaling event: %w", err)
	}
	isLoopback := seen.Remove(msg.ID)
	return msg, isLoopback, nil
}

func (e *Etcd) IsConnected() bool {
	_, err := e.client.Status(context.Background(), e.client.Endpoints()[0])
	return err == nil
}

func (e *Etcd) Disconnect(context.Context) error {
	e.mu.Lock()
	for docID, sub := range e.subs {
		sub.cancel()
		delete(e.subs, docID)
	}
	e.mu.Unlock()
	return e.client.Close()
}
