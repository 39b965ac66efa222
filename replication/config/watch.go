package config

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Watch drives Store updates from a JSON-encoded Parameters document stored
// at key, re-reading it on every etcd watch event. It blocks until ctx is
// cancelled or the watch channel closes, returning nil on graceful
// cancellation.
func Watch(ctx context.Context, etcd *clientv3.Client, key string, store *Store) error {
	if resp, err := etcd.Get(ctx, key); err != nil {
		return errors.WithMessage(err, "initial config Get")
	} else if len(resp.Kvs) != 0 {
		if p, err := decode(resp.Kvs[0].Value); err != nil {
			log.WithError(err).WithField("key", key).Warn("config: ignoring malformed initial value")
		} else {
			store.Swap(p)
		}
	}

	var watchCh = etcd.Watch(ctx, key)
	for {
		select {
		case <-ctx.Done():
			return nil
		case wresp, ok := <-watchCh:
			if !ok {
				return nil
			}
			if err := wresp.Err(); err != nil {
				if errors.Cause(err) == context.Canceled {
					return nil
				}
				return errors.WithMessage(err, "config watch")
			}
			for _, ev := range wresp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				p, err := decode(ev.Kv.Value)
				if err != nil {
					log.WithError(err).WithField("key", key).Warn("config: ignoring malformed update")
					continue
				}
				log.WithField("key", key).Info("config: applying updated parameters")
				store.Swap(p)
			}
		}
	}
}

func decode(raw []byte) (Parameters, error) {
	var p = Default()
	if err := json.Unmarshal(raw, &p); err != nil {
		return Parameters{}, errors.WithMessage(err, "unmarshal Parameters")
	}
	return p, nil
}
