package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xuhaidong1/iothub/pkg/registry"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var typesMap = map[mvccpb.Event_EventType]registry.EventType{
	mvccpb.PUT:    registry.EventTypePut,
	mvccpb.DELETE: registry.EventTypeDelete,
}

type Registry struct {
	client *clientv3.Client
	sess   *concurrency.Session
	// 自己退出时，要取消订阅别人
	watchCancel []func()
	mutex       sync.RWMutex
}

func NewRegistry(client *clientv3.Client) (*Registry, error) {
	sess, err := concurrency.NewSession(client)
	if err != nil {
		return nil, err
	}
	return &Registry{
		client: client,
		sess:   sess,
	}, nil
}

// Register 注册的key绑定到session租约上，实例崩溃后自动过期下线
func (r *Registry) Register(ctx context.Context, ins registry.ServiceInstance) error {
	instanceKey := fmt.Sprintf("%s/%s", ins.ServiceName, ins.Address)
	val, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, instanceKey, string(val), clientv3.WithLease(r.sess.Lease()))
	return err
}

func (r *Registry) UnRegister(ctx context.Context, ins registry.ServiceInstance) error {
	instanceKey := fmt.Sprintf("%s/%s", ins.ServiceName, ins.Address)
	_, err := r.client.Delete(ctx, instanceKey)
	return err
}

// Subscribe 每次调用产生一个watch goroutine，Close时统一取消，防止泄露
func (r *Registry) Subscribe(serviceName string) (<-chan registry.Event, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ctx = clientv3.WithRequireLeader(ctx)
	r.mutex.Lock()
	r.watchCancel = append(r.watchCancel, cancel)
	r.mutex.Unlock()
	watchCh := r.client.Watch(ctx, serviceName, clientv3.WithPrefix())
	res := make(chan registry.Event)
	go func() {
		for resp := range watchCh {
			if resp.Canceled {
				return
			}
			if resp.Err() != nil {
				continue
			}
			for _, event := range resp.Events {
				var ins registry.ServiceInstance
				if er := json.Unmarshal(event.Kv.Value, &ins); er != nil {
					select {
					case res <- registry.Event{}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case res <- registry.Event{
					Type:     typesMap[event.Type],
					Instance: ins,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return res, nil
}

func (r *Registry) ListService(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	resp, err := r.client.Get(ctx, serviceName, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]registry.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ins registry.ServiceInstance
		if err = json.Unmarshal(kv.Value, &ins); err != nil {
			return nil, err
		}
		instances = append(instances, ins)
	}
	return instances, nil
}

func (r *Registry) Close() error {
	r.mutex.RLock()
	watchCancel := r.watchCancel
	r.mutex.RUnlock()
	for _, cancel := range watchCancel {
		cancel()
	}
	if err := r.sess.Close(); err != nil {
		return err
	}
	return r.client.Close()
}
