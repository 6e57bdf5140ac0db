package etcd

import (
	"math"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KeyPrefix is the root of every key this service writes to etcd.
const KeyPrefix = "/dispatch/"

func NewClient(endpoints []string, timeout time.Duration) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}

// leaseSeconds rounds d up to whole seconds; etcd leases cannot be shorter
// than one second.
func leaseSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
