package memory

import (
	"context"
	"sync/atomic"
)

// SingleNodeLeader always wins the election. It is used when no etcd cluster
// is configured and the dispatcher runs alone.
type SingleNodeLeader struct {
	leader atomic.Bool
	lost   chan struct{}
}

func NewSingleNodeLeader() *SingleNodeLeader {
	return &SingleNodeLeader{lost: make(chan struct{})}
}

func (l *SingleNodeLeader) Campaign(_ context.Context) (<-chan struct{}, error) {
	l.leader.Store(true)
	return l.lost, nil
}

func (l *SingleNodeLeader) Resign(_ context.Context) error {
	l.leader.Store(false)
	return nil
}

func (l *SingleNodeLeader) IsLeader() bool {
	return l.leader.Load()
}
