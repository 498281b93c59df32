// Package pubsub implements the topic-tree broker: MQTT-style wildcard
// subscriptions, retained messages with optional TTL, and fan-out delivery
// to per-client push channels.
package pubsub

import "github.com/google/uuid"

// retained is the last-value-cache entry at a node. expiresAt is 0 when the
// value has no TTL.
type retained struct {
	payload   []byte
	expiresAt int64
}

func (r *retained) expired(now int64) bool {
	return r != nil && r.expiresAt > 0 && now >= r.expiresAt
}

// node is one level of a topic-tree actor's radix tree: three child classes
// (exact, plus, hash) plus a subscriber set and an optional retained value.
// A node is empty iff all of those are empty/absent — see isEmpty.
type node struct {
	children map[string]*node
	plus     *node
	hash     *node
	subs     map[uuid.UUID]struct{}
	retained *retained
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
		subs:     make(map[uuid.UUID]struct{}),
	}
}

func (n *node) isEmpty(now int64) bool {
	retainedLive := n.retained != nil && !n.retained.expired(now)
	return len(n.subs) == 0 && len(n.children) == 0 && n.plus == nil && n.hash == nil && !retainedLive
}
