package pubsub

import (
	"strings"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/concurrency"
	"github.com/google/uuid"
)

// retainedHit is one matched retained value, with its full topic path
// reconstructed for delivery.
type retainedHit struct {
	topic   string
	payload []byte
}

// actor owns the radix tree for one root topic token (the first "/"-
// delimited segment). The manager routes every op to the actor derived
// from that token, bounding lock contention to unrelated root topics, per
// spec's per-root-topic actor model. root itself represents the node
// reached after consuming the literal root token, so every operation below
// works on the REMAINING segments of a pattern/topic.
type actor struct {
	segment string
	mu      *concurrency.SmartMutex
	root    *node
}

func newActor(segment string) *actor {
	return &actor{
		segment: segment,
		mu:      concurrency.NewSmartMutex(concurrency.MutexConfig{Name: "pubsub:" + segment}),
		root:    newNode(),
	}
}

// subscribe walks/creates nodes for tail (pattern with the root token
// already stripped), adds client to the terminal node's subscriber set, and
// returns every live retained value currently matching the full pattern.
func (a *actor) subscribe(tail []string, client uuid.UUID) []retainedHit {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.root
	for _, part := range tail {
		switch part {
		case "#":
			if cur.hash == nil {
				cur.hash = newNode()
			}
			cur.hash.subs[client] = struct{}{}
			cur = nil // '#' is terminal; no further descent
		case "+":
			if cur.plus == nil {
				cur.plus = newNode()
			}
			cur = cur.plus
		default:
			child, ok := cur.children[part]
			if !ok {
				child = newNode()
				cur.children[part] = child
			}
			cur = child
		}
		if cur == nil {
			break
		}
	}
	if len(tail) == 0 || tail[len(tail)-1] != "#" {
		if cur != nil {
			cur.subs[client] = struct{}{}
		}
	}

	now := nowMs()
	var hits []retainedHit
	collectRetained(a.root, tail, a.segment, now, &hits)
	return hits
}

// unsubscribe removes client from the node reached by tail, pruning empty
// nodes back up to (but not including) a.root.
func (a *actor) unsubscribe(tail []string, client uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removeRecursive(a.root, tail, client, nowMs())
}

// publish updates the retained value (if any) and returns every subscriber
// whose pattern matches tail.
func (a *actor) publish(tail []string, payload []byte, retain bool, ttlMs int64) map[uuid.UUID]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	if retain {
		cur := a.root
		for _, part := range tail {
			child, ok := cur.children[part]
			if !ok {
				child = newNode()
				cur.children[part] = child
			}
			cur = child
		}
		if len(payload) == 0 {
			cur.retained = nil // clear-on-empty-publish, per spec's recommended resolution
		} else {
			var expiresAt int64
			if ttlMs > 0 {
				expiresAt = nowMs() + ttlMs
			}
			cur.retained = &retained{payload: payload, expiresAt: expiresAt}
		}
	}

	results := make(map[uuid.UUID]struct{})
	matchRecursive(a.root, tail, results)
	return results
}

// isEmptyRoot reports whether this actor's tree holds nothing at all, used by
// the manager to decide whether to drop the actor entirely.
func (a *actor) isEmptyRoot() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root.isEmpty(nowMs())
}

func matchRecursive(n *node, parts []string, results map[uuid.UUID]struct{}) {
	if n.hash != nil {
		for c := range n.hash.subs {
			results[c] = struct{}{}
		}
	}
	if len(parts) == 0 {
		for c := range n.subs {
			results[c] = struct{}{}
		}
		return
	}
	head, tail := parts[0], parts[1:]
	if child, ok := n.children[head]; ok {
		matchRecursive(child, tail, results)
	}
	if n.plus != nil {
		matchRecursive(n.plus, tail, results)
	}
}

// collectRetained finds every live retained value matching pattern,
// rebuilding the full topic string (rooted at segment) for each hit.
// Expired retained values are purged in place as they're encountered.
func collectRetained(n *node, pattern []string, path string, now int64, out *[]retainedHit) {
	if len(pattern) == 0 {
		if n.retained != nil {
			if n.retained.expired(now) {
				n.retained = nil
			} else {
				*out = append(*out, retainedHit{topic: path, payload: n.retained.payload})
			}
		}
		return
	}

	head, tail := pattern[0], pattern[1:]
	switch head {
	case "#":
		collectAllRetainedBelow(n, path, now, out)
	case "+":
		for key, child := range n.children {
			collectRetained(child, tail, joinTopic(path, key), now, out)
		}
	default:
		if child, ok := n.children[head]; ok {
			collectRetained(child, tail, joinTopic(path, head), now, out)
		}
	}
}

func collectAllRetainedBelow(n *node, path string, now int64, out *[]retainedHit) {
	if n.retained != nil {
		if n.retained.expired(now) {
			n.retained = nil
		} else {
			*out = append(*out, retainedHit{topic: path, payload: n.retained.payload})
		}
	}
	for key, child := range n.children {
		collectAllRetainedBelow(child, joinTopic(path, key), now, out)
	}
}

// removeRecursive drops client from the node reached by parts and prunes
// any child that becomes empty on the way back up. Returns whether n itself
// is now empty (used by the caller to decide whether to unlink n).
func removeRecursive(n *node, parts []string, client uuid.UUID, now int64) bool {
	if len(parts) == 0 {
		delete(n.subs, client)
		return n.isEmpty(now)
	}

	head, tail := parts[0], parts[1:]
	switch head {
	case "#":
		if n.hash != nil {
			delete(n.hash.subs, client)
			if n.hash.isEmpty(now) {
				n.hash = nil
			}
		}
	case "+":
		if n.plus != nil {
			if removeRecursive(n.plus, tail, client, now) {
				n.plus = nil
			}
		}
	default:
		if child, ok := n.children[head]; ok {
			if removeRecursive(child, tail, client, now) {
				delete(n.children, head)
			}
		}
	}
	return n.isEmpty(now)
}

func joinTopic(path, next string) string {
	if path == "" {
		return next
	}
	return path + "/" + next
}

func splitTopic(topic string) []string {
	return strings.Split(topic, "/")
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
