package stream

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chris-alexander-pop/msgbroker/pkg/concurrency"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/logger"
	"github.com/chris-alexander-pop/msgbroker/pkg/stream/persistence"
	"github.com/google/uuid"
)

// Manager owns every declared topic and consumer group. Groups are keyed
// by group id alone (not by topic): a group's bound topic lives on the
// group itself, set the first time it is joined, the same registry shape
// as the source's single group-id-keyed map.
type Manager struct {
	mu     sync.RWMutex
	topics map[string]*Topic
	groups map[string]*group

	// clientGroups: client -> set of group ids it has joined, for
	// disconnect cleanup (mirrors pkg/pubsub's reverse index).
	clientMu     sync.Mutex
	clientGroups map[uuid.UUID]map[string]struct{}

	rootDir       string
	sweepEveryMs  int64
	retentionPool *concurrency.WorkerPool
	stopSweep     context.CancelFunc
	sweepWG       sync.WaitGroup
	defaults      TopicConfig
}

// NewManager constructs an empty manager rooted at rootDir, where
// file_sync/file_async topics each get their own "<name>/" directory of
// segment files.
func NewManager(rootDir string, sweepEveryMs int64) *Manager {
	return &Manager{
		topics:        make(map[string]*Topic),
		groups:        make(map[string]*group),
		clientGroups:  make(map[uuid.UUID]map[string]struct{}),
		rootDir:       rootDir,
		sweepEveryMs:  sweepEveryMs,
		retentionPool: concurrency.NewWorkerPool(2, 64),
		defaults:      DefaultTopicConfig(),
	}
}

// SetDefaultTopicConfig overrides the TopicConfig CREATE options are merged
// onto when a field is left unset, normally populated from
// STREAM_PARTITIONS, STREAM_DEFAULT_RETENTION_AGE_MS and
// STREAM_DEFAULT_RETENTION_BYTES at startup, before any topic is declared.
func (m *Manager) SetDefaultTopicConfig(cfg TopicConfig) {
	cfg.applyDefaults()
	m.mu.Lock()
	m.defaults = cfg
	m.mu.Unlock()
}

// DefaultTopicConfig returns the TopicConfig new topics fall back to.
func (m *Manager) DefaultTopicConfig() TopicConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaults
}

// Start begins the retention sweep loop. Safe to call once, after Recover.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.stopSweep = cancel
	m.retentionPool.Start(ctx)

	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(m.sweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepAll()
			}
		}
	}()
}

// Stop halts the retention sweep loop and its worker pool.
func (m *Manager) Stop() {
	if m.stopSweep != nil {
		m.stopSweep()
	}
	m.sweepWG.Wait()
	m.retentionPool.Stop()
}

func (m *Manager) sweepInterval() time.Duration {
	if m.sweepEveryMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(m.sweepEveryMs) * time.Millisecond
}

func (m *Manager) sweepAll() {
	m.mu.RLock()
	topics := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.RUnlock()

	for _, t := range topics {
		topic := t
		m.retentionPool.Submit(func(ctx context.Context) {
			topic.sweepRetention()
		})
	}
}

// sweepRetention enforces max-age-ms and max-bytes per partition, whole
// records at a time (never splitting a record).
func (t *Topic) sweepRetention() {
	now := nowMs()
	for _, p := range t.partitions {
		if t.Config.Retention.MaxAgeMs > 0 {
			p.evictOlderThan(now - t.Config.Retention.MaxAgeMs)
		}
		if t.Config.Retention.MaxBytes > 0 {
			p.evictBytes(t.Config.Retention.MaxBytes)
		}
	}
}

// Recover scans rootDir for existing topic directories and warm-starts
// each one: partition count is inferred from the number of "<n>.log"
// segment files present, since partition count is otherwise not itself
// persisted anywhere. Topics are recovered in PersistenceSync mode so that
// no durability window is reopened silently. A recovered topic stays in
// Sync mode: no call changes an existing topic's persistence mode.
func (m *Manager) Recover() error {
	entries, err := os.ReadDir(m.rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read stream persistence root")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if err := m.recoverOne(name); err != nil {
			return errors.Wrap(err, "recover stream topic "+name)
		}
	}
	return nil
}

func (m *Manager) recoverOne(name string) error {
	dir := filepath.Join(m.rootDir, name)
	files, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var partitions uint32
	for _, f := range files {
		if !f.IsDir() && filepath.Ext(f.Name()) == ".log" && f.Name() != "commits.log" {
			partitions++
		}
	}
	if partitions == 0 {
		return nil
	}

	cfg := DefaultTopicConfig()
	cfg.Partitions = partitions
	cfg.Persistence = PersistenceSync

	t, err := m.openTopic(name, cfg)
	if err != nil {
		return err
	}

	recovered := persistence.Recover(dir, partitions)
	for pid, records := range recovered.Partitions {
		p := t.partition(pid)
		if p == nil {
			continue
		}
		msgs := make([]Message, len(records))
		for i, r := range records {
			msgs[i] = Message{Offset: r.Offset, Timestamp: r.Timestamp, Payload: r.Payload}
		}
		p.restoreFromLog(msgs)
	}

	m.mu.Lock()
	m.topics[name] = t
	for groupID, rg := range recovered.Groups {
		g := newGroup(groupID, name)
		g.generation = rg.Generation
		for p, off := range rg.Offsets {
			g.committed[p] = off
		}
		m.groups[groupID] = g
	}
	m.mu.Unlock()

	logger.L().Info("recovered stream topic", "topic", name, "partitions", partitions, "groups", len(recovered.Groups))
	return nil
}

// CreateTopic declares a new topic. Returns AlreadyExists if name is taken.
func (m *Manager) CreateTopic(name string, cfg TopicConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[name]; ok {
		return errors.New(errors.CodeAlreadyExists, "topic already exists: "+name, nil)
	}
	t, err := m.openTopic(name, cfg)
	if err != nil {
		return err
	}
	m.topics[name] = t
	return nil
}

func (m *Manager) openTopic(name string, cfg TopicConfig) (*Topic, error) {
	var writer *persistence.Writer
	if cfg.Persistence != PersistenceMemory {
		pcfg := persistence.Config{
			RootDir:    filepath.Join(m.rootDir, name),
			Partitions: cfg.Partitions,
		}
		switch cfg.Persistence {
		case PersistenceSync:
			pcfg.Mode = persistence.ModeSync
		default:
			pcfg.Mode = persistence.ModeAsync
			pcfg.FlushEvery = cfg.FlushMs
			pcfg.BatchSize = 1000
		}
		w, err := persistence.NewWriter(pcfg)
		if err != nil {
			return nil, errors.Wrap(err, "open stream persistence")
		}
		writer = w
	}
	return newTopic(name, cfg, writer), nil
}

// Close stops every declared topic's persistence writer, used on server
// shutdown. It does not remove any persisted directory. Callers should stop
// the retention sweep (Stop) separately.
func (m *Manager) Close() {
	m.mu.Lock()
	topics := make([]*Topic, 0, len(m.topics))
	for _, t := range m.topics {
		topics = append(topics, t)
	}
	m.mu.Unlock()

	for _, t := range topics {
		t.Close()
	}
}

// Exists reports whether name has been declared.
func (m *Manager) Exists(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.topics[name]
	return ok
}

func (m *Manager) getTopic(name string) (*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[name]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "topic not found: "+name, nil)
	}
	return t, nil
}

// DeleteTopic stops the topic's writer, removes every group bound to it,
// and drops its persisted directory, if any.
func (m *Manager) DeleteTopic(name string) error {
	m.mu.Lock()
	t, ok := m.topics[name]
	if ok {
		delete(m.topics, name)
		for id, g := range m.groups {
			if g.topic == name {
				delete(m.groups, id)
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return errors.New(errors.CodeNotFound, "topic not found: "+name, nil)
	}

	t.Close()
	path := filepath.Join(m.rootDir, name)
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrap(err, "remove stream topic directory")
	}
	return nil
}

// Publish appends payload to the topic, choosing a partition from key (may
// be nil), and returns the assigned partition and message. The topic must
// already exist (strict mode, matching the source's publish).
func (m *Manager) Publish(topicName string, key, payload []byte) (uint32, Message, error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return 0, Message{}, err
	}
	p, msg := t.Publish(key, payload)
	return p, msg, nil
}

// Read performs a raw (non-group) fetch from one partition. If clientID is
// a member of a group bound to topicName and that group has NOT assigned
// it partitionID, it returns no messages even though the raw offsets would
// otherwise be visible — a client that has been rebalanced away from a
// partition should not keep draining it on the side.
func (m *Manager) Read(topicName string, partitionID uint32, offset uint64, limit int, clientID uuid.UUID) ([]Message, chan struct{}, error) {
	if clientID != uuid.Nil && !m.ownsOrUngrouped(topicName, partitionID, clientID) {
		return nil, nil, nil
	}

	t, err := m.getTopic(topicName)
	if err != nil {
		return nil, nil, err
	}
	msgs, wait, ok := t.Read(partitionID, offset, limit)
	if !ok {
		return nil, nil, errors.New(errors.CodeInvalidArgument, "unknown partition", nil)
	}
	return msgs, wait, nil
}

// ownsOrUngrouped reports whether clientID may read partitionID on
// topicName: true if the client belongs to no group bound to that topic,
// or if it does and that group has assigned it the partition.
func (m *Manager) ownsOrUngrouped(topicName string, partitionID uint32, clientID uuid.UUID) bool {
	m.clientMu.Lock()
	ids := make([]string, 0, len(m.clientGroups[clientID]))
	for id := range m.clientGroups[clientID] {
		ids = append(ids, id)
	}
	m.clientMu.Unlock()

	for _, id := range ids {
		g, ok := m.lookupGroup(id)
		if !ok || g.topic != topicName {
			continue
		}
		if !g.owns(clientID, partitionID) {
			return false
		}
	}
	return true
}

func (m *Manager) getOrCreateGroup(groupID, topicName string) *group {
	m.mu.RLock()
	g, ok := m.groups[groupID]
	m.mu.RUnlock()
	if ok {
		return g
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[groupID]; ok {
		return g
	}
	g = newGroup(groupID, topicName)
	m.groups[groupID] = g
	return g
}

// JoinGroup ensures the topic exists, gets-or-creates the group bound to
// topicName, adds clientID as a member, rebalances, and returns the
// resulting generation and this client's assigned partitions with their
// committed offsets.
func (m *Manager) JoinGroup(groupID, topicName string, clientID uuid.UUID) (uint64, []PartitionOffset, error) {
	t, err := m.getTopic(topicName)
	if err != nil {
		return 0, nil, err
	}

	g := m.getOrCreateGroup(groupID, topicName)
	gen, assignment := g.join(clientID, t.Partitions())

	m.clientMu.Lock()
	if m.clientGroups[clientID] == nil {
		m.clientGroups[clientID] = make(map[string]struct{})
	}
	m.clientGroups[clientID][groupID] = struct{}{}
	m.clientMu.Unlock()

	return gen, assignment, nil
}

// CommitOffset validates, in order: topic exists, group exists and is
// bound to topicName, generation matches (epoch fencing), clientID owns
// partition, then records the commit and durably logs it.
func (m *Manager) CommitOffset(groupID, topicName string, partition uint32, offset, generation uint64, clientID uuid.UUID) error {
	if !m.Exists(topicName) {
		return errors.New(errors.CodeNotFound, "topic not found: "+topicName, nil)
	}
	g, ok := m.lookupGroup(groupID)
	if !ok {
		return errors.New(errors.CodeNotFound, "consumer group not found: "+groupID, nil)
	}
	if g.topic != topicName {
		return errors.New(errors.CodeInvalidArgument, "group is bound to a different topic", nil)
	}
	if !g.checkFence(generation) {
		return errors.New(errors.CodeFenced, "rebalance needed", nil)
	}
	if !g.owns(clientID, partition) {
		return errors.New(errors.CodeNotOwner, "client does not own partition", nil)
	}

	g.commit(partition, offset)

	if t, err := m.getTopic(topicName); err == nil {
		t.submitCommit(persistence.OpCommit{Generation: generation, Partition: partition, Offset: offset, GroupID: groupID})
	}
	return nil
}

// FetchGroup applies the same epoch + ownership checks as CommitOffset
// before reading.
func (m *Manager) FetchGroup(groupID, topicName string, clientID uuid.UUID, generation uint64, partition uint32, offset uint64, limit int) ([]Message, error) {
	g, ok := m.lookupGroup(groupID)
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "consumer group not found: "+groupID, nil)
	}
	if g.topic != topicName {
		return nil, errors.New(errors.CodeInvalidArgument, "group is bound to a different topic", nil)
	}
	if !g.checkFence(generation) {
		return nil, errors.New(errors.CodeFenced, "rebalance needed", nil)
	}
	if !g.owns(clientID, partition) {
		return nil, errors.New(errors.CodeNotOwner, "client does not own partition", nil)
	}

	t, err := m.getTopic(topicName)
	if err != nil {
		return nil, err
	}
	msgs, _, ok := t.Read(partition, offset, limit)
	if !ok {
		return nil, errors.New(errors.CodeInvalidArgument, "unknown partition", nil)
	}
	return msgs, nil
}

// LeaveGroup removes clientID from the group and rebalances the
// remainder against the group's bound topic's current partition count. A
// no-op if the group doesn't exist.
func (m *Manager) LeaveGroup(groupID string, clientID uuid.UUID) {
	g, ok := m.lookupGroup(groupID)
	if !ok {
		return
	}
	var partitions uint32
	if t, err := m.getTopic(g.topic); err == nil {
		partitions = t.Partitions()
	}
	g.leave(clientID, partitions)

	m.clientMu.Lock()
	if set, ok := m.clientGroups[clientID]; ok {
		delete(set, groupID)
	}
	m.clientMu.Unlock()
}

// Disconnect removes clientID from every group it had joined, triggering a
// rebalance in each, and purges the client↔group reverse index.
func (m *Manager) Disconnect(clientID uuid.UUID) {
	m.clientMu.Lock()
	ids := m.clientGroups[clientID]
	delete(m.clientGroups, clientID)
	m.clientMu.Unlock()

	for id := range ids {
		m.LeaveGroup(id, clientID)
	}
}

func (m *Manager) lookupGroup(groupID string) (*group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	return g, ok
}

// GroupSnapshot returns a point-in-time view of groupID's membership and
// committed offsets, for the out-of-scope dashboard/CLI named in spec §1
// (the dashboard itself is a Non-goal; this read-only accessor is the
// external interface it would consume).
func (m *Manager) GroupSnapshot(groupID string) (GroupSnapshot, bool) {
	g, ok := m.lookupGroup(groupID)
	if !ok {
		return GroupSnapshot{}, false
	}
	return g.snapshot(), true
}

// TopicSnapshot returns a point-in-time view of name's per-partition
// bounds (start/next offset, byte size), for the same dashboard surface as
// GroupSnapshot.
func (m *Manager) TopicSnapshot(name string) (TopicSnapshot, bool) {
	m.mu.RLock()
	t, ok := m.topics[name]
	m.mu.RUnlock()
	if !ok {
		return TopicSnapshot{}, false
	}
	return t.Snapshot(), true
}
