// Package engine owns the process-wide lifecycle: it instantiates
// Clock/Network/Storage/MessagePool once, builds the Shards this host
// is configured to run, starts every dependency leaves-first (Clock ->
// Network -> Storage -> Shards -> notifier thread) and reverses that
// order on Stop. It is the top-level object cmd/raftd constructs.
package engine

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/command"
	"github.com/cuemby/gondola/pkg/config"
	"github.com/cuemby/gondola/pkg/events"
	"github.com/cuemby/gondola/pkg/log"
	"github.com/cuemby/gondola/pkg/member"
	"github.com/cuemby/gondola/pkg/message"
	"github.com/cuemby/gondola/pkg/metrics"
	"github.com/cuemby/gondola/pkg/peer"
	"github.com/cuemby/gondola/pkg/raft"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/cuemby/gondola/pkg/savequeue"
	"github.com/cuemby/gondola/pkg/shard"
	"github.com/cuemby/gondola/pkg/storage"
)

// Options configures construction-time, non-dynamic knobs that don't
// belong in the hot-reloadable Config contract: where to put durable
// state, which Network implementation to use, and the SaveQueue
// worker count. The storage.impl/network.impl/clock.impl selectors
// resolve through the explicit registries in registry.go.
type Options struct {
	HostID        int
	DataDir       string
	SaveQueueSize int
	MessageBufCap int

	// NetworkFactory builds the Network this Engine uses for every
	// Shard. Defaults to an in-memory Loopback if nil, matching a
	// single-process multi-shard deployment or test harness; a real
	// cluster passes a factory that returns raftnet.NewTCP(...).
	NetworkFactory func() (raftnet.Network, error)

	// StorageFactory builds the Storage this Engine uses. Defaults to
	// a BoltDB store rooted at DataDir if nil.
	StorageFactory func(dataDir string) (storage.Store, error)

	// ClockFactory builds the Clock. Defaults to the real wall-clock
	// System if nil; tests pass one returning a shared clock.Mock.
	ClockFactory func() clock.Clock
}

func (o Options) withDefaults() Options {
	if o.SaveQueueSize <= 0 {
		o.SaveQueueSize = savequeue.DefaultWorkers
	}
	if o.MessageBufCap <= 0 {
		// Must fit one max-size command plus AppendEntries framing.
		o.MessageBufCap = 4 << 20
	}
	if o.NetworkFactory == nil {
		o.NetworkFactory = networkImpls["loopback"]
	}
	if o.StorageFactory == nil {
		o.StorageFactory = storageImpls["bolt"]
	}
	if o.ClockFactory == nil {
		o.ClockFactory = clockImpls["system"]
	}
	return o
}

type engineState int

const (
	stateNew engineState = iota
	stateRunning
	stateStopped
)

// Engine is the process-wide owner of every Shard hosted locally,
// plus the shared Network/Storage/Clock/MessagePool those Shards
// borrow for the Engine's lifetime.
type Engine struct {
	hostID int
	opts   Options
	cfg    config.Config

	mu     sync.Mutex
	state  engineState
	clk    clock.Clock
	net    raftnet.Network
	store  storage.Store
	pool   *message.Pool
	saveQ  *savequeue.SaveQueue
	broker *events.Broker

	shards map[int]*shard.Shard

	// byMember routes inbound channels (cross-shard slave attaches) to
	// the shard hosting the targeted member; peerSet tells configured
	// peers apart from slaves.
	byMember map[int]*shard.Shard
	peerSet  map[int]map[int]bool

	stopCh   chan struct{}
	acceptWg sync.WaitGroup
}

// New constructs an Engine bound to cfg's topology for hostID. Call
// Start to instantiate dependencies and begin serving; the Engine is
// inert (and safe to discard) until then. Explicit factories in opts
// win; otherwise the storage.impl/network.impl/clock.impl config keys
// pick from the registries in registry.go; otherwise the defaults.
func New(cfg config.Config, hostID int, opts Options) *Engine {
	if opts.StorageFactory == nil {
		if name, ok := cfg.Get("storage.impl"); ok {
			opts.StorageFactory = storageImpls[name]
		}
	}
	if opts.NetworkFactory == nil {
		if name, ok := cfg.Get("network.impl"); ok {
			opts.NetworkFactory = networkImpls[name]
		}
	}
	if opts.ClockFactory == nil {
		if name, ok := cfg.Get("clock.impl"); ok {
			if f, ok := clockImpls[name]; ok {
				opts.ClockFactory = f
			}
		}
	}
	return &Engine{
		hostID: hostID,
		opts:   opts.withDefaults(),
		cfg:    cfg,
		shards: make(map[int]*shard.Shard),
	}
}

// Start instantiates Clock, Network, Storage, and the MessagePool,
// constructs every Shard this host is listed for in the topology, and
// starts all dependencies leaves-first: Clock -> Network -> Storage ->
// Shards -> notifier thread. Start is not idempotent; call
// Stop before a second Start on a reused Engine.
func (e *Engine) Start(topology config.Topology) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateRunning {
		return fmt.Errorf("engine: already started")
	}
	if err := topology.Validate(); err != nil {
		return fmt.Errorf("engine: invalid topology: %w", err)
	}

	e.clk = e.opts.ClockFactory()

	net, err := e.opts.NetworkFactory()
	if err != nil {
		return fmt.Errorf("engine: create network: %w", err)
	}
	e.net = net

	dataDir := e.opts.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(".", fmt.Sprintf("gondola-host-%d", e.hostID))
	}
	store, err := e.opts.StorageFactory(dataDir)
	if err != nil {
		net.Close()
		return fmt.Errorf("engine: create storage: %w", err)
	}
	e.store = store

	e.pool = message.NewPool(e.opts.MessageBufCap)

	saveQSize := e.cfg.GetInt("gondola.command_queue_size", 1024)
	e.saveQ = savequeue.New(e.store, e.opts.SaveQueueSize, saveQSize)
	e.saveQ.Start()

	e.broker = events.NewBroker(256)

	hostMembers := topology.MembersOnHost(e.hostID)
	if len(hostMembers) == 0 {
		log.Logger.Warn().Int("host", e.hostID).Msg("engine: topology lists no members for this host")
	}

	byShard := make(map[int][]config.ShardMember)
	for _, sc := range topology.Shards {
		byShard[sc.ShardID] = sc.Members
	}

	e.byMember = make(map[int]*shard.Shard)
	e.peerSet = make(map[int]map[int]bool)

	for _, hm := range hostMembers {
		shardID := shardOf(topology, hm.MemberID)
		if _, ok := e.shards[shardID]; ok {
			continue
		}
		s, err := e.buildShard(shardID, hm.MemberID, byShard[shardID])
		if err != nil {
			e.rollbackStartedShards()
			e.saveQ.Stop()
			e.broker.Stop()
			e.store.Close()
			e.net.Close()
			return fmt.Errorf("engine: build shard %d: %w", shardID, err)
		}
		e.shards[shardID] = s
		e.byMember[hm.MemberID] = s
		peers := make(map[int]bool)
		for _, m := range byShard[shardID] {
			if m.MemberID != hm.MemberID {
				peers[m.MemberID] = true
			}
		}
		e.peerSet[hm.MemberID] = peers
	}

	for id, s := range e.shards {
		if err := s.Start(); err != nil {
			e.rollbackStartedShards()
			e.saveQ.Stop()
			e.broker.Stop()
			e.store.Close()
			e.net.Close()
			return fmt.Errorf("engine: start shard %d: %w", id, err)
		}
		metrics.RegisterComponent(fmt.Sprintf("shard-%d", id), true, "started")
	}
	e.broker.Start()

	e.stopCh = make(chan struct{})
	if inbound := e.net.Inbound(); inbound != nil {
		e.acceptWg.Add(1)
		go e.acceptLoop(inbound)
	}

	e.state = stateRunning
	log.Logger.Info().Int("host", e.hostID).Int("shards", len(e.shards)).Msg("engine: started")
	return nil
}

// acceptLoop drains remotely initiated channels from the Network.
// Channels from configured peers are dropped unread (their Peers own
// the connection); anything else is a cross-shard slave attaching to a
// locally hosted member.
func (e *Engine) acceptLoop(inbound <-chan raftnet.Inbound) {
	defer e.acceptWg.Done()
	for {
		select {
		case inb, ok := <-inbound:
			if !ok {
				return
			}
			e.attachInbound(inb)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) attachInbound(inb raftnet.Inbound) {
	e.mu.Lock()
	s, hosted := e.byMember[inb.LocalMember]
	configured := hosted && e.peerSet[inb.LocalMember][inb.RemoteMember]
	clk, pool, store := e.clk, e.pool, e.store
	e.mu.Unlock()
	if !hosted || configured {
		return
	}

	core := s.CoreMember()
	p := peer.NewInbound(s.ID, inb.LocalMember, inb.RemoteMember, inb.Ch, pool, store, core, clk, peer.DefaultOptions())
	core.AttachSlavePeer(inb.RemoteMember, p)
	log.Logger.Info().Int("member", inb.LocalMember).Int("slave", inb.RemoteMember).Msg("engine: inbound slave attached")
}

func (e *Engine) rollbackStartedShards() {
	for _, s := range e.shards {
		s.Stop()
	}
}

func shardOf(topology config.Topology, memberID int) int {
	for _, sc := range topology.Shards {
		for _, m := range sc.Members {
			if m.MemberID == memberID {
				return sc.ShardID
			}
		}
	}
	return -1
}

func (e *Engine) buildShard(shardID, localMemberID int, members []config.ShardMember) (*shard.Shard, error) {
	memberCfg := member.LoadConfig(e.cfg)
	peerOpts := peer.DefaultOptions()
	peerOpts.ChannelInactivityTimeout = e.cfg.GetDuration("gondola.channel_inactivity_timeout", peerOpts.ChannelInactivityTimeout)
	peerOpts.CreateSocketRetryPeriod = e.cfg.GetDuration("gondola.create_socket_retry_period", peerOpts.CreateSocketRetryPeriod)

	cmdQ := command.NewQueue(e.clk,
		e.cfg.GetInt("gondola.command_queue_size", 1024),
		memberCfg.CommandMaxSize,
		e.cfg.GetInt("gondola.wait_queue_throttle_size", 256),
	)

	peers := make(map[int]*peer.Peer)
	var core *member.CoreMember

	slaveFactory := func(targetShardID, masterMemberID int) (*peer.Peer, error) {
		return e.dialSlavePeer(shardID, localMemberID, targetShardID, masterMemberID, func() peer.IncomingSink {
			return core.NewSlaveSink()
		})
	}

	core = member.New(shardID, localMemberID, e.store, e.saveQ, cmdQ, e.clk, e.broker, peers, slaveFactory, memberCfg)

	for _, m := range members {
		if m.MemberID == localMemberID {
			continue
		}
		p := peer.New(shardID, localMemberID, m.MemberID, e.net, e.pool, e.store, core, e.clk, peerOpts)
		peers[m.MemberID] = p
	}

	return shard.New(shardID, localMemberID, core, peers, cmdQ, e.store), nil
}

// dialSlavePeer builds the dedicated Peer a member uses to pull a
// foreign shard's leader log while in slave mode. It is
// constructed lazily, on SetSlave, rather than up front with every
// other Peer, since the target shard/member is only known at call time.
func (e *Engine) dialSlavePeer(localShardID, localMemberID, targetShardID, masterMemberID int, sink func() peer.IncomingSink) (*peer.Peer, error) {
	if targetShardID == localShardID {
		return nil, raft.ErrSameShard
	}
	p := peer.New(localShardID, localMemberID, masterMemberID, e.net, e.pool, e.store, sink(), e.clk, peer.DefaultOptions())
	return p, nil
}

// Stop reverses Start's order: the notifier thread, then Shards, the
// SaveQueue, Storage, and Network. Idempotent: calling Stop on an
// already-stopped or never-started Engine is a no-op, and a stopped
// Engine can be Start-ed again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		return
	}
	e.state = stateStopped // claimed; a concurrent Stop returns above
	stopCh := e.stopCh
	e.mu.Unlock()

	// Stop the acceptor before taking the lock for teardown; it grabs
	// e.mu per event and must not be mid-attach while shards die.
	close(stopCh)
	e.acceptWg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.broker.Stop()
	for id, s := range e.shards {
		s.Stop()
		if err := e.saveQ.Shutdown(s.LocalMemberID); err != nil {
			log.Logger.Error().Err(err).Int("shard", id).Msg("engine: persist maxGap on shutdown failed")
		}
	}
	e.saveQ.Stop()
	if err := e.store.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("engine: close storage failed")
	}
	if err := e.net.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("engine: close network failed")
	}

	e.shards = make(map[int]*shard.Shard)
	e.byMember = nil
	e.peerSet = nil
	log.Logger.Info().Int("host", e.hostID).Msg("engine: stopped")
}

// GetShard returns the Shard for shardID if this Engine hosts a
// member of it.
func (e *Engine) GetShard(shardID int) (*shard.Shard, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.shards[shardID]
	return s, ok
}

// RegisterForRoleChanges registers a listener invoked, off the Raft
// hot path, whenever any locally hosted member's role changes.
// Returns a token to pass to Unregister.
func (e *Engine) RegisterForRoleChanges(fn func(events.RoleChange)) int {
	return e.broker.RegisterForRoleChanges(fn)
}

// UnregisterForRoleChanges removes a previously registered listener.
func (e *Engine) UnregisterForRoleChanges(token int) {
	e.broker.Unregister(token)
}
