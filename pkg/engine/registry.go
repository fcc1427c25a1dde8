package engine

import (
	"fmt"
	"os"

	"github.com/cuemby/gondola/pkg/clock"
	"github.com/cuemby/gondola/pkg/raftnet"
	"github.com/cuemby/gondola/pkg/storage"
)

// Explicit (name -> factory) registries replacing the original's
// reflection-based plugin loading: the storage.impl / network.impl /
// clock.impl config keys select an entry at Engine construction.
// Implementations needing more than a name to construct (the TCP
// Network wants a listen address and an address resolver) are wired
// through Options by the embedder instead; see cmd/raftd.

var storageImpls = map[string]func(dataDir string) (storage.Store, error){
	"bolt": func(dataDir string) (storage.Store, error) {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create data dir %s: %w", dataDir, err)
		}
		return storage.NewBoltStorage(dataDir)
	},
	"memory": func(string) (storage.Store, error) {
		return storage.NewMemoryStorage(), nil
	},
}

var networkImpls = map[string]func() (raftnet.Network, error){
	"loopback": func() (raftnet.Network, error) { return raftnet.NewLoopback(), nil },
}

var clockImpls = map[string]func() clock.Clock{
	"system": func() clock.Clock { return clock.NewSystem() },
}
