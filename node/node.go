package node

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/conn"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"

	"bftchain/consensus"
	"bftchain/libs/metric"
	"bftchain/mempool"
	"bftchain/privval"
	"bftchain/rpc"
	"bftchain/state"
	"bftchain/store"
	"bftchain/types"
)

type Provider func(*cfg.Config, log.Logger) (*Node, error)

// DBProvider opens the node's database. Swapped for a memory database in
// tests.
type DBProvider func(*cfg.Config) (tmdb.DB, error)

func DefaultDBProvider(config *cfg.Config) (tmdb.DB, error) {
	return leveldb.NewDB("chain", config.DBDir())
}

func MemDBProvider(*cfg.Config) (tmdb.DB, error) {
	return memdb.NewDB(), nil
}

// Node assembles the block store, pool, consensus state and their reactors
// into one service behind a p2p switch and an RPC server.
type Node struct {
	service.BaseService

	config *cfg.Config
	genDoc *types.GenesisDoc

	transport *p2p.MultiplexTransport
	sw        *p2p.Switch
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey

	kv          *store.KVStore
	mem         *mempool.ListMempool
	memReactor  *mempool.Reactor
	consensus   *consensus.State
	consReactor *consensus.Reactor
	metricSet   *metric.MetricSet

	rpcListeners []net.Listener
}

type Option func(*Node)

// DefaultNewNode loads everything a node needs from the config directory:
// node key, validator key and genesis file.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}
	pv := privval.LoadOrGenFilePV(config.PrivValidatorKeyFile(), config.PrivValidatorStateFile())

	return NewNode(config, pv, nodeKey, genDoc, DefaultDBProvider, logger)
}

func NewNode(
	config *cfg.Config,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
	dbProvider DBProvider,
	logger log.Logger,
	options ...Option,
) (*Node, error) {
	db, err := dbProvider(config)
	if err != nil {
		return nil, err
	}
	kv := store.NewKVStoreWithDB(db, logger.With("module", "store"))

	chainState, err := state.LoadState(genDoc, kv)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded chain state",
		"chain_id", chainState.ChainID,
		"height", chainState.LastBlockHeight,
		"head", chainState.LastBlockHash)

	mem := mempool.NewListMempool(config.Mempool, chainState.LastBlockHeight)
	mem.SetLogger(logger.With("module", "mempool"))
	memReactor := mempool.NewReactor(mem)
	memReactor.SetLogger(logger.With("module", "mempool"))

	blockExec := state.NewBlockExec(kv, store.NewKVApp(), mem)

	cs := consensus.NewState(chainState, privVal, blockExec, kv, mem)
	cs.SetLogger(logger.With("module", "consensus"))
	consReactor := consensus.NewReactor(cs)
	consReactor.SetLogger(logger.With("module", "consensus"))

	metricSet := metric.NewMetricSet()
	if err := metricSet.SetMetrics("mempool", mem.Metric()); err != nil {
		return nil, err
	}
	if err := metricSet.SetMetrics("consensus", cs.Metric()); err != nil {
		return nil, err
	}

	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	transport := createTransport(nodeInfo, nodeKey)
	sw := createSwitch(config, transport, memReactor, consReactor,
		nodeInfo, nodeKey, logger.With("module", "p2p"))

	node := &Node{
		config:      config,
		genDoc:      genDoc,
		transport:   transport,
		sw:          sw,
		nodeInfo:    nodeInfo,
		nodeKey:     nodeKey,
		kv:          kv,
		mem:         mem,
		memReactor:  memReactor,
		consensus:   cs,
		consReactor: consReactor,
		metricSet:   metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)

	for _, option := range options {
		option(node)
	}
	return node, nil
}

func createTransport(nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	return p2p.NewMultiplexTransport(nodeInfo, *nodeKey, conn.DefaultMConnConfig())
}

func createSwitch(
	config *cfg.Config,
	transport p2p.Transport,
	memReactor *mempool.Reactor,
	consReactor *consensus.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger,
) *p2p.Switch {
	sw := p2p.NewSwitch(config.P2P, transport)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("MEMPOOL", memReactor)
	sw.AddReactor("CONSENSUS", consReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(config *cfg.Config, nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(8, 11, 0),
		DefaultNodeID:   nodeKey.ID(),
		Network:         genDoc.ChainID,
		Version:         version.TMCoreSemVer,
		Channels: []byte{
			mempool.MempoolChannel,
			consensus.ConsensusChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

func (n *Node) Switch() *p2p.Switch           { return n.sw }
func (n *Node) NodeInfo() p2p.NodeInfo        { return n.nodeInfo }
func (n *Node) Consensus() *consensus.State   { return n.consensus }
func (n *Node) Mempool() mempool.Mempool      { return n.mem }
func (n *Node) BlockStore() *store.KVStore    { return n.kv }
func (n *Node) MetricSet() *metric.MetricSet  { return n.metricSet }
func (n *Node) GenesisDoc() *types.GenesisDoc { return n.genDoc }

func (n *Node) OnStart() error {
	addr, err := p2p.NewNetAddressString(
		p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// the switch starts the reactors, which start consensus
	if err := n.sw.Start(); err != nil {
		return err
	}

	if err := n.sw.DialPeersAsync(
		splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " ")); err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}
	return nil
}

func (n *Node) OnStop() {
	for _, l := range n.rpcListeners {
		if err := l.Close(); err != nil {
			n.Logger.Error("error closing rpc listener", "err", err)
		}
	}

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("error stopping switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("error closing transport", "err", err)
	}
}

func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   n.mem,
		Consensus: n.consensus,
		Store:     n.kv,
		MetricSet: n.metricSet,
	})

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	rpcLogger := n.Logger.With("module", "rpc-server")

	listeners := make([]net.Listener, 0, len(listenAddrs))
	for _, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

		config := rpcserver.DefaultConfig()
		config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
		config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes

		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				rpcLogger.Error("rpc server stopped", "err", err)
			}
		}()
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

// splitAndTrimEmpty slices s by sep, trims cutset from every element and
// drops the empty ones.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
