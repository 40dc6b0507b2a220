package xmit

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/romshark/ampdu-go/baw"
	"github.com/romshark/ampdu-go/descring"
	"github.com/romshark/ampdu-go/seqno"
)

const (
	// NumTIDs is the number of QoS traffic identifiers per peer.
	NumTIDs = 16
	// NumACs is the number of WMM access categories.
	NumACs = 4

	// mgmtTID carries management and non-QoS frames of a node.
	mgmtTID = NumTIDs

	// IEEE80211_HTCAP_MAXRXAMPDU_FACTOR
	maxRxAMPDUFactor = 13
	maxAMPDUFactor   = 3
)

// PeerID is the MAC address of a peer station.
type PeerID [6]byte

func ParsePeerID(s string) (PeerID, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(hw) != 6 {
		return PeerID{}, fmt.Errorf("%q is not an EUI-48 address", s)
	}
	return PeerIDFrom(hw), nil
}

func PeerIDFrom(hw net.HardwareAddr) (p PeerID) {
	copy(p[:], hw)
	return p
}

func (p PeerID) HardwareAddr() net.HardwareAddr { return net.HardwareAddr(p[:]) }
func (p PeerID) String() string                 { return p.HardwareAddr().String() }

// AC is a WMM access category.
type AC int

const (
	ACBestEffort AC = iota
	ACBackground
	ACVideo
	ACVoice
)

func (a AC) String() string {
	switch a {
	case ACBestEffort:
		return "BE"
	case ACBackground:
		return "BK"
	case ACVideo:
		return "VI"
	case ACVoice:
		return "VO"
	}
	return fmt.Sprintf("ac(%d)", int(a))
}

// TIDToAC maps a traffic identifier to its access category
// (TID_TO_WME_AC).
func TIDToAC(tid uint8) AC {
	switch tid {
	case 0, 3:
		return ACBestEffort
	case 1, 2:
		return ACBackground
	case 4, 5:
		return ACVideo
	}
	return ACVoice
}

type NodeConfig struct {
	// HT enables A-MPDU aggregation towards the peer.
	HT bool
	// MaxAMPDUFactor is the peer's advertised maximum A-MPDU length
	// exponent (0..3): the peer accepts 2^(13+factor)-1 bytes.
	MaxAMPDUFactor int
	// Key is the pairwise key frames to the peer are encrypted with.
	Key      descring.KeyType
	KeyIndex uint32
}

func (c *NodeConfig) ValidateAndSetDefaults() error {
	if c.MaxAMPDUFactor < 0 || c.MaxAMPDUFactor > maxAMPDUFactor {
		return fmt.Errorf("MaxAMPDUFactor %d out of range [0,%d]",
			c.MaxAMPDUFactor, maxAMPDUFactor)
	}
	return nil
}

// Node is the transmit state for one peer.
type Node struct {
	peer     PeerID
	ht       bool
	maxAMPDU int

	tids [NumTIDs + 1]*tid
	acs  [NumACs]*ac

	keyLock  sync.Mutex
	key      descring.KeyType
	keyIndex uint32

	destroyed atomic.Bool
}

func (n *Node) Peer() PeerID { return n.peer }

// MaxAMPDU returns the longest aggregate the peer accepts.
func (n *Node) MaxAMPDU() int { return n.maxAMPDU }

// SetKey changes the pairwise key used for frames queued from now on.
func (n *Node) SetKey(k descring.KeyType, index uint32) {
	n.keyLock.Lock()
	n.key, n.keyIndex = k, index
	n.keyLock.Unlock()
}

func (n *Node) keyInfo() (descring.KeyType, uint32) {
	n.keyLock.Lock()
	defer n.keyLock.Unlock()
	return n.key, n.keyIndex
}

// Session returns the block-ack session state of tid.
func (n *Node) Session(tid uint8) SessionState {
	if int(tid) >= NumTIDs {
		return SessionIdle
	}
	t := n.tids[tid]
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Window returns the block-ack window start and size of tid.
func (n *Node) Window(tid uint8) (start, next seqno.Seq, size int) {
	if int(tid) >= NumTIDs {
		return 0, 0, 0
	}
	t := n.tids[tid]
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.win.Start(), t.win.Next(), t.win.Size()
}

// CreateNode allocates per-TID and per-AC state for peer.
func (e *Engine) CreateNode(peer PeerID, conf NodeConfig) (*Node, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	n := &Node{
		peer:     peer,
		ht:       conf.HT,
		maxAMPDU: 1<<(maxRxAMPDUFactor+conf.MaxAMPDUFactor) - 1,
		key:      conf.Key,
		keyIndex: conf.KeyIndex,
	}
	for i := range n.acs {
		n.acs[i] = &ac{num: AC(i), q: e.queues[e.conf.ACQueues[i]]}
	}
	for i := range n.tids {
		t := &tid{
			node: n,
			num:  uint8(i),
			win:  baw.New(0, baw.MaxSize),
		}
		if i == mgmtTID {
			t.mgmt = true
			t.ac = n.acs[ACVoice]
		} else {
			t.ac = n.acs[TIDToAC(uint8(i))]
		}
		n.tids[i] = t
	}

	e.nodesLock.Lock()
	defer e.nodesLock.Unlock()
	if _, ok := e.nodes[peer]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, peer)
	}
	e.nodes[peer] = n
	e.log.Debug("node created",
		zap.Stringer("peer", peer),
		zap.Bool("ht", conf.HT),
		zap.Int("max_ampdu", n.maxAMPDU),
	)
	return n, nil
}

// Node returns the node of peer.
func (e *Engine) Node(peer PeerID) (*Node, bool) {
	e.nodesLock.RLock()
	defer e.nodesLock.RUnlock()
	n, ok := e.nodes[peer]
	return n, ok
}

func (e *Engine) nodeList() []*Node {
	e.nodesLock.RLock()
	defer e.nodesLock.RUnlock()
	l := make([]*Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		l = append(l, n)
	}
	return l
}
