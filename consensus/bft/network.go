// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bft

import (
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

// Network gossips consensus messages to the other validators. Delivery is best
// effort: a lost message only costs a view.
type Network interface {
	// Broadcast sends msg to every other connected validator.
	Broadcast(msg []byte)
	// Receive yields messages from other validators.
	Receive() <-chan []byte
}

// LocalNetwork is an in-process hub connecting engines of one process.
type LocalNetwork struct {
	mu           sync.RWMutex
	inboxes      map[ids.NodeID]chan []byte
	disconnected set.Set[ids.NodeID]
	dropped      uint64
	inboxSize    int
}

func NewLocalNetwork(inboxSize int) *LocalNetwork {
	return &LocalNetwork{
		inboxes:      make(map[ids.NodeID]chan []byte),
		disconnected: set.NewSet[ids.NodeID](0),
		inboxSize:    inboxSize,
	}
}

// Join connects nodeID to the hub.
func (n *LocalNetwork) Join(nodeID ids.NodeID) Network {
	n.mu.Lock()
	defer n.mu.Unlock()

	inbox, ok := n.inboxes[nodeID]
	if !ok {
		inbox = make(chan []byte, n.inboxSize)
		n.inboxes[nodeID] = inbox
	}
	return &localPeer{
		hub:    n,
		nodeID: nodeID,
		inbox:  inbox,
	}
}

// Disconnect drops all traffic to and from nodeID until Reconnect.
func (n *LocalNetwork) Disconnect(nodeID ids.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.disconnected.Add(nodeID)
}

func (n *LocalNetwork) Reconnect(nodeID ids.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.disconnected.Remove(nodeID)
}

// Dropped returns how many deliveries were lost to full inboxes.
func (n *LocalNetwork) Dropped() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.dropped
}

func (n *LocalNetwork) broadcast(from ids.NodeID, msg []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.disconnected.Contains(from) {
		return
	}
	for nodeID, inbox := range n.inboxes {
		if nodeID == from || n.disconnected.Contains(nodeID) {
			continue
		}
		select {
		case inbox <- msg:
		default:
			n.dropped++
		}
	}
}

type localPeer struct {
	hub    *LocalNetwork
	nodeID ids.NodeID
	inbox  chan []byte
}

func (p *localPeer) Broadcast(msg []byte) {
	p.hub.broadcast(p.nodeID, msg)
}

func (p *localPeer) Receive() <-chan []byte {
	return p.inbox
}
