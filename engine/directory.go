// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"
	"sync"
)

// Directory resolves peer node ids to dialable addresses. Discovery
// services implement it; StaticDirectory serves fixed configuration.
type Directory interface {
	// Lookup returns the address for peerID.
	Lookup(peerID string) (address string, ok bool)

	// Peers returns every known peer id, in a stable order.
	Peers() []string
}

// StaticDirectory is a Directory backed by a map. It is safe for
// concurrent use.
type StaticDirectory struct {
	mu    sync.RWMutex
	peers map[string]string
}

// NewStaticDirectory copies peers, which maps node id to address.
func NewStaticDirectory(peers map[string]string) *StaticDirectory {
	directory := &StaticDirectory{peers: make(map[string]string, len(peers))}
	for peerID, address := range peers {
		directory.peers[peerID] = address
	}
	return directory
}

// Add sets or replaces the address for peerID.
func (d *StaticDirectory) Add(peerID, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[peerID] = address
}

// Remove forgets peerID.
func (d *StaticDirectory) Remove(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peerID)
}

func (d *StaticDirectory) Lookup(peerID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	address, ok := d.peers[peerID]
	return address, ok
}

// Peers returns peer ids sorted.
func (d *StaticDirectory) Peers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peers := make([]string, 0, len(d.peers))
	for peerID := range d.peers {
		peers = append(peers, peerID)
	}
	slices.Sort(peers)
	return peers
}
