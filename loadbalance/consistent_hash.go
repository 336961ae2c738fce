package loadbalance

import (
	"errors"
	"hash/crc32"
	"slices"
	"strconv"
	"strings"
	"sync"

	"remoting/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer always resolves its key to the same instance while the instance
// set is unchanged, and moves only about 1/n of keys when an instance joins or leaves.
// A stateful facade keys it by its client id, so reconnects land on the server that holds
// its subscriptions as long as that server stays registered.
//
// Each instance owns Replicas virtual nodes hashed from "{addr}#{i}", which keeps a handful
// of instances from clustering on the ring:
//
//	        0
//	      ╱   ╲
//	 B ●         ● A
//	   │  key ◆──►│   clockwise to the nearest node → A
//	 C ●         ● A'
//	      ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int

	mu   sync.Mutex
	sig  string // addresses the cached ring was built from
	ring *hashRing
}

// NewConsistentHashBalancer returns a balancer for key with 100 virtual nodes per instance.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: defaultReplicas}
}

func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errors.New("no instances available")
	}
	sig := signature(instances)

	b.mu.Lock()
	if b.ring == nil || b.sig != sig {
		b.ring = newHashRing(instances, b.replicas)
		b.sig = sig
	}
	ring := b.ring
	b.mu.Unlock()

	return ring.lookup(b.key), nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// PickByKey returns the instance responsible for key among instances.
func PickByKey(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	return NewConsistentHashBalancer(key).Pick(instances)
}

type hashRing struct {
	hashes []uint32 // sorted
	owners map[uint32]registry.ServiceInstance
}

func newHashRing(instances []registry.ServiceInstance, replicas int) *hashRing {
	r := &hashRing{
		hashes: make([]uint32, 0, len(instances)*replicas),
		owners: make(map[uint32]registry.ServiceInstance, len(instances)*replicas),
	}
	// Sorted by address so a collision resolves the same way whatever the discovery order.
	sorted := slices.SortedFunc(slices.Values(instances), func(a, b registry.ServiceInstance) int {
		return strings.Compare(a.Addr, b.Addr)
	})
	for _, inst := range sorted {
		for i := 0; i < replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(inst.Addr + "#" + strconv.Itoa(i)))
			if _, taken := r.owners[h]; taken {
				continue
			}
			r.owners[h] = inst
			r.hashes = append(r.hashes, h)
		}
	}
	slices.Sort(r.hashes)
	return r
}

// lookup walks clockwise from the key's hash to the first virtual node, wrapping at the end.
func (r *hashRing) lookup(key string) *registry.ServiceInstance {
	h := crc32.ChecksumIEEE([]byte(key))
	idx, _ := slices.BinarySearch(r.hashes, h)
	if idx == len(r.hashes) {
		idx = 0
	}
	inst := r.owners[r.hashes[idx]]
	return &inst
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
