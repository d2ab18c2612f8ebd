package bitmap

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/writeintent/pkg/dlm"
)

// cluster tracks per-node bitmap availability when the array spans more
// than one node (Info.Nodes > 1).
//
// Each node holds a concurrent-read lock on every peer's bitmap resource.
// A grant records the peer as available; a blocking notification means the
// peer wants its bitmap back, so it moves to the reclaim vector and leaves
// the availability vector. The multi-node events record in the superblock
// update is deliberately not implemented here; it is gated behind a
// separate addendum (see DESIGN.md).
type cluster struct {
	b     *Bitmap
	nodes int

	availMu sync.Mutex
	avail   []int

	reclaimMu sync.Mutex
	reclaim   []int

	resources []*dlm.Resource
}

func newCluster(b *Bitmap, nodes int) *cluster {
	c := &cluster{
		b:         b,
		nodes:     nodes,
		avail:     make([]int, nodes),
		reclaim:   make([]int, nodes),
		resources: make([]*dlm.Resource, nodes),
	}

	for i := range c.avail {
		c.avail[i] = -1
		c.reclaim[i] = -1
	}

	for i := range c.resources {
		c.resources[i] = dlm.NewResource(fmt.Sprintf("bitmap-node-%04d", i))
	}

	return c
}

// start issues the asynchronous CR locks. Grants and blocking
// notifications arrive on the lock manager's dispatcher and update the
// vectors; the daemon is woken so it can react.
func (c *cluster) start() error {
	for i, res := range c.resources {
		num := i

		ast := func(err error) {
			if err != nil {
				c.b.log.Errorf("node %d bitmap lock: %v", num, err)
				return
			}

			c.addAvail(num)
			c.b.wakeDaemon()
		}

		bast := func(dlm.Mode) {
			c.addReclaim(num)
			c.removeAvail(num)
			c.b.wakeDaemon()
		}

		err := c.b.locks.Lock(res, dlm.CR, ast, bast)
		if err != nil {
			return fmt.Errorf("node %d bitmap lock: %w", num, err)
		}
	}

	return nil
}

// stop releases the per-node locks.
func (c *cluster) stop() {
	for _, res := range c.resources {
		if res.Mode() == dlm.Unlocked {
			continue
		}

		err := dlm.UnlockSync(c.b.locks, res)
		if err != nil {
			c.b.log.Errorf("release %s: %v", res.Name, err)
		}
	}
}

func (c *cluster) existAvail(num int) int {
	for i, v := range c.avail {
		if v == num {
			return i
		}
	}

	return -1
}

func (c *cluster) addAvail(num int) int {
	c.availMu.Lock()
	defer c.availMu.Unlock()

	if i := c.existAvail(num); i >= 0 {
		return i
	}

	for i, v := range c.avail {
		if v == -1 {
			c.avail[i] = num
			return i
		}
	}

	return -1
}

func (c *cluster) removeAvail(num int) {
	c.availMu.Lock()
	defer c.availMu.Unlock()

	if i := c.existAvail(num); i >= 0 {
		c.avail[i] = -1
	}
}

func (c *cluster) existReclaim(num int) int {
	for i, v := range c.reclaim {
		if v == num {
			return i
		}
	}

	return -1
}

func (c *cluster) addReclaim(num int) int {
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()

	if i := c.existReclaim(num); i >= 0 {
		return i
	}

	for i, v := range c.reclaim {
		if v == -1 {
			c.reclaim[i] = num
			return i
		}
	}

	return -1
}

// availNodes snapshots the availability vector for diagnostics.
func (c *cluster) availNodes() []int {
	c.availMu.Lock()
	defer c.availMu.Unlock()

	out := make([]int, 0, len(c.avail))
	for _, v := range c.avail {
		if v != -1 {
			out = append(out, v)
		}
	}

	return out
}
