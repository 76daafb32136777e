package gossip

import "fmt"

// NodeStatus is a point-in-time view of one node.
type NodeStatus struct {
	ID      string `json:"id"`
	Address string `json:"address"` // request/reply URL of the node
	Uptime  int64  `json:"uptime"`  // seconds since the node started
	Info    string `json:"info"`
}

func (s NodeStatus) String() string {
	return fmt.Sprintf("Node(id=%s, address=%s, uptime=%ds, info=%s)", s.ID, s.Address, s.Uptime, s.Info)
}
