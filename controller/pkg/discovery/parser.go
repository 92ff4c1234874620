package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/malbeclabs/mtd/controller/pkg/topology"
)

// Topology is a parsed topology document.
type Topology struct {
	Switches []topology.SwitchID
	Links    []topology.Link
}

// jsonDocument is the on-disk topology feed.
type jsonDocument struct {
	Switches []topology.SwitchID `json:"switches"`
	Links    []topology.Link     `json:"links"`
	// Bidirectional adds the reverse direction of every listed link.
	Bidirectional bool `json:"bidirectional"`
}

// Parse decodes a topology document. Structural validation of the links is left to
// topology.NewGraph.
func Parse(data []byte) (Topology, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Topology{}, fmt.Errorf("failed to unmarshal topology document: %w", err)
	}
	if len(doc.Switches) == 0 {
		return Topology{}, errors.New("topology document has no switches")
	}

	links := make([]topology.Link, 0, len(doc.Links)*2)
	for i, l := range doc.Links {
		if doc.Bidirectional && l.DstPort == 0 {
			return Topology{}, fmt.Errorf("link %d (%s -> %s): dst_port is required for bidirectional documents", i, l.Src, l.Dst)
		}
		links = append(links, l)
		if doc.Bidirectional {
			links = append(links, topology.Link{Src: l.Dst, SrcPort: l.DstPort, Dst: l.Src, DstPort: l.SrcPort})
		}
	}
	return Topology{Switches: doc.Switches, Links: links}, nil
}
