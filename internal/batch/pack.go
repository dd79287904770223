package batch

import (
	"encoding/json"
	"fmt"

	"github.com/schaermu/metasyncd/internal/remote"
)

// Limits of one composite graph call, mirroring the documented limits of
// the remote API.
const (
	DefaultChunkSize        = 25
	DefaultMaxGraphNodes    = 500
	DefaultMaxGraphsPerCall = 75
	DefaultMaxRequestBytes  = 6 * 1024 * 1024
	DefaultSafetyMargin     = 256 * 1024
)

const (
	callOverhead  = len(`{"graphs":[]}`)
	graphOverhead = len(`{"graphId":"","compositeRequest":[]},`)
	maxGraphIDLen = 20
)

// Options bounds the size of composite graph calls.
type Options struct {
	ChunkSize        int // mutations per chunk
	MaxGraphNodes    int
	MaxGraphsPerCall int
	MaxRequestBytes  int
	SafetyMargin     int
	APIVersion       string
}

// DefaultOptions returns the limits of the hosted API.
func DefaultOptions() Options {
	return Options{
		ChunkSize:        DefaultChunkSize,
		MaxGraphNodes:    DefaultMaxGraphNodes,
		MaxGraphsPerCall: DefaultMaxGraphsPerCall,
		MaxRequestBytes:  DefaultMaxRequestBytes,
		SafetyMargin:     DefaultSafetyMargin,
		APIVersion:       remote.DefaultAPIVersion,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxGraphNodes <= 0 {
		o.MaxGraphNodes = d.MaxGraphNodes
	}
	if o.MaxGraphsPerCall <= 0 {
		o.MaxGraphsPerCall = d.MaxGraphsPerCall
	}
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = d.MaxRequestBytes
	}
	if o.SafetyMargin < 0 || o.SafetyMargin >= o.MaxRequestBytes {
		o.SafetyMargin = 0
	}
	if o.APIVersion == "" {
		o.APIVersion = d.APIVersion
	}
	return o
}

// budget is the usable payload size of one call.
func (o Options) budget() int {
	return o.MaxRequestBytes - o.SafetyMargin
}

// Call is one composite graph request and the mutations it carries.
type Call struct {
	Request   remote.GraphRequest
	Mutations []int // indices into the chains passed to Pack
}

type chunk struct {
	nodes   []remote.Node
	size    int
	members []int
}

// Pack groups node chains into chunks of opts.ChunkSize chains, chunks into
// graphs of at most opts.MaxGraphNodes nodes and graphs into calls that stay
// within the byte budget and opts.MaxGraphsPerCall. Chains are never split.
// nextGraphID supplies unique graph ids of at most 20 bytes.
func Pack(chains [][]remote.Node, opts Options, nextGraphID func() string) ([]Call, error) {
	opts = opts.withDefaults()
	budget := opts.budget()

	chunks, err := makeChunks(chains, opts.ChunkSize)
	if err != nil {
		return nil, err
	}

	var (
		calls     []Call
		cur       Call
		callSize  = callOverhead
		graph     *remote.Graph
		graphSize int
		members   []int
	)
	closeGraph := func() {
		if graph == nil {
			return
		}
		cur.Request.Graphs = append(cur.Request.Graphs, *graph)
		cur.Mutations = append(cur.Mutations, members...)
		callSize += graphSize
		graph, members = nil, nil
	}
	flushCall := func() {
		closeGraph()
		if len(cur.Request.Graphs) > 0 {
			calls = append(calls, cur)
		}
		cur = Call{}
		callSize = callOverhead
	}

	for _, c := range chunks {
		if len(c.nodes) > opts.MaxGraphNodes || callOverhead+graphOverhead+maxGraphIDLen+c.size > budget {
			return nil, &PayloadTooLargeError{Size: c.size, Nodes: len(c.nodes), Budget: budget, Limit: opts.MaxGraphNodes}
		}

		if graph != nil && len(graph.CompositeRequest)+len(c.nodes) > opts.MaxGraphNodes {
			closeGraph()
		}
		if graph == nil && len(cur.Request.Graphs) >= opts.MaxGraphsPerCall {
			flushCall()
		}

		var id string
		if graph == nil {
			id = nextGraphID()
		}
		pending := callSize + c.size
		if graph == nil {
			pending += graphOverhead + len(id)
		} else {
			pending += graphSize
		}
		if pending > budget {
			flushCall()
		}

		if graph == nil {
			if id == "" {
				id = nextGraphID()
			}
			graph = &remote.Graph{GraphID: id}
			graphSize = graphOverhead + len(id)
		}
		graph.CompositeRequest = append(graph.CompositeRequest, c.nodes...)
		graphSize += c.size
		members = append(members, c.members...)
	}
	flushCall()

	return calls, nil
}

func makeChunks(chains [][]remote.Node, chunkSize int) ([]chunk, error) {
	var chunks []chunk
	for start := 0; start < len(chains); start += chunkSize {
		end := min(start+chunkSize, len(chains))
		var c chunk
		for i := start; i < end; i++ {
			for _, node := range chains[i] {
				size, err := nodeSize(node)
				if err != nil {
					return nil, err
				}
				c.nodes = append(c.nodes, node)
				c.size += size
			}
			c.members = append(c.members, i)
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// nodeSize is the encoded size of a node plus its separator.
func nodeSize(n remote.Node) (int, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("failed to encode node %s: %w", n.ReferenceID, err)
	}
	return len(data) + 1, nil
}
