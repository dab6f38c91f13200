package debug

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/link"
	"github.com/ROCm/ROCK-Kernel-Driver-sub046/pkg/linkservice"
)

var (
	mu   sync.Mutex
	last = map[string]string{}
	out  io.Writer = os.Stdout
)

// Node represents one line of the tree and its children
type Node struct {
	name     string
	state    interface{}
	children []Node
}

// SetOutput redirects the printed tree, used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func settingsNode(name string, s link.Settings) Node {
	return Node{name: name, state: s.String()}
}

func displayNode(st linkservice.Status) Node {
	snap := st.Store
	conn := "disconnected"
	if st.Connected {
		conn = "connected"
	}
	n := Node{name: st.Name + " (" + st.Kind.String() + ", " + conn + ")", state: st.Stream.String()}
	if !st.Connected {
		return n
	}
	caps := Node{name: "Capability", state: fmt.Sprintf("bw %d kbps", link.Bandwidth(snap.Verified))}
	caps.children = []Node{
		settingsNode("reported", snap.Reported),
		settingsNode("verified", snap.Verified),
		settingsNode("max", snap.Max),
	}
	if !snap.Override.IsUnknown() {
		caps.children = append(caps.children, settingsNode("override", snap.Override))
	}
	if !snap.Preferred.IsUnknown() {
		caps.children = append(caps.children, settingsNode("preferred", snap.Preferred))
	}
	lnk := Node{name: "Link", state: snap.Current.String()}
	if st.Timing.PixelClockKHz > 0 {
		lnk.children = append(lnk.children, Node{
			name:  "timing",
			state: fmt.Sprintf("%d kHz %d bpc", st.Timing.PixelClockKHz, st.Timing.BitsPerColor),
		})
	}
	if st.PSRActive {
		lnk.children = append(lnk.children, Node{name: "psr", state: "active"})
	}
	n.children = []Node{caps, lnk}
	if snap.Converter.Present {
		n.children = append(n.children, Node{
			name:  "Converter",
			state: fmt.Sprintf("%s max %d kHz", snap.Converter.PortType, snap.Converter.MaxPixelClockKHz),
		})
	}
	n.children = append(n.children, Node{name: "Features", state: snap.Features.String()})
	return n
}

// printTreeNode prints a node and, recursively, its children
func printTreeNode(b *strings.Builder, n Node, indent string, isLast bool) {
	connector := "├──"
	if isLast {
		connector = "└──"
	}
	fmt.Fprintf(b, "%s%s %s (State:%v)\n", indent, connector, n.name, n.state)
	childIndent := indent + "│   "
	if isLast {
		childIndent = indent + "    "
	}
	for i, c := range n.children {
		printTreeNode(b, c, childIndent, i == len(n.children)-1)
	}
}

// Tree renders the link-state tree for the given displays, sorted by name.
func Tree(statuses []linkservice.Status) string {
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	b := &strings.Builder{}
	fmt.Fprintf(b, "Displays (%d)\n", len(statuses))
	for i, st := range statuses {
		printTreeNode(b, displayNode(st), "", i == len(statuses)-1)
	}
	return b.String()
}

// PrintTree prints the tree when any display changed since the last call.
// It reports whether anything was printed.
func PrintTree(statuses []linkservice.Status) bool {
	mu.Lock()
	defer mu.Unlock()
	changed := len(statuses) != len(last)
	for _, st := range statuses {
		key := displayKey(st)
		if last[st.Name] != key {
			changed = true
		}
	}
	if !changed {
		return false
	}
	last = map[string]string{}
	for _, st := range statuses {
		last[st.Name] = displayKey(st)
	}
	fmt.Fprint(out, Tree(statuses))
	return true
}

func displayKey(st linkservice.Status) string {
	return fmt.Sprintf("%v/%s/%s/%s/%v", st.Connected, st.Stream, st.Store.Current, st.Store.Verified, st.PSRActive)
}

// ClearState forgets what was last printed
func ClearState() {
	mu.Lock()
	last = map[string]string{}
	mu.Unlock()
}
