// Package graph renders the directory as a Graphviz DOT document for
// network visualization.
package graph

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samograsic/ion-dtn-dtnex/internal/directory"
	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

// WriteDOT renders every known node and contact. Nodes with metadata get
// a label carrying their name; the local node is highlighted.
func WriteDOT(w io.Writer, dir *directory.Directory, self wire.NodeID) error {
	meta := dir.MetadataSnapshot()

	var b strings.Builder
	b.WriteString("graph dtn {\n")
	b.WriteString("\tlayout=neato;\n\toverlap=false;\n")
	for _, id := range dir.Nodes() {
		label := fmt.Sprintf("ipn:%d", id)
		if md, ok := meta[id]; ok && md.Name != "" {
			label = fmt.Sprintf("%s\\nipn:%d", escape(md.Name), id)
		}
		attrs := fmt.Sprintf("label=\"%s\"", label)
		if id == self {
			attrs += " style=filled fillcolor=lightblue"
		}
		fmt.Fprintf(&b, "\t%d [%s];\n", id, attrs)
	}
	for _, l := range dir.Links() {
		fmt.Fprintf(&b, "\t%d -- %d;\n", l.NodeA, l.NodeB)
	}
	b.WriteString("}\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteFile atomically replaces path with the current graph.
func WriteFile(path string, dir *directory.Directory, self wire.NodeID) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create graph file: %w", err)
	}
	if err := WriteDOT(f, dir, self); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
