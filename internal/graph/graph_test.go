package graph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samograsic/ion-dtn-dtnex/internal/directory"
	"github.com/samograsic/ion-dtn-dtnex/internal/wire"
)

func TestWriteDOT(t *testing.T) {
	dir := directory.New()
	dir.UpsertMetadata(wire.MetadataFact{NodeID: 1, Name: "gateway", Contact: "x"})
	dir.UpsertLink(1, 2, 100, 200)
	dir.UpsertLink(2, 3, 100, 200)

	var b strings.Builder
	if err := WriteDOT(&b, dir, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := b.String()

	for _, want := range []string{
		"graph dtn {",
		`1 [label="gateway\nipn:1" style=filled fillcolor=lightblue];`,
		`2 [label="ipn:2"];`,
		"1 -- 2;",
		"2 -- 3;",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestWriteDOTEscapesLabels(t *testing.T) {
	dir := directory.New()
	dir.UpsertMetadata(wire.MetadataFact{NodeID: 5, Name: `evil"node`, Contact: "x"})

	var b strings.Builder
	if err := WriteDOT(&b, dir, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(b.String(), `evil\"node`) {
		t.Fatalf("quote not escaped:\n%s", b.String())
	}
}

func TestWriteFileReplaces(t *testing.T) {
	dir := directory.New()
	dir.UpsertLink(1, 2, 0, 0)
	path := filepath.Join(t.TempDir(), "dtn.dot")

	if err := WriteFile(path, dir, 1); err != nil {
		t.Fatalf("write file: %v", err)
	}
	dir.UpsertLink(1, 3, 0, 0)
	if err := WriteFile(path, dir, 1); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "1 -- 3;") {
		t.Fatalf("rewrite lost data:\n%s", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
}
