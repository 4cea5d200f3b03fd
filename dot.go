package recurrent

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/awalterschulze/gographviz"
)

type dotNode struct {
	Name  string
	Kind  string
	Shape string
}

// ToDot renders the subgraph reachable from root as a graphviz document,
// one box per node with its name, kind and current value shape. Edges point
// from input to consumer. Handy for eyeballing wiring when a validation
// error names a node you did not expect.
func ToDot(root Node) string {
	g := gographviz.NewGraph()
	if err := g.SetName("G"); err != nil {
		panic(err)
	}
	g.SetDir(true)

	seen := make(map[Node]string)
	var buf bytes.Buffer
	var walk func(n Node) string
	walk = func(n Node) string {
		if id, ok := seen[n]; ok {
			return id
		}
		id := fmt.Sprintf("n%d", len(seen))
		seen[n] = id

		d := dotNode{
			Name:  n.Name(),
			Kind:  fmt.Sprintf("%T", n),
			Shape: n.Value().String(),
		}
		dotTmpl.Execute(&buf, d)
		attrs := map[string]string{
			"fontname": "Monaco",
			"shape":    "none",
			"label":    buf.String(),
		}
		g.AddNode("G", id, attrs)
		buf.Reset()

		for _, in := range n.Inputs() {
			g.AddEdge(walk(in), id, true, nil)
		}
		return id
	}
	walk(root)
	return g.String()
}

const dotTmplRaw = `<
<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0">
<TR><TD>Name</TD><TD>{{.Name}}</TD></TR>
<TR><TD>Kind</TD><TD>{{.Kind}}</TD></TR>
<TR><TD>Value</TD><TD>{{.Shape}}</TD></TR>
</TABLE>
>
`

var dotTmpl *template.Template

func init() {
	dotTmpl = template.Must(template.New("dot").Parse(dotTmplRaw))
}
