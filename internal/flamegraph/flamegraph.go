// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package flamegraph implements the `.html` output: a
// self-contained flame-graph or call-tree document built by templating a
// fixed HTML asset with an inlined trace tree, matching async-profiler's
// own converter.cpp approach (one static HTML+JS asset, one inlined data
// blob, no external requests). It follows the general shape of
// async-profiler's flame graph (a frame tree keyed by name, widths
// proportional to sample weight, depth proportional to stack position)
// and built on github.com/google/pprof/profile for the sample model,
// the same dependency internal/pprofutils already uses for `.collapsed`
// and `.pprof` export, so a profile built once by the profiler facade
// serves every output format.
package flamegraph

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"

	"github.com/google/pprof/profile"
)

// Node is one frame in the aggregated call tree: its name, total sample
// weight rooted at this node, and children keyed by frame name so
// repeated call paths collapse into shared nodes (the flame graph's
// defining property).
type Node struct {
	Name     string           `json:"n"`
	Value    int64            `json:"v"`
	Children map[string]*Node `json:"-"`
}

// flatNode is Node's JSON wire shape: children as an ordered slice
// rather than a map, so the embedded JSON renders deterministically and
// the client-side script can iterate without a key sort.
type flatNode struct {
	Name     string      `json:"n"`
	Value    int64       `json:"v"`
	Children []*flatNode `json:"c,omitempty"`
}

func (n *Node) flatten() *flatNode {
	f := &flatNode{Name: n.Name, Value: n.Value}
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f.Children = append(f.Children, n.Children[name].flatten())
	}
	return f
}

// BuildTree aggregates p's samples (root = call stack base, leaf = top
// of stack) into a Node tree, weighted by p.Sample[i].Value[valueIdx].
// Root-to-leaf order matches profile.Sample.Location, which pprof orders
// leaf-first, so this walks each sample's locations back to front.
func BuildTree(p *profile.Profile, valueIdx int) *Node {
	root := &Node{Name: "root", Children: map[string]*Node{}}
	for _, s := range p.Sample {
		if valueIdx >= len(s.Value) {
			continue
		}
		v := s.Value[valueIdx]
		root.Value += v

		cur := root
		for i := len(s.Location) - 1; i >= 0; i-- {
			name := locationName(s.Location[i])
			child, ok := cur.Children[name]
			if !ok {
				child = &Node{Name: name, Children: map[string]*Node{}}
				cur.Children[name] = child
			}
			child.Value += v
			cur = child
		}
	}
	return root
}

func locationName(loc *profile.Location) string {
	if len(loc.Line) == 0 || loc.Line[0].Function == nil || loc.Line[0].Function.Name == "" {
		return "?"
	}
	return loc.Line[0].Function.Name
}

// pageTemplate is the fixed HTML asset behind every `.html` dump: a
// minimal, dependency-free (no CDN, no external <script src>) flame
// graph renderer. It draws nested <div> bars sized by stack depth and
// sample-weight-proportional width, re-derived on click (zoom to the
// clicked frame) entirely in inline JavaScript, so the output file is
// viewable offline with no network access — the same self-containment
// constraint async-profiler's own HTML output makes.
var pageTemplate = template.Must(template.New("flamegraph").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title>
<style>
body { font: 12px/1.4 monospace; margin: 0; background: #111; color: #eee; }
#title { padding: 8px 12px; font-size: 14px; }
#canvas { position: relative; width: 100%; }
.frame { position: absolute; box-sizing: border-box; border: 1px solid #111;
  overflow: hidden; white-space: nowrap; cursor: pointer; font-size: 11px; }
.frame span { padding-left: 3px; }
</style></head>
<body>
<div id="title">{{.Title}} ({{.Total}} {{.Unit}})</div>
<div id="canvas"></div>
<script>
const data = {{.DataJSON}};
const rowHeight = 18;
const canvas = document.getElementById("canvas");

function colorFor(name) {
  let h = 0;
  for (let i = 0; i < name.length; i++) h = (h * 31 + name.charCodeAt(i)) >>> 0;
  const hue = h % 360;
  return "hsl(" + hue + ", 65%, 35%)";
}

function render(node, depth, x0, width, total) {
  const div = document.createElement("div");
  div.className = "frame";
  div.style.left = (x0 * 100 / total) + "%";
  div.style.width = Math.max(width * 100 / total, 0.05) + "%";
  div.style.top = (depth * rowHeight) + "px";
  div.style.height = rowHeight + "px";
  div.style.background = colorFor(node.n);
  const span = document.createElement("span");
  span.textContent = node.n + " (" + node.v + ")";
  div.appendChild(span);
  div.title = node.n + ": " + node.v;
  div.onclick = () => render(node, 0, 0, node.v, node.v);
  canvas.appendChild(div);

  let x = x0;
  const children = node.c || [];
  for (const child of children) {
    render(child, depth + 1, x, child.v, total);
    x += child.v;
  }
}

canvas.innerHTML = "";
render(data, 0, 0, data.v, data.v);
canvas.style.height = (rowHeightDepth(data) * rowHeight) + "px";
function rowHeightDepth(n) {
  let max = 1;
  for (const c of (n.c || [])) max = Math.max(max, 1 + rowHeightDepth(c));
  return max;
}
</script>
</body></html>
`))

type pageData struct {
	Title    string
	Total    int64
	Unit     string
	DataJSON template.JS
}

// WriteHTML renders root as a self-contained flame-graph HTML document.
func WriteHTML(w io.Writer, root *Node, title, unit string) error {
	blob, err := json.Marshal(root.flatten())
	if err != nil {
		return fmt.Errorf("flamegraph: marshal tree: %w", err)
	}
	return pageTemplate.Execute(w, pageData{
		Title:    title,
		Total:    root.Value,
		Unit:     unit,
		DataJSON: template.JS(blob),
	})
}
