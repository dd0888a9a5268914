// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package breeds builds superclass groupings of ImageNet classes from the (modified) WordNet hierarchy,
// the way the BREEDS benchmarks do.
//
// The hierarchy directory is expected to hold 3 files:
//
//   - dataset_class_info.json: a list of [class_number, wnid, name, ...] entries for the leaf classes.
//   - class_hierarchy.txt: one "parent_wnid child_wnid" edge per line.
//   - node_names.txt: one "wnid<TAB>name" per line.
package breeds

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"
	"k8s.io/klog/v2"
)

// RootWNID is the root of the hierarchy ("physical entity").
const RootWNID = "n00001740"

const (
	ClassInfoFileName = "dataset_class_info.json"
	HierarchyFileName = "class_hierarchy.txt"
	NodeNamesFileName = "node_names.txt"
)

// Hierarchy is the DAG of WordNet ids restricted to the ancestors of the dataset leaf classes.
type Hierarchy struct {
	// LeafIDs are the wnids of the dataset classes, indexed by class number.
	LeafIDs []string

	leafNum   map[string]int
	leafName  map[string]string
	nodeNames map[string]string

	g      *simple.DirectedGraph
	ids    map[string]int64
	wnids  []string
	levels map[string]int
}

// NewHierarchy loads the hierarchy from infoDir, with the default root.
func NewHierarchy(infoDir string) (*Hierarchy, error) {
	return NewHierarchyWithRoot(infoDir, RootWNID)
}

// NewHierarchyWithRoot loads the hierarchy from infoDir. Node levels are the length of the longest
// path from root.
func NewHierarchyWithRoot(infoDir, root string) (*Hierarchy, error) {
	h := &Hierarchy{
		leafNum:   make(map[string]int),
		leafName:  make(map[string]string),
		nodeNames: make(map[string]string),
		g:         simple.NewDirectedGraph(),
		ids:       make(map[string]int64),
		levels:    make(map[string]int),
	}
	if err := h.loadClassInfo(filepath.Join(infoDir, ClassInfoFileName)); err != nil {
		return nil, err
	}
	edges, err := readEdges(filepath.Join(infoDir, HierarchyFileName))
	if err != nil {
		return nil, err
	}
	h.buildGraph(edges)
	if err := h.loadNodeNames(filepath.Join(infoDir, NodeNamesFileName)); err != nil {
		return nil, err
	}
	if err := h.computeLevels(root); err != nil {
		return nil, err
	}
	klog.V(1).Infof("BREEDS hierarchy from %q: %d leaves, %d nodes", infoDir, len(h.LeafIDs), len(h.wnids))
	return h, nil
}

func (h *Hierarchy) loadClassInfo(path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading class info")
	}
	var entries [][]any
	if err := json.Unmarshal(contents, &entries); err != nil {
		return errors.Wrapf(err, "parsing class info %q", path)
	}
	h.LeafIDs = make([]string, len(entries))
	for ii, entry := range entries {
		if len(entry) < 2 {
			return errors.Errorf("class info %q entry #%d has %d fields, wanted at least [number, wnid]", path, ii, len(entry))
		}
		num, ok := entry[0].(float64)
		if !ok || num < 0 || int(num) >= len(entries) || float64(int(num)) != num {
			return errors.Errorf("class info %q entry #%d has invalid class number %v", path, ii, entry[0])
		}
		wnid, ok := entry[1].(string)
		if !ok {
			return errors.Errorf("class info %q entry #%d has invalid wnid %v", path, ii, entry[1])
		}
		if h.LeafIDs[int(num)] != "" {
			return errors.Errorf("class info %q has class number %d repeated", path, int(num))
		}
		h.LeafIDs[int(num)] = wnid
		h.leafNum[wnid] = int(num)
		if len(entry) > 2 {
			h.leafName[wnid] = fmt.Sprint(entry[2])
		}
	}
	return nil
}

func readEdges(path string) ([][2]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading class hierarchy")
	}
	defer func() { _ = f.Close() }()
	var edges [][2]string
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("%s:%d: expected \"parent child\", got %q", path, lineNum, scanner.Text())
		}
		edges = append(edges, [2]string{fields[0], fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	return edges, nil
}

func (h *Hierarchy) loadNodeNames(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "reading node names")
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		wnid, name, found := strings.Cut(scanner.Text(), "\t")
		if !found {
			continue
		}
		h.nodeNames[strings.TrimSpace(wnid)] = strings.TrimSpace(name)
	}
	return errors.Wrapf(scanner.Err(), "reading %q", path)
}

// nodeFor returns the graph node of wnid, creating it if needed.
func (h *Hierarchy) nodeFor(wnid string) graph.Node {
	id, found := h.ids[wnid]
	if !found {
		id = int64(len(h.wnids))
		h.ids[wnid] = id
		h.wnids = append(h.wnids, wnid)
		h.g.AddNode(simple.Node(id))
	}
	return h.g.Node(id)
}

// buildGraph keeps only the edges on the way from the leaves up to their ancestors.
func (h *Hierarchy) buildGraph(edges [][2]string) {
	parents := make(map[string][]string)
	for _, e := range edges {
		parents[e[1]] = append(parents[e[1]], e[0])
	}
	visited := make(map[string]bool)
	var addAncestors func(wnid string)
	addAncestors = func(wnid string) {
		if visited[wnid] {
			return
		}
		visited[wnid] = true
		child := h.nodeFor(wnid)
		for _, parent := range parents[wnid] {
			if parent == wnid {
				continue
			}
			h.g.SetEdge(h.g.NewEdge(h.nodeFor(parent), child))
			addAncestors(parent)
		}
	}
	for _, wnid := range h.LeafIDs {
		addAncestors(wnid)
	}
}

func (h *Hierarchy) computeLevels(root string) error {
	sorted, err := topo.Sort(h.g)
	if err != nil {
		return errors.Wrapf(err, "class hierarchy is not a DAG")
	}
	if _, found := h.ids[root]; !found {
		return errors.Errorf("root %q is not an ancestor of any class", root)
	}
	h.levels[root] = 0
	for _, node := range sorted {
		wnid := h.wnids[node.ID()]
		level, reachable := h.levels[wnid]
		if !reachable {
			continue
		}
		successors := h.g.From(node.ID())
		for successors.Next() {
			child := h.wnids[successors.Node().ID()]
			if childLevel, found := h.levels[child]; !found || childLevel < level+1 {
				h.levels[child] = level + 1
			}
		}
	}
	return nil
}

// Contains returns whether wnid is part of the (restricted) hierarchy.
func (h *Hierarchy) Contains(wnid string) bool {
	_, found := h.ids[wnid]
	return found
}

// Level returns the level of the node, and false if it is not reachable from the root.
func (h *Hierarchy) Level(wnid string) (int, bool) {
	level, found := h.levels[wnid]
	return level, found
}

// NodeName returns the name of wnid, falling back to the leaf class name and then to the wnid itself.
func (h *Hierarchy) NodeName(wnid string) string {
	if name, found := h.nodeNames[wnid]; found {
		return name
	}
	if name, found := h.leafName[wnid]; found {
		return name
	}
	return wnid
}

// ClassNumber returns the class number of a leaf wnid.
func (h *Hierarchy) ClassNumber(wnid string) (int, bool) {
	num, found := h.leafNum[wnid]
	return num, found
}

// descendants returns the nodes reachable from wnid, including itself.
func (h *Hierarchy) descendants(wnid string) []string {
	id, found := h.ids[wnid]
	if !found {
		return nil
	}
	var nodes []string
	dfs := traverse.DepthFirst{
		Visit: func(n graph.Node) { nodes = append(nodes, h.wnids[n.ID()]) },
	}
	dfs.Walk(h.g, h.g.Node(id), nil)
	return nodes
}

// IsAncestor returns whether ancestor is wnid or one of its ancestors.
func (h *Hierarchy) IsAncestor(ancestor, wnid string) bool {
	return slices.Contains(h.descendants(ancestor), wnid)
}

// LeavesReachable returns the sorted wnids of the leaf classes under wnid (wnid itself if it is a leaf).
func (h *Hierarchy) LeavesReachable(wnid string) []string {
	var leaves []string
	for _, node := range h.descendants(wnid) {
		if _, isLeaf := h.leafNum[node]; isLeaf {
			leaves = append(leaves, node)
		}
	}
	slices.Sort(leaves)
	return leaves
}

// NodesAtLevel returns the sorted wnids at the given level. If ancestor is not empty, only its
// descendants are returned.
func (h *Hierarchy) NodesAtLevel(level int, ancestor string) []string {
	var nodes []string
	for wnid, l := range h.levels {
		if l != level {
			continue
		}
		if ancestor != "" && !h.IsAncestor(ancestor, wnid) {
			continue
		}
		nodes = append(nodes, wnid)
	}
	slices.Sort(nodes)
	return nodes
}
