// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package breeds

import (
	"math/rand"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SplitSeed seeds the random choices of subclasses, so groupings are reproducible.
const SplitSeed = 2

// Split of the subclasses of each superclass into a source and a target domain.
const (
	// SplitNone keeps all subclasses in the source domain.
	SplitNone = ""

	// SplitRandom assigns half of the (shuffled) subclasses of each superclass to each domain.
	SplitRandom = "rand"
)

// SuperclassOptions configures Generator.GetSuperclasses.
type SuperclassOptions struct {
	// Level of the superclasses in the hierarchy.
	Level int

	// NumSubclasses per superclass, 0 means all (or the minimum across superclasses if Balanced).
	// Superclasses with fewer subclasses are dropped.
	NumSubclasses int

	// Split is SplitNone or SplitRandom.
	Split string

	// Ancestor, if not empty, restricts superclasses to its descendants.
	Ancestor string

	// Balanced makes every superclass have the same number of subclasses.
	Balanced bool
}

// SubclassSplit holds, for the source [0] and target [1] domains, the class numbers of each superclass.
type SubclassSplit [2][][]int

// Generator of BREEDS superclass groupings.
type Generator struct {
	Hierarchy *Hierarchy
}

// NewGenerator loads the hierarchy in infoDir.
func NewGenerator(infoDir string) (*Generator, error) {
	h, err := NewHierarchy(infoDir)
	if err != nil {
		return nil, err
	}
	return &Generator{Hierarchy: h}, nil
}

// GetSuperclasses selects the superclasses at opts.Level and their subclasses.
//
// It returns the superclass wnids, the class numbers of their subclasses split into source and target
// domains, and a map from superclass index to its name.
//
// Superclasses whose leaves overlap a previously selected superclass (in sorted order) are skipped,
// so that every class belongs to at most one superclass.
func (gen *Generator) GetSuperclasses(opts SuperclassOptions) (superclasses []string, split SubclassSplit, labelMap map[int]string, err error) {
	h := gen.Hierarchy
	if opts.Split != SplitNone && opts.Split != SplitRandom {
		err = errors.Errorf("unknown split %q, valid values are %q and %q", opts.Split, SplitNone, SplitRandom)
		return
	}
	if opts.Ancestor != "" && !h.Contains(opts.Ancestor) {
		err = errors.Errorf("ancestor %q not in the hierarchy", opts.Ancestor)
		return
	}

	var subclasses [][]string
	used := make(map[string]bool)
	for _, node := range h.NodesAtLevel(opts.Level, opts.Ancestor) {
		leaves := h.LeavesReachable(node)
		if len(leaves) == 0 || (opts.NumSubclasses > 0 && len(leaves) < opts.NumSubclasses) {
			continue
		}
		if slices.ContainsFunc(leaves, func(leaf string) bool { return used[leaf] }) {
			klog.V(1).Infof("BREEDS: skipping superclass %s (%s), it overlaps previous superclasses", node, h.NodeName(node))
			continue
		}
		for _, leaf := range leaves {
			used[leaf] = true
		}
		superclasses = append(superclasses, node)
		subclasses = append(subclasses, leaves)
	}
	if len(superclasses) == 0 {
		err = errors.Errorf("no superclasses at level %d (ancestor %q, %d subclasses)", opts.Level, opts.Ancestor, opts.NumSubclasses)
		return
	}

	numSubclasses := opts.NumSubclasses
	if numSubclasses == 0 && opts.Balanced {
		numSubclasses = len(subclasses[0])
		for _, leaves := range subclasses[1:] {
			numSubclasses = min(numSubclasses, len(leaves))
		}
	}
	if opts.Split == SplitRandom && numSubclasses%2 == 1 {
		numSubclasses--
	}

	rng := rand.New(rand.NewSource(SplitSeed))
	labelMap = make(map[int]string, len(superclasses))
	for ii, node := range superclasses {
		labelMap[ii] = h.NodeName(node)
		leaves := subclasses[ii]
		if (numSubclasses > 0 && numSubclasses < len(leaves)) || opts.Split == SplitRandom {
			leaves = slices.Clone(leaves)
			rng.Shuffle(len(leaves), func(i, j int) { leaves[i], leaves[j] = leaves[j], leaves[i] })
		}
		if numSubclasses > 0 {
			leaves = leaves[:numSubclasses]
		}
		var source, target []string
		if opts.Split == SplitRandom {
			half := len(leaves) / 2
			source, target = leaves[:half], leaves[half:]
		} else {
			source = leaves
		}
		split[0] = append(split[0], gen.classNumbers(source))
		split[1] = append(split[1], gen.classNumbers(target))
	}
	return
}

// classNumbers converts leaf wnids to sorted class numbers.
func (gen *Generator) classNumbers(wnids []string) []int {
	nums := make([]int, 0, len(wnids))
	for _, wnid := range wnids {
		num, _ := gen.Hierarchy.ClassNumber(wnid)
		nums = append(nums, num)
	}
	slices.Sort(nums)
	return nums
}
