// Package profile holds the per-user hierarchical interest profile: a tree
// rooted at "all interests", branching into category and subcategory nodes
// with decay-weighted click and exposure statistics.
package profile

import (
	"sort"
	"time"
)

// Epsilon prevents division by zero in the underexplored score.
const Epsilon = 1e-6

// CachedPathCount is how many top underexplored paths are cached in the
// snapshot for quick access.
const CachedPathCount = 20

// Stats are the raw per-node counters. InterestWeight is the decay-weighted
// click mass, ExposureWeight the decay-weighted impression mass.
type Stats struct {
	Exposures      int     `json:"exposures"`
	Clicks         int     `json:"clicks"`
	InterestWeight float64 `json:"interest_weight"`
	ExposureWeight float64 `json:"exposure_weight"`
}

func (s *Stats) add(clicked bool, weight float64) {
	s.Exposures++
	s.ExposureWeight += weight
	if clicked {
		s.Clicks++
		s.InterestWeight += weight
	}
}

func (s *Stats) addExposure(weight float64) {
	s.Exposures++
	s.ExposureWeight += weight
}

func (s *Stats) addClick(weight float64) {
	s.Clicks++
	s.InterestWeight += weight
}

// CTR is the plain click-through rate of the node.
func (s Stats) CTR() float64 {
	if s.Exposures == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Exposures)
}

// Underexplored is interest mass relative to exposure mass. High values mean
// strong engagement on a topic shown rarely.
func (s Stats) Underexplored() float64 {
	return s.InterestWeight / (s.ExposureWeight + Epsilon)
}

// SubcategoryNode is a leaf of the tree.
type SubcategoryNode struct {
	Subcategory string `json:"subcategory"`
	Stats
	CTRValue           float64 `json:"ctr"`
	UnderexploredScore float64 `json:"underexplored_score"`
}

// CategoryNode aggregates its subcategories.
type CategoryNode struct {
	Category string `json:"category"`
	Stats
	CTRValue           float64           `json:"ctr"`
	UnderexploredScore float64           `json:"underexplored_score"`
	Subcategories      []SubcategoryNode `json:"subcategories"`
}

// RootNode aggregates the whole tree.
type RootNode struct {
	Stats
	CTRValue           float64        `json:"ctr"`
	UnderexploredScore float64        `json:"underexplored_score"`
	Categories         []CategoryNode `json:"categories"`
}

// Tree is the per-user snapshot persisted as a structured document.
type Tree struct {
	UserID             string    `json:"user_id"`
	GeneratedAt        time.Time `json:"generated_at"`
	HalfLifeDays       float64   `json:"half_life_days"`
	Epsilon            float64   `json:"epsilon"`
	Root               RootNode  `json:"root"`
	UnderexploredPaths []string  `json:"underexplored_paths"`
}

// FlatNode is one row of the flattened per-node table (a row per category and
// per category/subcategory pair) used for efficient top-K queries.
type FlatNode struct {
	Path        string `json:"path"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	Stats
	UnderexploredScore float64   `json:"underexplored_score"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Path joins a category and optional subcategory into a node path.
func Path(category, subcategory string) string {
	if subcategory == "" {
		return category
	}
	return category + "/" + subcategory
}

// Builder accumulates weighted impressions into a tree. Not safe for
// concurrent use; the incremental updater is the single writer.
type Builder struct {
	root Stats
	cats map[string]*catAcc
}

type catAcc struct {
	stats Stats
	subs  map[string]*Stats
}

// NewBuilder creates an empty accumulator.
func NewBuilder() *Builder {
	return &Builder{cats: make(map[string]*catAcc)}
}

// Observe adds one weighted impression to the root, its category node, and
// its subcategory node, keeping the roll-up invariant by construction.
func (b *Builder) Observe(category, subcategory string, clicked bool, weight float64) {
	b.node(category, subcategory, func(s *Stats) { s.add(clicked, weight) })
}

// ObserveExposure adds impression mass only, for event streams where clicks
// and impressions arrive as separate events.
func (b *Builder) ObserveExposure(category, subcategory string, weight float64) {
	b.node(category, subcategory, func(s *Stats) { s.addExposure(weight) })
}

// ObserveClick adds click mass only.
func (b *Builder) ObserveClick(category, subcategory string, weight float64) {
	b.node(category, subcategory, func(s *Stats) { s.addClick(weight) })
}

func (b *Builder) node(category, subcategory string, apply func(*Stats)) {
	if category == "" {
		category = "unknown"
	}
	apply(&b.root)

	cat := b.cats[category]
	if cat == nil {
		cat = &catAcc{subs: make(map[string]*Stats)}
		b.cats[category] = cat
	}
	apply(&cat.stats)

	sub := cat.subs[subcategory]
	if sub == nil {
		sub = &Stats{}
		cat.subs[subcategory] = sub
	}
	apply(sub)
}

// Empty reports whether nothing was observed.
func (b *Builder) Empty() bool { return b.root.Exposures == 0 && b.root.Clicks == 0 }

// Build finalizes the tree and the flattened node table. Categories and
// subcategories are ordered by underexplored score descending; the snapshot
// caches the top underexplored paths.
func (b *Builder) Build(userID string, halfLifeDays float64, now time.Time) (Tree, []FlatNode) {
	tree := Tree{
		UserID:       userID,
		GeneratedAt:  now.UTC(),
		HalfLifeDays: halfLifeDays,
		Epsilon:      Epsilon,
		Root: RootNode{
			Stats:              b.root,
			CTRValue:           b.root.CTR(),
			UnderexploredScore: b.root.Underexplored(),
		},
	}

	var flat []FlatNode

	for category, cat := range b.cats {
		catNode := CategoryNode{
			Category:           category,
			Stats:              cat.stats,
			CTRValue:           cat.stats.CTR(),
			UnderexploredScore: cat.stats.Underexplored(),
		}

		for subcategory, sub := range cat.subs {
			catNode.Subcategories = append(catNode.Subcategories, SubcategoryNode{
				Subcategory:        subcategory,
				Stats:              *sub,
				CTRValue:           sub.CTR(),
				UnderexploredScore: sub.Underexplored(),
			})
			if subcategory != "" {
				flat = append(flat, FlatNode{
					Path:               Path(category, subcategory),
					Category:           category,
					Subcategory:        subcategory,
					Stats:              *sub,
					UnderexploredScore: sub.Underexplored(),
					UpdatedAt:          now.UTC(),
				})
			}
		}
		sort.Slice(catNode.Subcategories, func(i, j int) bool {
			a, c := catNode.Subcategories[i], catNode.Subcategories[j]
			if a.UnderexploredScore != c.UnderexploredScore {
				return a.UnderexploredScore > c.UnderexploredScore
			}
			return a.Subcategory < c.Subcategory
		})

		tree.Root.Categories = append(tree.Root.Categories, catNode)
		flat = append(flat, FlatNode{
			Path:               category,
			Category:           category,
			Stats:              cat.stats,
			UnderexploredScore: cat.stats.Underexplored(),
			UpdatedAt:          now.UTC(),
		})
	}

	sort.Slice(tree.Root.Categories, func(i, j int) bool {
		a, c := tree.Root.Categories[i], tree.Root.Categories[j]
		if a.UnderexploredScore != c.UnderexploredScore {
			return a.UnderexploredScore > c.UnderexploredScore
		}
		return a.Category < c.Category
	})

	ranked := make([]FlatNode, len(flat))
	copy(ranked, flat)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].UnderexploredScore != ranked[j].UnderexploredScore {
			return ranked[i].UnderexploredScore > ranked[j].UnderexploredScore
		}
		return ranked[i].Path < ranked[j].Path
	})
	for i, node := range ranked {
		if i >= CachedPathCount {
			break
		}
		tree.UnderexploredPaths = append(tree.UnderexploredPaths, node.Path)
	}

	return tree, flat
}
