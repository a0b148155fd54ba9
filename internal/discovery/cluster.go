package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/embedding"
)

type item struct {
	assessment.WithEvidence
	vec embedding.Vector
}

type cluster struct {
	element  string
	seq      int
	members  []item
	users    map[string]struct{}
	centroid embedding.Vector
}

func newCluster(element string, seq int, first item) *cluster {
	c := &cluster{
		element:  element,
		seq:      seq,
		users:    make(map[string]struct{}),
		centroid: append(embedding.Vector(nil), first.vec...),
	}
	c.members = append(c.members, first)
	c.users[first.UserID] = struct{}{}
	return c
}

// add appends it and moves the centroid to the running mean.
func (c *cluster) add(it item) {
	c.members = append(c.members, it)
	c.users[it.UserID] = struct{}{}
	n := float32(len(c.members))
	for i := range c.centroid {
		c.centroid[i] += (it.vec[i] - c.centroid[i]) / n
	}
}

func (c *cluster) evidence(limit int) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, m := range c.members {
		for _, ev := range m.Evidence {
			q := strings.TrimSpace(ev.Quote)
			if q == "" || seen[q] {
				continue
			}
			seen[q] = true
			out = append(out, q)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

func (c *cluster) sampleValues(limit int) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, m := range c.members {
		v := m.Value.String()
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
		if len(out) == limit {
			break
		}
	}
	return out
}

// representation is the text embedded for an assessment. Text values stand
// for themselves; other types are represented by what the user said.
func representation(a assessment.WithEvidence) string {
	if a.Value.Type == assessment.ValueText && strings.TrimSpace(a.Value.Text) != "" {
		return a.Value.Text
	}
	var quotes []string
	for _, ev := range a.Evidence {
		if q := strings.TrimSpace(ev.Quote); q != "" {
			quotes = append(quotes, q)
		}
	}
	if len(quotes) > 0 {
		return strings.Join(quotes, "\n")
	}
	if r := strings.TrimSpace(a.Reasoning); r != "" {
		return r
	}
	return a.Value.String()
}

// cluster embeds rows and groups them per element with greedy single-pass
// clustering in row order. It returns clusters in creation order and the
// number of rows skipped because their embedding failed.
func (e *Engine) cluster(ctx context.Context, rows []assessment.WithEvidence) ([]*cluster, int, error) {
	texts := make([]string, len(rows))
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		texts[i] = representation(r)
	}

	emb := e.embedder.WithCache(embedding.NewMemoryCache())
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, ctxErr
		}
		var embErr *embedding.Error
		if !errors.As(err, &embErr) {
			return nil, 0, fmt.Errorf("embed assessments: %w", err)
		}
		e.opts.Logger.Warn("skipping assessments without embeddings", "count", len(embErr.Failed), "error", embErr.Err)
	}

	var order []string
	groups := make(map[string][]item)
	skipped := 0
	for i, r := range rows {
		if vecs[i] == nil {
			skipped++
			continue
		}
		if _, ok := groups[r.Element]; !ok {
			order = append(order, r.Element)
		}
		groups[r.Element] = append(groups[r.Element], item{WithEvidence: r, vec: vecs[i]})
	}

	var out []*cluster
	for _, element := range order {
		var clusters []*cluster
		for _, it := range groups[element] {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
			// Joining needs similarity strictly above the threshold; ties
			// between clusters go to the earliest one.
			best, bestSim := -1, e.opts.ClusterThreshold
			for ci, c := range clusters {
				sim := embedding.CosineSimilarity(it.vec, c.centroid)
				if sim > bestSim {
					best, bestSim = ci, sim
				}
			}
			if best >= 0 {
				clusters[best].add(it)
				continue
			}
			clusters = append(clusters, newCluster(element, len(clusters), it))
		}
		out = append(out, clusters...)
	}
	return out, skipped, nil
}
