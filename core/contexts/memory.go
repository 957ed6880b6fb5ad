package contexts

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Memory is one retrieved long-term memory.
type Memory struct {
	ID      string
	Content string
}

// Retriever fetches memories related to a query. Implementations live
// outside this module; the vector store is an external collaborator.
type Retriever interface {
	Retrieve(ctx context.Context, query string) ([]Memory, error)
}

// RetrieveForUtterance queries the retriever for the transcript and every
// image description concurrently and merges the results, de-duplicated by
// memory ID in first-seen order. A failing query fails the whole retrieval;
// the caller treats that as "no memories".
func RetrieveForUtterance(ctx context.Context, retriever Retriever, transcript string, imageDescriptions []string) ([]Memory, error) {
	if retriever == nil {
		return nil, nil
	}

	queries := append([]string{transcript}, imageDescriptions...)
	results := make([][]Memory, len(queries))

	group, ctx := errgroup.WithContext(ctx)
	for i, query := range queries {
		group.Go(func() error {
			memories, err := retriever.Retrieve(ctx, query)
			if err != nil {
				return err
			}
			results[i] = memories
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var merged []Memory
	for _, memories := range results {
		merged = append(merged, memories...)
	}
	return dedupeMemories(merged), nil
}

func dedupeMemories(memories []Memory) []Memory {
	seen := make(map[string]struct{}, len(memories))
	out := memories[:0:0]
	for _, memory := range memories {
		if _, ok := seen[memory.ID]; ok {
			continue
		}
		seen[memory.ID] = struct{}{}
		out = append(out, memory)
	}
	return out
}
