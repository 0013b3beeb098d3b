package hierarchy

import (
	"context"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/codec"
	"coursecore/api/internal/store"
	"coursecore/api/internal/util"
)

// MergeSections folds source into target. The merged text is source's text
// followed by target's, in target's primary format; every slot of target is
// regenerated from it. Source's children are appended under target and
// source is deleted.
func (s *Service) MergeSections(ctx context.Context, sourceID, targetID string) (store.Section, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.MergeSections", trace.WithAttributes(
		attribute.String("source.id", sourceID),
		attribute.String("target.id", targetID),
	))
	defer span.End()

	if sourceID == targetID {
		return store.Section{}, apperr.Conflict("cannot merge section %s into itself", sourceID)
	}

	var done *change
	err := s.mutate(ctx, targetID, func(ctx context.Context, c *change) error {
		done = c
		source, err := c.section(sourceID)
		if err != nil {
			return err
		}
		target, err := c.section(targetID)
		if err != nil {
			return err
		}
		if c.t.isAncestor(sourceID, targetID) {
			return apperr.Conflict("cannot merge section %s into its descendant %s", sourceID, targetID)
		}

		merged, err := mergeContent(source.Content, target.Content)
		if err != nil {
			return err
		}

		targetLevel := c.t.depth(targetID)
		for _, child := range c.t.children(sourceID) {
			if err := s.checkDepth(targetLevel+1, c.t.height(child)); err != nil {
				return err
			}
			c.t.detach(child)
			c.t.attach(child, store.StringPtr(targetID), -1)
		}

		target.Content = merged
		target.ApplyStats()
		c.touch(targetID)
		c.drop(sourceID)
		return nil
	})
	if err != nil {
		return store.Section{}, err
	}
	s.log.Info("sections merged", "sourceId", sourceID, "targetId", targetID)
	return *done.t.nodes[targetID], nil
}

// mergeContent concatenates source then target in target's primary format.
// An empty target adopts the source's primary format.
func mergeContent(source, target codec.Content) (codec.Content, error) {
	format := target.PrimaryFormat()
	if target.IsEmpty() && !source.IsEmpty() {
		format = source.PrimaryFormat()
	}
	if format == "" {
		format = codec.Markdown
	}

	sourceText, err := textIn(source, format)
	if err != nil {
		return codec.Content{}, err
	}
	targetText, err := textIn(target, format)
	if err != nil {
		return codec.Content{}, err
	}
	text, err := codec.Concat(sourceText, targetText, format)
	if err != nil {
		return codec.Content{}, err
	}
	merged, err := codec.ToMultiFormat(text, format)
	if err != nil {
		return codec.Content{}, err
	}
	metadata := source.Metadata()
	maps.Copy(metadata, target.Metadata())
	return merged.WithMetadata(metadata), nil
}

// textIn returns c's text in format f, converting from the primary format
// when that slot is absent. Empty content yields "".
func textIn(c codec.Content, f codec.Format) (string, error) {
	if c.IsEmpty() {
		return "", nil
	}
	if text, ok := c.Text(f); ok {
		return text, nil
	}
	return codec.Convert(c.PrimaryText(), c.PrimaryFormat(), f)
}

// SplitSection cuts a section's primary text at rune offsets into
// len(points)+1 consecutive siblings titled "<title> (Part k)". The parts
// take the original's place, the original's children move under the first
// part, and the original is deleted, all in one transaction.
func (s *Service) SplitSection(ctx context.Context, id string, points []int) ([]store.Section, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.SplitSection", trace.WithAttributes(
		attribute.String("section.id", id),
		attribute.Int("split.points", len(points)),
	))
	defer span.End()

	var (
		done  *change
		parts []string
	)
	err := s.mutate(ctx, id, func(ctx context.Context, c *change) error {
		done = c
		original, err := c.section(id)
		if err != nil {
			return err
		}
		format := original.Content.PrimaryFormat()
		if format == codec.Structured {
			return apperr.Validation("section %s has structured primary content; switch it to markdown or html before splitting", id).
				WithDetails(map[string]any{"sectionId": id, "primaryFormat": format})
		}
		if format == "" {
			return apperr.Validation("section %s has no content to split", id)
		}
		pieces, err := codec.SplitAt(original.Content.PrimaryText(), points)
		if err != nil {
			return err
		}

		position := c.t.position(id)
		parentID := original.ParentID
		metadata := original.Content.Metadata()
		for k, piece := range pieces {
			content, err := codec.ToMultiFormat(piece, format)
			if err != nil {
				return err
			}
			part := store.Section{
				ID:        util.NewID("sec"),
				CourseID:  original.CourseID,
				Title:     fmt.Sprintf("%s (Part %d)", original.Title, k+1),
				Content:   content.WithMetadata(metadata),
				CreatedAt: c.now,
				UpdatedAt: c.now,
			}
			part.ApplyStats()
			c.insert(part, parentID, position+k)
			parts = append(parts, part.ID)
		}

		for _, child := range c.t.children(id) {
			c.t.detach(child)
			c.t.attach(child, store.StringPtr(parts[0]), -1)
		}
		c.drop(id)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]store.Section, 0, len(parts))
	for _, partID := range parts {
		out = append(out, *done.t.nodes[partID])
	}
	s.log.Info("section split", "sectionId", id, "parts", len(out))
	return out, nil
}
