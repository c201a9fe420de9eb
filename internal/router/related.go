package router

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
)

// relatedWordOverlap is the shared-word count past which two task
// descriptions are considered related.
const relatedWordOverlap = 3

// contextRecord is the per-task classification persisted alongside the
// task: how it relates to the plan and to recent work.
type contextRecord struct {
	IsMultiStep  bool     `json:"is_multi_step"`
	RelatedTasks []int64  `json:"related_tasks"`
	ContextType  string   `json:"context_type"`
	Steps        []string `json:"steps,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// recordContext classifies the task against recent history and persists
// the outcome. Failures only log; classification never blocks routing.
func (s *Supervisor) recordContext(ctx context.Context, task *models.Task, plan models.Plan, slice models.ContextSlice) {
	recent, err := s.store.ContextStore().RecentDescriptions(ctx, s.maxContextMessages)
	if err != nil {
		logger.Warn(ctx, "Failed to load recent task descriptions", tag.Error(err))
		recent = nil
	}
	related := relatedTasks(task.ID, task.Description, recent)

	kind := models.ContextKindSingle
	switch {
	case len(related) > 0:
		kind = models.ContextKindContextual
	case plan.IsMultiStep:
		kind = models.ContextKindMultiStep
	}

	rec := contextRecord{
		IsMultiStep:  plan.IsMultiStep,
		RelatedTasks: related,
		ContextType:  string(kind),
		Steps:        plan.StepStrings(),
		Reason:       slice.Reason,
	}
	if rec.RelatedTasks == nil {
		rec.RelatedTasks = []int64{}
	}
	data, _ := json.Marshal(rec)
	if err := s.store.ContextStore().Save(ctx, task.ID, kind, string(data)); err != nil {
		logger.Warn(ctx, "Failed to save task context", tag.Task(task.ID), tag.Error(err))
	}
	if len(related) > 0 {
		logger.Info(ctx, "Task relates to recent work", tag.Task(task.ID),
			tag.Count(len(related)), tag.Status(string(kind)))
	}
}

// relatedTasks returns the ids of recent tasks whose descriptions share
// more than relatedWordOverlap words with this one, lowest id first.
func relatedTasks(selfID int64, description string, recent map[int64]string) []int64 {
	words := wordSet(description)
	if len(words) == 0 {
		return nil
	}
	var ids []int64
	for id, desc := range recent {
		if id == selfID {
			continue
		}
		if overlap(words, wordSet(desc)) > relatedWordOverlap {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{}, 16)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}
